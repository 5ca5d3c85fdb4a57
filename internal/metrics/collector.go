package metrics

import (
	"context"

	"promodispatch/internal/dispatch"
	"promodispatch/internal/eventbus"
	"promodispatch/internal/session"
)

// Collect feeds bus events into rec until ctx ends.
func Collect(ctx context.Context, bus eventbus.Bus, rec Recorder) {
	ch, unsubscribe := bus.Subscribe(256,
		eventbus.TopicSessionPhase,
		eventbus.TopicEnqueued,
		eventbus.TopicDelivered,
		eventbus.TopicRetry,
		eventbus.TopicAbandoned,
		eventbus.TopicDeferred,
	)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			observe(ctx, rec, e)
		}
	}
}

func observe(ctx context.Context, rec Recorder, e eventbus.Event) {
	switch d := e.Data.(type) {
	case session.PhaseChange:
		rec.Transition(ctx, d.From.String(), d.To.String())
	case dispatch.Result:
		status := outcomeLabel(e.Type)
		rec.Outcome(ctx, status)
		if d.Took > 0 {
			rec.SendDuration(ctx, status, d.Took)
		}
	}
}

func outcomeLabel(topic string) string {
	switch topic {
	case eventbus.TopicEnqueued:
		return "enqueued"
	case eventbus.TopicDelivered:
		return "delivered"
	case eventbus.TopicRetry:
		return "failed"
	case eventbus.TopicAbandoned:
		return "abandoned"
	case eventbus.TopicDeferred:
		return "deferred"
	}
	return "unknown"
}
