package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"promodispatch/internal/dispatch"
	"promodispatch/internal/ledger"
	"promodispatch/internal/maintenance"
	"promodispatch/internal/outbox"
	"promodispatch/internal/session"
	logx "promodispatch/pkg/logx"
)

// Deps are the read-only views the server reports on. Nil fields are skipped.
type Deps struct {
	Session interface {
		ID() string
		State() session.State
	}
	Messages interface {
		Status(ctx context.Context, id string) (dispatch.StatusView, error)
		History(ctx context.Context, id string) ([]ledger.Outcome, error)
	}
	Queue interface {
		Counts() (pending, inFlight int)
	}
	Jobs    func() []maintenance.JobInfo
	Metrics http.Handler
}

// Handler returns the router for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.router(cur)
}

func (s *Service) router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	// Probes stay open for supervisors that cannot send a token.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/session", s.sessionInfo)
		r.Get("/messages/{id}", s.message)
		if cfg.Metrics && s.deps.Metrics != nil {
			r.Handle("/metrics", s.deps.Metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Service) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Session == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	st := s.deps.Session.State()
	if st.Phase != session.Ready {
		http.Error(w, st.Phase.String(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

type sessionResponse struct {
	ID               string                `json:"id,omitempty"`
	Phase            session.Phase         `json:"phase"`
	LastTransitionAt time.Time             `json:"last_transition_at,omitempty"`
	LastError        string                `json:"last_error,omitempty"`
	Challenge        string                `json:"challenge,omitempty"`
	Pending          int                   `json:"pending"`
	InFlight         int                   `json:"in_flight"`
	Jobs             []maintenance.JobInfo `json:"jobs,omitempty"`
}

func (s *Service) sessionInfo(w http.ResponseWriter, _ *http.Request) {
	var resp sessionResponse
	if s.deps.Session != nil {
		st := s.deps.Session.State()
		resp.ID = s.deps.Session.ID()
		resp.Phase = st.Phase
		resp.LastTransitionAt = st.LastTransitionAt
		resp.LastError = st.LastError
		resp.Challenge = st.Challenge
	}
	if s.deps.Queue != nil {
		resp.Pending, resp.InFlight = s.deps.Queue.Counts()
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

type messageResponse struct {
	dispatch.StatusView
	History []ledger.Outcome `json:"history"`
}

func (s *Service) message(w http.ResponseWriter, r *http.Request) {
	if s.deps.Messages == nil {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	view, err := s.deps.Messages.Status(r.Context(), id)
	if errors.Is(err, outbox.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("message status failed", logx.String("id", id), logx.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	hist, err := s.deps.Messages.History(r.Context(), id)
	if err != nil {
		s.log.Error("message history failed", logx.String("id", id), logx.Err(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if hist == nil {
		hist = []ledger.Outcome{}
	}
	writeJSON(w, http.StatusOK, messageResponse{StatusView: view, History: hist})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}
