package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"hivewatch/core-go/internal/metrics"
	"hivewatch/core-go/internal/session"
	"hivewatch/core-go/internal/view"
)

// Pinger reports database readiness. *db.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Refresher accepts manual refresh requests. *refresh.Scheduler satisfies it.
type Refresher interface {
	Trigger()
}

// Deps are the components the HTTP surface serves from. Pool, Archive,
// Metrics and Static may be nil.
type Deps struct {
	Session   *session.Controller
	View      *view.Store
	Stream    http.Handler
	Archive   *view.Archive
	Refresher Refresher
	Pool      Pinger
	Metrics   *metrics.Metrics
	Static    http.Handler
}

type Handler struct {
	log       zerolog.Logger
	session   *session.Controller
	view      *view.Store
	stream    http.Handler
	archive   *view.Archive
	refresher Refresher
	pool      Pinger
	metrics   *metrics.Metrics
	static    http.Handler
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	return &Handler{
		log:       log,
		session:   deps.Session,
		view:      deps.View,
		stream:    deps.Stream,
		archive:   deps.Archive,
		refresher: deps.Refresher,
		pool:      deps.Pool,
		metrics:   deps.Metrics,
		static:    deps.Static,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)
	r.Handle("/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			// The stream is long-lived and must not run under the request timeout.
			r.Get("/view/stream", h.handleViewStream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(15 * time.Second))

				r.Get("/view", h.handleGetView)
				r.Get("/view/history", h.handleViewHistory)
				r.Post("/refresh", h.handleRefresh)

				r.Route("/session", func(r chi.Router) {
					r.Get("/", h.handleGetSession)
					r.Put("/mode", h.handleSetMode)
				})
			})
		})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))

		r.Get("/login", h.handleLogin)
		r.Get("/callback", h.handleCallback)
		r.Post("/logout", h.handleLogout)
	})

	if h.static != nil {
		r.Handle("/*", h.static)
	}

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		h.metrics.ObserveHTTPRequest(r.Method, path, status, duration)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReadyZ only gates on the database when one is configured; the
// dashboard serves without it.
func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.pool != nil {
		if err := h.pool.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) handleViewStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		h.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "view stream not configured", nil)
		return
	}
	h.stream.ServeHTTP(w, r)
}

func (h *Handler) handleGetView(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.view.Current())
}

func (h *Handler) handleViewHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 500", nil)
			return
		}
		limit = n
	}

	entries, err := h.archive.History(r.Context(), limit)
	if errors.Is(err, view.ErrArchiveUnavailable) {
		h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "snapshot history requires a database", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("list snapshot history failed")
		h.writeError(w, http.StatusInternalServerError, "db_error", "failed to list snapshot history", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"snapshots": entries})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher != nil {
		h.refresher.Trigger()
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type sessionResponse struct {
	Mode          session.Mode `json:"mode"`
	Epoch         uint64       `json:"epoch"`
	Authenticated bool         `json:"authenticated"`
	Status        string       `json:"status"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	obs, err := h.session.Observe(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("read session failed")
		h.writeError(w, http.StatusInternalServerError, "session_error", "failed to read session", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, sessionResponse{
		Mode:          obs.Mode,
		Epoch:         obs.Epoch,
		Authenticated: obs.HasCredential,
		Status:        obs.Status,
	})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", map[string]any{"error": err.Error()})
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "mode must be public or private", nil)
		return
	}

	res, err := h.session.Select(r.Context(), mode)
	if errors.Is(err, session.ErrNoProvider) {
		h.writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "private mode is not configured", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("mode", string(mode)).Msg("mode selection failed")
		h.writeError(w, http.StatusInternalServerError, "session_error", "failed to change mode", nil)
		return
	}
	if res.AuthorizeURL != "" {
		h.writeError(w, http.StatusUnauthorized, "authorization_required", "sign in to view your modules", map[string]any{
			"authorize_url": res.AuthorizeURL,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"mode":         res.Mode,
		"transitioned": res.Transitioned,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	u, err := h.session.BeginAuthorization(r.Context())
	if errors.Is(err, session.ErrNoProvider) {
		h.writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "private mode is not configured", nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("begin authorization failed")
		h.writeError(w, http.StatusInternalServerError, "session_error", "failed to start sign-in", nil)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// handleCallback always lands the browser back on the dashboard; the outcome
// is reported through the session status.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		h.log.Warn().Str("error", providerErr).Msg("identity provider returned an error")
	}
	if err := h.session.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state")); err != nil {
		h.log.Warn().Err(err).Msg("authorization callback failed")
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Logout(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("logout failed")
		h.writeError(w, http.StatusInternalServerError, "session_error", "failed to sign out", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"mode": session.Public})
}
