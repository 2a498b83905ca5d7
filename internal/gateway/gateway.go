// Package gateway exposes the board over HTTP and WebSocket. REST
// routes cover registration, login, task CRUD, smart assignment, and
// the action feed; /ws streams committed mutations to connected
// clients. The gateway holds no board state of its own.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskboard/internal/auth"
	"github.com/basket/taskboard/internal/board"
	"github.com/basket/taskboard/internal/bus"
	"github.com/basket/taskboard/internal/config"
	tbotel "github.com/basket/taskboard/internal/otel"
	"github.com/basket/taskboard/internal/shared"
	"github.com/basket/taskboard/internal/store"
)

type Config struct {
	Board *board.Board
	Auth  *auth.Manager
	Bus   *bus.Bus
	Store *store.Store

	Logger  *slog.Logger
	Metrics *tbotel.Metrics // may be nil in tests
	Tracer  trace.Tracer    // may be nil in tests

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig

	// MaxBodyBytes caps request bodies. Zero means 1MB.
	MaxBodyBytes int64
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

// Handler builds the full route surface with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	limiter := NewCredentialRateLimiter(s.cfg.RateLimit)
	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/register", limiter.Wrap(http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	api.Handle("/login", limiter.Wrap(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)

	api.HandleFunc("/users", s.requireAuth(s.handleListUsers)).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.requireAuth(s.handleListTasks)).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.requireAuth(s.handleCreateTask)).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.requireAuth(s.handleGetTask)).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.requireAuth(s.handleUpdateTask)).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}", s.requireAuth(s.handleDeleteTask)).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/smart-assign", s.requireAuth(s.handleSmartAssign)).Methods(http.MethodPost)
	api.HandleFunc("/actions", s.requireAuth(s.handleListActions)).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.instrument(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	return h
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, so
// the /ws upgrade can still hijack the connection.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// instrument tags each request with a trace id, records request
// duration, and wraps the request in a server span when telemetry is
// wired.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = tbotel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(tbotel.AttrOperation.String(r.Method+" "+r.URL.Path)))
		}
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"trace_id", shared.TraceID(ctx),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string        `json:"token"`
	User  store.UserRef `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, token, err := s.cfg.Auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		writeError(w, http.StatusBadRequest, "user already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, sessionResponse{
		Token: token,
		User:  store.UserRef{ID: user.ID, Username: user.Username},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, token, err := s.cfg.Auth.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.log.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token: token,
		User:  store.UserRef{ID: user.ID, Username: user.Username},
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.cfg.Store.ListUsers(r.Context())
	if err != nil {
		s.log.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type createTaskRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    store.Priority `json:"priority"`
	AssignedTo  *string        `json:"assigned_to"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := IdentityFromContext(r.Context())
	view, err := s.cfg.Board.CreateTask(r.Context(), board.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AssigneeID:  req.AssignedTo,
	}, id.UserID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.cfg.Board.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	views, err := s.cfg.Board.ListTasks(r.Context())
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	patch, err := decodeUpdatePatch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := IdentityFromContext(r.Context())
	view, err := s.cfg.Board.UpdateTask(r.Context(), mux.Vars(r)["id"], patch, id.UserID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// decodeUpdatePatch maps request JSON onto an UpdatePatch, preserving
// the distinction between an absent assigned_to field and an explicit
// null (which clears the assignment).
func decodeUpdatePatch(r *http.Request) (board.UpdatePatch, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return board.UpdatePatch{}, err
	}
	var patch board.UpdatePatch
	if v, ok := raw["title"]; ok {
		if err := json.Unmarshal(v, &patch.Title); err != nil {
			return patch, err
		}
	}
	if v, ok := raw["description"]; ok {
		if err := json.Unmarshal(v, &patch.Description); err != nil {
			return patch, err
		}
	}
	if v, ok := raw["status"]; ok {
		if err := json.Unmarshal(v, &patch.Status); err != nil {
			return patch, err
		}
	}
	if v, ok := raw["priority"]; ok {
		if err := json.Unmarshal(v, &patch.Priority); err != nil {
			return patch, err
		}
	}
	if v, ok := raw["assigned_to"]; ok {
		patch.AssigneeSet = true
		if err := json.Unmarshal(v, &patch.AssigneeID); err != nil {
			return patch, err
		}
	}
	if v, ok := raw["version"]; ok {
		if err := json.Unmarshal(v, &patch.ExpectedVersion); err != nil {
			return patch, err
		}
	}
	return patch, nil
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if err := s.cfg.Board.DeleteTask(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

func (s *Server) handleSmartAssign(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	view, err := s.cfg.Board.SmartAssign(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.cfg.Board.RecentActions(r.Context(), 0)
	if err != nil {
		s.writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// writeBoardError maps the board error taxonomy onto HTTP statuses. A
// conflict response carries the authoritative record so the losing
// client can reconcile without refetching.
func (s *Server) writeBoardError(w http.ResponseWriter, err error) {
	var verr *board.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	var nf *board.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error())
		return
	}
	var conflict *board.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        conflict.Error(),
			"conflict":     true,
			"current_task": conflict.Current,
		})
		return
	}
	if errors.Is(err, board.ErrNoEligibleUsers) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("board operation failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
