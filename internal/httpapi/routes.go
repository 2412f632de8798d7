package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"

	"palctl/internal/config"
	"palctl/internal/control"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	rtsup "palctl/internal/runtime/supervisor"
	"palctl/internal/session"
	"palctl/internal/storage"
	"palctl/pkg/logx"
)

const (
	maxBody = 1 << 20
	// apiRequestsPerMinute bounds /api calls per client IP.
	apiRequestsPerMinute = 120
)

// Control is the command surface the API exposes. *control.Controller
// implements it.
type Control interface {
	Info(ctx context.Context) (palapi.ServerInfo, error)
	Players(ctx context.Context) ([]palapi.Player, error)
	Durations() map[string]int64
	Sessions() []session.Record
	Announce(ctx context.Context, message string) (palapi.Report, error)
	Save(ctx context.Context) (control.SaveStatus, palapi.Report, error)
	Shutdown(ctx context.Context, seconds int, message string) (palapi.Report, error)
	RestartNow(ctx context.Context, lead time.Duration) (control.JobStatus, error)
	RestartStatus() control.RestartState
	Countdown(ctx context.Context, lead time.Duration) (control.JobStatus, error)
	CancelCountdown(ctx context.Context) error
	StartScheduler() (control.SchedulerStatus, error)
	StopScheduler() control.SchedulerStatus
	SchedulerStatus() control.SchedulerStatus
	Backup(ctx context.Context) (control.BackupResult, error)
	Kick(ctx context.Context, id, message string) (palapi.Report, error)
	Ban(ctx context.Context, id, message string) (palapi.Report, error)
	Unban(ctx context.Context, id string) (palapi.Report, error)
	Loops() map[string]control.LoopState
}

// ConfigSource reads and replaces the configuration document.
// *config.ConfigManager implements it.
type ConfigSource interface {
	Get() *config.Config
	Replace(ctx context.Context, cfg *config.Config) error
}

// Notifications is the notifier state shown to operators.
// *notifier.Service implements it.
type Notifications interface {
	Enabled() bool
	Sinks() []string
	History() []notifier.HistoryItem
}

// Deps are the collaborators behind the routes. Audit and Metrics may be nil.
type Deps struct {
	Control Control
	Config  ConfigSource
	Audit   storage.Store
	Metrics http.Handler
	Notify  Notifications
	// Runtime returns goroutine stats per named supervisor.
	Runtime func() map[string]rtsup.Snapshot
}

// Handler builds the router. A non-empty token guards every route.
func (s *Service) Handler(token string) http.Handler {
	h := &handlers{deps: s.deps, log: s.log}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(bearer(token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(apiRequestsPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
		r.Get("/config", h.getConfig)
		r.Put("/config", h.putConfig)
		r.Get("/server", h.serverInfo)
		r.Get("/players", h.players)
		r.Get("/players/durations", h.durations)
		r.Get("/players/sessions", h.sessions)
		r.Post("/players/{id}/kick", h.kick)
		r.Post("/players/{id}/ban", h.ban)
		r.Post("/players/{id}/unban", h.unban)
		r.Post("/announce", h.announce)
		r.Post("/save", h.save)
		r.Post("/shutdown", h.shutdown)
		r.Get("/restart", h.restartStatus)
		r.Post("/restart", h.restart)
		r.Post("/countdown", h.countdown)
		r.Post("/countdown/cancel", h.cancelCountdown)
		r.Get("/scheduler", h.schedulerStatus)
		r.Post("/scheduler/start", h.startScheduler)
		r.Post("/scheduler/stop", h.stopScheduler)
		r.Post("/backup", h.backup)
		r.Get("/loops", h.loops)
		r.Get("/runtime", h.runtime)
		r.Get("/notifications", h.notifications)
		r.Get("/audit", h.audit)
	})
	return r
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a command error to its status.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.log.Warn("http command failed", logx.Int("status", status), logx.Err(err))
	}
	writeError(w, status, msg)
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Join(control.ErrInvalidArgument, err)
	}
	return nil
}

type messageBody struct {
	Message string `json:"message"`
}

type shutdownBody struct {
	Seconds int    `json:"seconds"`
	Message string `json:"message"`
}

type leadBody struct {
	LeadSeconds *int `json:"lead_seconds"`
}

// lead returns the requested lead, or -1 for the configured default.
func (b leadBody) lead() (time.Duration, error) {
	if b.LeadSeconds == nil {
		return -1, nil
	}
	if *b.LeadSeconds < 0 {
		return 0, errors.Join(control.ErrInvalidArgument, errors.New("lead_seconds must not be negative"))
	}
	return time.Duration(*b.LeadSeconds) * time.Second, nil
}

func (h *handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Config.Get().Redacted())
}

func (h *handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.fail(w, err)
		return
	}
	cfg, err := config.Decode(b)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.RestoreRedacted(h.deps.Config.Get())
	if err := h.deps.Config.Replace(r.Context(), cfg); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (h *handlers) serverInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.Control.Info(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) players(w http.ResponseWriter, r *http.Request) {
	players, err := h.deps.Control.Players(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if players == nil {
		players = []palapi.Player{}
	}
	writeJSON(w, http.StatusOK, players)
}

func (h *handlers) durations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Control.Durations())
}

func (h *handlers) sessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Control.Sessions())
}

func (h *handlers) announce(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	rep, err := h.deps.Control.Announce(r.Context(), body.Message)
	h.report(w, rep, err)
}

func (h *handlers) save(w http.ResponseWriter, r *http.Request) {
	status, rep, err := h.deps.Control.Save(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "report": rep})
}

func (h *handlers) shutdown(w http.ResponseWriter, r *http.Request) {
	var body shutdownBody
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	rep, err := h.deps.Control.Shutdown(r.Context(), body.Seconds, body.Message)
	h.report(w, rep, err)
}

func (h *handlers) restartStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Control.RestartStatus())
}

func (h *handlers) restart(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, h.deps.Control.RestartNow)
}

func (h *handlers) countdown(w http.ResponseWriter, r *http.Request) {
	h.startJob(w, r, h.deps.Control.Countdown)
}

func (h *handlers) startJob(w http.ResponseWriter, r *http.Request, start func(context.Context, time.Duration) (control.JobStatus, error)) {
	var body leadBody
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	lead, err := body.lead()
	if err != nil {
		h.fail(w, err)
		return
	}
	// The job outlives the request.
	job, err := start(context.WithoutCancel(r.Context()), lead)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handlers) cancelCountdown(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Control.CancelCountdown(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *handlers) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Control.SchedulerStatus())
}

func (h *handlers) startScheduler(w http.ResponseWriter, _ *http.Request) {
	st, err := h.deps.Control.StartScheduler()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) stopScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Control.StopScheduler())
}

func (h *handlers) backup(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Control.Backup(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) kick(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	rep, err := h.deps.Control.Kick(r.Context(), chi.URLParam(r, "id"), body.Message)
	h.report(w, rep, err)
}

func (h *handlers) ban(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decode(r, &body); err != nil {
		h.fail(w, err)
		return
	}
	rep, err := h.deps.Control.Ban(r.Context(), chi.URLParam(r, "id"), body.Message)
	h.report(w, rep, err)
}

func (h *handlers) unban(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.Control.Unban(r.Context(), chi.URLParam(r, "id"))
	h.report(w, rep, err)
}

func (h *handlers) loops(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Control.Loops())
}

func (h *handlers) runtime(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Runtime == nil {
		writeError(w, http.StatusNotFound, "runtime stats not available")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Runtime())
}

func (h *handlers) notifications(w http.ResponseWriter, _ *http.Request) {
	n := h.deps.Notify
	if n == nil {
		writeError(w, http.StatusNotFound, "notifier not available")
		return
	}
	history := n.History()
	if history == nil {
		history = []notifier.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": n.Enabled(),
		"sinks":   n.Sinks(),
		"history": history,
	})
}

func (h *handlers) audit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "audit storage is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	entries, err := h.deps.Audit.RecentAudit(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// report writes a negotiation report. A failed negotiation still carries
// every step it tried.
func (h *handlers) report(w http.ResponseWriter, rep palapi.Report, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
