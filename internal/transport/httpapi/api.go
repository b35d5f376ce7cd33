package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"campaignd/internal/campaign"
	"campaignd/internal/lockreg"
	"campaignd/internal/session"
	"campaignd/internal/statushub"
	logx "campaignd/pkg/logx"
)

// OwnerHeader carries the caller's owner id.
const OwnerHeader = "X-Owner-ID"

// Campaigns is the orchestrator surface the API needs.
type Campaigns interface {
	Submit(ctx context.Context, req campaign.Request) (campaign.Receipt, error)
	Status(owner, id string) (campaign.Snapshot, error)
	Cancel(owner, id string) error
	CancelAll(owner string) int
	ListActive(owner string) []campaign.Snapshot
	ResetLocks(ctx context.Context, owner string) (int, error)
	LockStatus(ctx context.Context, owner string) ([]lockreg.Status, error)
}

// Streams registers live observers.
type Streams interface {
	Subscribe(tenant string, obs statushub.Observer) (unsubscribe func())
}

// HealthFunc reports readiness for /healthz. Nil means always healthy.
type HealthFunc func() error

type API struct {
	cfg       Config
	log       logx.Logger
	campaigns Campaigns
	streams   Streams
	health    HealthFunc
	upgrader  websocket.Upgrader
}

func New(cfg Config, campaigns Campaigns, streams Streams, health HealthFunc, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "http")),
		campaigns: campaigns,
		streams:   streams,
		health:    health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Owners are identified by header, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", a.healthz)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		if a.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Group(func(r chi.Router) {
			r.Use(requireOwner)

			r.Route("/api/campaigns", func(r chi.Router) {
				r.Post("/", a.submit)
				r.Get("/", a.listActive)
				r.Post("/cancel-all", a.cancelAll)
				r.Get("/{id}", a.status)
				r.Post("/{id}/cancel", a.cancel)
			})
			r.Post("/api/messages/direct", a.direct)
			r.Post("/api/sessions/reset-locks", a.resetLocks)
			r.Get("/api/sessions/status", a.lockStatus)
			r.Get("/ws/campaigns", a.stream)
		})
	})
	return r
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}

// requireOwner accepts the owner from the header, or from ?owner_id= for
// websocket clients that cannot set headers.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" && websocket.IsWebSocketUpgrade(r) {
			owner = strings.TrimSpace(r.URL.Query().Get("owner_id"))
		}
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func (a *API) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" && got == tok {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				a.log.Error("http handler panicked",
					logx.String("path", r.URL.Path),
					logx.Any("panic", p),
					logx.String("request_id", middleware.GetReqID(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitBody struct {
	Message    string   `json:"message"`
	Targets    []int64  `json:"targets,omitempty"`
	Accounts   []string `json:"accounts,omitempty"`
	Continuous bool     `json:"continuous"`
}

type directBody struct {
	Message    string           `json:"message"`
	Recipients []session.Target `json:"recipients"`
	Accounts   []string         `json:"accounts,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}
	a.start(w, r, campaign.Request{
		Owner:       ownerFrom(r.Context()),
		Message:     body.Message,
		AccountKeys: body.Accounts,
		TargetIDs:   body.Targets,
		Continuous:  body.Continuous,
	})
}

// direct sends one message to each listed recipient, spread over the
// owner's accounts.
func (a *API) direct(w http.ResponseWriter, r *http.Request) {
	var body directBody
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients are required")
		return
	}
	a.start(w, r, campaign.Request{
		Owner:       ownerFrom(r.Context()),
		Message:     body.Message,
		AccountKeys: body.Accounts,
		Recipients:  body.Recipients,
	})
}

func (a *API) start(w http.ResponseWriter, r *http.Request, req campaign.Request) {
	rec, err := a.campaigns.Submit(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	snap, err := a.campaigns.Status(ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) listActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": a.campaigns.ListActive(ownerFrom(r.Context()))})
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	if err := a.campaigns.Cancel(ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (a *API) cancelAll(w http.ResponseWriter, r *http.Request) {
	n := a.campaigns.CancelAll(ownerFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (a *API) resetLocks(w http.ResponseWriter, r *http.Request) {
	n, err := a.campaigns.ResetLocks(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (a *API) lockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.campaigns.LockStatus(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": st})
}

// fail maps domain errors to status codes.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var qe *campaign.QuotaError
	switch {
	case errors.As(err, &qe):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     qe.Error(),
			"action":    qe.Action,
			"remaining": qe.Remaining,
		})
	case errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, campaign.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case campaign.IsRequestError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("request failed",
			logx.String("path", r.URL.Path),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
