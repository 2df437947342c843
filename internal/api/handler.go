// Package api serves the airdrop orchestrator over HTTP: the current state,
// start/retry/reset commands, and the per-owner form draft.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tsender/airdrop/internal/draft"
	"github.com/tsender/airdrop/internal/events"
	"github.com/tsender/airdrop/internal/orchestrator"
)

var ErrInvalidConfig = errors.New("api: invalid config")

// Orchestrator is the subset of *orchestrator.Orchestrator the handler drives.
type Orchestrator interface {
	StartAsync(ctx context.Context, req orchestrator.Request) (<-chan error, error)
	RetryAsync(ctx context.Context) (<-chan error, error)
	Reset()
	Snapshot() orchestrator.Snapshot
}

// Config configures the HTTP handler.
type Config struct {
	// AuthToken enables bearer-token auth on every route except /healthz.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 4 MiB.
	MaxBodyBytes int64

	// RunContext bounds pipelines started through the API; they outlive the
	// request that started them. Defaults to context.Background().
	RunContext context.Context

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

type handler struct {
	cfg     Config
	orch    Orchestrator
	drafts  draft.Store
	limiter *ipLimiter
	log     *slog.Logger
}

// NewHandler builds the routes. A nil drafts store keeps drafts in memory.
func NewHandler(cfg Config, orch Orchestrator, drafts draft.Store, log *slog.Logger) (http.Handler, error) {
	if orch == nil {
		return nil, fmt.Errorf("%w: nil orchestrator", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.RunContext == nil {
		cfg.RunContext = context.Background()
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if drafts == nil {
		drafts = draft.NewMemoryStore(cfg.Now)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg:     cfg,
		orch:    orch,
		drafts:  drafts,
		limiter: newIPLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/state", h.handleState)
	mux.HandleFunc("POST /v1/start", h.handleStart)
	mux.HandleFunc("POST /v1/retry", h.handleRetry)
	mux.HandleFunc("POST /v1/reset", h.handleReset)
	mux.HandleFunc("GET /v1/drafts/{owner}", h.handleGetDraft)
	mux.HandleFunc("PUT /v1/drafts/{owner}", h.handlePutDraft)
	mux.HandleFunc("DELETE /v1/drafts/{owner}", h.handleDeleteDraft)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks are never throttled or authenticated.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

type startRequest struct {
	Token      string `json:"token"`
	Recipients string `json:"recipients"`
	Amounts    string `json:"amounts"`
	Decimals   *uint8 `json:"decimals,omitempty"`
}

func (h *handler) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[startRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	token := strings.TrimSpace(req.Token)
	if !common.IsHexAddress(token) {
		writeError(w, http.StatusBadRequest, "invalid_token")
		return
	}

	done, err := h.orch.StartAsync(h.cfg.RunContext, orchestrator.Request{
		Token:      common.HexToAddress(token),
		Recipients: req.Recipients,
		Amounts:    req.Amounts,
		Decimals:   req.Decimals,
	})
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.watch("start", done)
	writeJSON(w, http.StatusAccepted, h.state())
}

func (h *handler) handleRetry(w http.ResponseWriter, _ *http.Request) {
	done, err := h.orch.RetryAsync(h.cfg.RunContext)
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.watch("retry", done)
	writeJSON(w, http.StatusAccepted, h.state())
}

func (h *handler) handleReset(w http.ResponseWriter, _ *http.Request) {
	h.orch.Reset()
	writeJSON(w, http.StatusOK, h.state())
}

func (h *handler) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "already_in_progress")
	case errors.Is(err, orchestrator.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable")
	default:
		h.log.Error("orchestrator command", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

// watch logs the outcome of a background run. Failures are already visible
// through the state; this only keeps a record.
func (h *handler) watch(cmd string, done <-chan error) {
	go func() {
		err := <-done
		switch {
		case err == nil:
			h.log.Info("airdrop run finished", "command", cmd)
		case errors.Is(err, orchestrator.ErrSuperseded):
			h.log.Info("airdrop run superseded", "command", cmd)
		default:
			h.log.Warn("airdrop run failed", "command", cmd, "err", err)
		}
	}()
}

func (h *handler) state() events.Transition {
	return events.FromSnapshot(h.orch.Snapshot(), h.cfg.Now())
}

type draftBody struct {
	Token      string `json:"token"`
	Recipients string `json:"recipients"`
	Amounts    string `json:"amounts"`
}

type draftResponse struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	Recipients string    `json:"recipients"`
	Amounts    string    `json:"amounts"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toDraftResponse(d draft.Draft) draftResponse {
	return draftResponse{
		Owner:      d.Owner.Hex(),
		Token:      d.Token,
		Recipients: d.Recipients,
		Amounts:    d.Amounts,
		UpdatedAt:  d.UpdatedAt,
	}
}

func (h *handler) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r)
	if !ok {
		return
	}
	d, err := h.drafts.Get(r.Context(), owner)
	if err != nil {
		h.writeDraftError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftResponse(d))
}

func (h *handler) handlePutDraft(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r)
	if !ok {
		return
	}
	body, ok := decodeJSONBody[draftBody](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	d, err := h.drafts.Put(r.Context(), draft.Draft{
		Owner:      owner,
		Token:      body.Token,
		Recipients: body.Recipients,
		Amounts:    body.Amounts,
	})
	if err != nil {
		h.writeDraftError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftResponse(d))
}

func (h *handler) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, r)
	if !ok {
		return
	}
	if err := h.drafts.Delete(r.Context(), owner); err != nil {
		h.writeDraftError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeDraftError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, draft.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, draft.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_draft")
	default:
		h.log.Error("draft store", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func parseOwner(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := strings.TrimSpace(r.PathValue("owner"))
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_owner")
		return common.Address{}, false
	}
	owner := common.HexToAddress(raw)
	if owner == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "invalid_owner")
		return common.Address{}, false
	}
	return owner, true
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var out T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return out, false
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"version": "v1", "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	// Exact "Bearer <token>" with a single space.
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
