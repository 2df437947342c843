package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tsender/airdrop/internal/draft"
	"github.com/tsender/airdrop/internal/events"
	"github.com/tsender/airdrop/internal/orchestrator"
)

type stubOrchestrator struct {
	mu       sync.Mutex
	snap     orchestrator.Snapshot
	startErr error
	retryErr error
	started  []orchestrator.Request
	retries  int
	resets   int
}

func (s *stubOrchestrator) StartAsync(_ context.Context, req orchestrator.Request) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started = append(s.started, req)
	s.snap.Phase = orchestrator.PhaseChecking
	return closedDone(), nil
}

func (s *stubOrchestrator) RetryAsync(_ context.Context) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	s.retries++
	return closedDone(), nil
}

func (s *stubOrchestrator) Reset() {
	s.mu.Lock()
	s.resets++
	s.snap = orchestrator.Snapshot{}
	s.mu.Unlock()
}

func (s *stubOrchestrator) Snapshot() orchestrator.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func closedDone() <-chan error {
	done := make(chan error, 1)
	done <- nil
	return done
}

var testNow = time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, cfg Config, orch Orchestrator) http.Handler {
	t.Helper()
	cfg.Now = func() time.Time { return testNow }
	h, err := NewHandler(cfg, orch, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	s, _ := out["error"].(string)
	return s
}

func TestHandler_StartAccepted(t *testing.T) {
	t.Parallel()

	orch := &stubOrchestrator{}
	h := newTestHandler(t, Config{}, orch)

	body := `{"token":"0x00000000000000000000000000000000000000bb","recipients":"0x01","amounts":"1.5","decimals":6}`
	rec := do(t, h, http.MethodPost, "/v1/start", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var tr events.Transition
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Phase != "checking" {
		t.Fatalf("phase: got %q want checking", tr.Phase)
	}
	if len(orch.started) != 1 {
		t.Fatalf("starts: got %d want 1", len(orch.started))
	}
	got := orch.started[0]
	if got.Token != common.HexToAddress("0xbb") || got.Amounts != "1.5" || got.Decimals == nil || *got.Decimals != 6 {
		t.Fatalf("request: %+v", got)
	}
}

func TestHandler_StartRejections(t *testing.T) {
	t.Parallel()

	busy := &stubOrchestrator{startErr: orchestrator.ErrAlreadyInProgress}
	h := newTestHandler(t, Config{}, busy)
	valid := `{"token":"0x00000000000000000000000000000000000000bb","recipients":"0x01","amounts":"1"}`

	cases := []struct {
		name string
		h    http.Handler
		body string
		code int
		err  string
	}{
		{"in progress", h, valid, http.StatusConflict, "already_in_progress"},
		{"bad token", h, `{"token":"bb"}`, http.StatusBadRequest, "invalid_token"},
		{"unknown field", h, `{"token":"0xbb","extra":1}`, http.StatusBadRequest, "invalid_json"},
		{"trailing data", h, valid + `{}`, http.StatusBadRequest, "invalid_json"},
		{"too large", newTestHandler(t, Config{MaxBodyBytes: 16}, busy), valid, http.StatusRequestEntityTooLarge, "body_too_large"},
	}
	for _, tc := range cases {
		rec := do(t, tc.h, http.MethodPost, "/v1/start", tc.body, nil)
		if rec.Code != tc.code {
			t.Fatalf("%s: status got %d want %d", tc.name, rec.Code, tc.code)
		}
		if got := errorCode(t, rec); got != tc.err {
			t.Fatalf("%s: error got %q want %q", tc.name, got, tc.err)
		}
	}
}

func TestHandler_RetryAndReset(t *testing.T) {
	t.Parallel()

	orch := &stubOrchestrator{retryErr: orchestrator.ErrNotRetryable}
	h := newTestHandler(t, Config{}, orch)

	rec := do(t, h, http.MethodPost, "/v1/retry", "", nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "not_retryable" {
		t.Fatalf("retry rejected: %d %s", rec.Code, rec.Body.String())
	}

	orch.mu.Lock()
	orch.retryErr = nil
	orch.mu.Unlock()
	if rec := do(t, h, http.MethodPost, "/v1/retry", "", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("retry: got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/reset", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: got %d", rec.Code)
	}
	if orch.retries != 1 || orch.resets != 1 {
		t.Fatalf("calls: retries=%d resets=%d", orch.retries, orch.resets)
	}
}

func TestHandler_StateAndAuth(t *testing.T) {
	t.Parallel()

	orch := &stubOrchestrator{snap: orchestrator.Snapshot{Label: "Ready"}}
	h := newTestHandler(t, Config{AuthToken: "s3cret"}, orch)

	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should skip auth: got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/state", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/state", "", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/v1/state", "", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("state: got %d", rec.Code)
	}
	var tr events.Transition
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.Phase != "idle" || tr.Label != "Ready" || !tr.At.Equal(testNow) {
		t.Fatalf("state body: %+v", tr)
	}
}

func TestHandler_Drafts(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{}, &stubOrchestrator{})
	path := "/v1/drafts/0x00000000000000000000000000000000000000aa"

	if rec := do(t, h, http.MethodGet, path, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPut, path, `{"token":"0xbb","recipients":"0x01,","amounts":"1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, path, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}
	var got draftResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Owner != common.HexToAddress("0xaa").Hex() || got.Recipients != "0x01," || !got.UpdatedAt.Equal(testNow) {
		t.Fatalf("draft: %+v", got)
	}

	if rec := do(t, h, http.MethodDelete, path, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, path, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rec.Code)
	}

	for _, bad := range []string{"/v1/drafts/xyz", "/v1/drafts/0x0000000000000000000000000000000000000000"} {
		if rec := do(t, h, http.MethodGet, bad, "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d want 400", bad, rec.Code)
		}
	}
}

func TestHandler_DraftStoreErrorsMap(t *testing.T) {
	t.Parallel()

	h, err := NewHandler(Config{}, &stubOrchestrator{}, draft.NewMemoryStore(nil), nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	huge := `{"recipients":"` + strings.Repeat("a", draft.MaxFieldBytes+1) + `"}`
	rec := do(t, h, http.MethodPut, "/v1/drafts/0x00000000000000000000000000000000000000aa", huge, nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_draft" {
		t.Fatalf("oversized field: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RateLimited(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, Config{RateLimitPerIPPerSecond: 1, RateLimitBurst: 2}, &stubOrchestrator{})
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.7"}
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/v1/state", "", hdr); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/v1/state", "", hdr)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected throttle: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", "", hdr); rec.Code != http.StatusOK {
		t.Fatalf("healthz throttled: %d", rec.Code)
	}
}

func TestNewHandler_RequiresOrchestrator(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(Config{}, nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil orchestrator")
	}
}
