package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tsender/airdrop/internal/chain"
	"github.com/tsender/airdrop/internal/retry"
	"github.com/tsender/airdrop/internal/txerrors"
)

var (
	testOwner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testRcpt1 = "0x1111111111111111111111111111111111111111"
	testRcpt2 = "0x2222222222222222222222222222222222222222"
)

type fakeGateway struct {
	mu sync.Mutex

	calls     []string
	allowance *uint256.Int

	allowanceErrs []error
	approveErrs   []error
	transferErrs  []error

	// readGate, when set, blocks ReadAllowance until closed. readEntered
	// receives once per call before blocking.
	readGate    chan struct{}
	readEntered chan struct{}

	approveSpender common.Address
	approveAmount  *uint256.Int
	transferTo     []common.Address
	transferAmts   []*uint256.Int
	transferTotal  *uint256.Int
	transferVia    common.Address
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (g *fakeGateway) ReadAllowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "allowance")
	gate, entered := g.readGate, g.readEntered
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := pop(&g.allowanceErrs); err != nil {
		return nil, err
	}
	if g.allowance == nil {
		return new(uint256.Int), nil
	}
	return g.allowance.Clone(), nil
}

func (g *fakeGateway) SubmitApprove(_ context.Context, _, spender common.Address, amount *uint256.Int) (chain.TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "approve")
	if err := pop(&g.approveErrs); err != nil {
		return chain.TxHandle{}, err
	}
	g.approveSpender = spender
	g.approveAmount = amount.Clone()
	return common.HexToHash("0xa1"), nil
}

func (g *fakeGateway) SubmitTransfer(_ context.Context, dispatcher, _ common.Address, recipients []common.Address, amounts []*uint256.Int, total *uint256.Int) (chain.TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "transfer")
	if err := pop(&g.transferErrs); err != nil {
		return chain.TxHandle{}, err
	}
	g.transferVia = dispatcher
	g.transferTo = recipients
	g.transferAmts = amounts
	g.transferTotal = total.Clone()
	return common.HexToHash("0xb2"), nil
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type transitionLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *transitionLog) record(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, s.Phase)
}

func (l *transitionLog) get() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Phase(nil), l.phases...)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestOrchestrator(t *testing.T, gw chain.Gateway, log *transitionLog) *Orchestrator {
	t.Helper()
	cfg := Config{
		ChainID: chain.AnvilChainID,
		Owner:   testOwner,
		Sleep:   noSleep,
	}
	if log != nil {
		cfg.OnTransition = log.record
	}
	o, err := New(cfg, gw, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func twoRecipients() Request {
	return Request{
		Token:      testToken,
		Recipients: testRcpt1 + "," + testRcpt2,
		Amounts:    "1.5\n2.5",
	}
}

func wantUnits(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	if err != nil {
		t.Fatalf("FromDecimal(%q): %v", s, err)
	}
	return v
}

func equalCalls(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	cases := []struct {
		name string
		cfg  Config
		gw   chain.Gateway
	}{
		{"nil gateway", Config{ChainID: 1, Owner: testOwner}, nil},
		{"zero chain", Config{Owner: testOwner}, gw},
		{"zero owner", Config{ChainID: 1}, gw},
		{"shrinking backoff", Config{ChainID: 1, Owner: testOwner, ApproveRetry: retry.Config{MaxRetries: 2, BaseDelay: time.Second, BackoffFactor: 0.5}}, gw},
		{"negative retries", Config{ChainID: 1, Owner: testOwner, TransferRetry: retry.Config{MaxRetries: -1, BackoffFactor: 2}}, gw},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg, tc.gw, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestStart_ApprovesThenTransfersWhenAllowanceShort(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	var log transitionLog
	o := newTestOrchestrator(t, gw, &log)

	if err := o.Start(context.Background(), twoRecipients()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := gw.callLog(); !equalCalls(got, "allowance", "approve", "transfer") {
		t.Fatalf("calls: got %v", got)
	}
	total := wantUnits(t, "4000000000000000000")
	dispatcher := chain.DefaultDispatchers()[chain.AnvilChainID]
	if gw.approveSpender != dispatcher {
		t.Fatalf("approve spender: got %s want %s", gw.approveSpender.Hex(), dispatcher.Hex())
	}
	if !gw.approveAmount.Eq(total) {
		t.Fatalf("approve amount: got %s want %s", gw.approveAmount.Dec(), total.Dec())
	}
	if gw.transferVia != dispatcher || !gw.transferTotal.Eq(total) {
		t.Fatalf("transfer: via %s total %s", gw.transferVia.Hex(), gw.transferTotal.Dec())
	}
	if len(gw.transferTo) != 2 || gw.transferTo[0] != common.HexToAddress(testRcpt1) {
		t.Fatalf("transfer recipients: got %v", gw.transferTo)
	}
	if !gw.transferAmts[0].Eq(wantUnits(t, "1500000000000000000")) {
		t.Fatalf("transfer amount[0]: got %s", gw.transferAmts[0].Dec())
	}

	s := o.Snapshot()
	if s.Phase != PhaseSuccess || s.Label != "Transaction complete!" {
		t.Fatalf("final: got %s %q", s.Phase, s.Label)
	}
	if s.ApprovalTx == nil || *s.ApprovalTx != common.HexToHash("0xa1") {
		t.Fatalf("approval tx: got %v", s.ApprovalTx)
	}
	if s.TransferTx == nil || *s.TransferTx != common.HexToHash("0xb2") {
		t.Fatalf("transfer tx: got %v", s.TransferTx)
	}
	if s.Progress != (Progress{Current: 4, Total: 4}) {
		t.Fatalf("progress: got %+v", s.Progress)
	}
	if s.Recipients != 2 || !s.Total.Eq(total) {
		t.Fatalf("batch summary: recipients=%d total=%v", s.Recipients, s.Total)
	}

	want := []Phase{PhaseChecking, PhaseApproving, PhaseTransferring, PhaseSuccess}
	got := log.get()
	if len(got) != len(want) {
		t.Fatalf("transitions: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition[%d]: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestStart_SkipsApproveWhenAllowanceCoversTotal(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{allowance: wantUnits(t, "4000000000000000000")}
	o := newTestOrchestrator(t, gw, nil)

	if err := o.Start(context.Background(), twoRecipients()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := gw.callLog(); !equalCalls(got, "allowance", "transfer") {
		t.Fatalf("calls: got %v", got)
	}
	s := o.Snapshot()
	if s.Phase != PhaseSuccess || s.ApprovalTx != nil {
		t.Fatalf("final: phase=%s approvalTx=%v", s.Phase, s.ApprovalTx)
	}
}

func TestStart_UserRejectsApprovalThenRetries(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{approveErrs: []error{errors.New("MetaMask Tx Signature: User denied transaction signature.")}}
	var log transitionLog
	o := newTestOrchestrator(t, gw, &log)

	err := o.Start(context.Background(), twoRecipients())
	var ce *txerrors.CategorizedError
	if !errors.As(err, &ce) || ce.Category != txerrors.CategoryUserRejection {
		t.Fatalf("Start: expected user rejection, got %v", err)
	}
	s := o.Snapshot()
	if s.Phase != PhaseError || !s.CanRetry || s.LastError == nil {
		t.Fatalf("after rejection: %+v", s)
	}
	if s.Progress.Current != 0 || s.Label != "Transaction failed" {
		t.Fatalf("error presentation: %+v %q", s.Progress, s.Label)
	}
	if got := gw.callLog(); !equalCalls(got, "allowance", "approve") {
		t.Fatalf("calls before retry: got %v", got)
	}

	if err := o.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := gw.callLog(); !equalCalls(got, "allowance", "approve", "approve", "transfer") {
		t.Fatalf("calls after retry: got %v", got)
	}
	s = o.Snapshot()
	if s.Phase != PhaseSuccess || s.LastError != nil {
		t.Fatalf("after retry: %+v", s)
	}

	phases := log.get()
	if phases[len(phases)-3] != PhaseApproving {
		t.Fatalf("retry should resume in approving, transitions %v", phases)
	}
}

func TestRetry_IncrementsRetryCount(t *testing.T) {
	t.Parallel()

	rejected := errors.New("user rejected the request")
	gw := &fakeGateway{transferErrs: []error{rejected, rejected}}
	o := newTestOrchestrator(t, gw, nil)

	_ = o.Start(context.Background(), twoRecipients())
	if got := o.Snapshot().RetryCount; got != 0 {
		t.Fatalf("RetryCount after start: got %d want 0", got)
	}
	_ = o.Retry(context.Background())
	s := o.Snapshot()
	if s.Phase != PhaseError || s.RetryCount != 1 {
		t.Fatalf("after first retry: phase=%s count=%d", s.Phase, s.RetryCount)
	}
	if err := o.Retry(context.Background()); err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	// Retry only re-ran the transfer; the allowance is read once and approve
	// happened once.
	if got := gw.callLog(); !equalCalls(got, "allowance", "approve", "transfer", "transfer", "transfer") {
		t.Fatalf("calls: got %v", got)
	}
}

func TestStart_NetworkFailuresAreRetriedAutomatically(t *testing.T) {
	t.Parallel()

	netErr := errors.New("could not connect: connection refused")
	gw := &fakeGateway{allowanceErrs: []error{netErr, netErr, netErr, netErr}}
	o := newTestOrchestrator(t, gw, nil)

	err := o.Start(context.Background(), twoRecipients())
	if txerrors.Categorize(err).Category != txerrors.CategoryNetwork {
		t.Fatalf("expected network failure, got %v", err)
	}
	if got := gw.callLog(); len(got) != 4 {
		t.Fatalf("allowance reads: got %d want 4", len(got))
	}
	s := o.Snapshot()
	if !s.CanRetry {
		t.Fatalf("network failure should be retryable: %+v", s)
	}

	if err := o.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if o.Snapshot().Phase != PhaseSuccess {
		t.Fatalf("after retry: %s", o.Snapshot().Phase)
	}
}

func TestStart_ValidationFailureNeverCallsGateway(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		req  Request
	}{
		{"empty recipients", Request{Token: testToken, Recipients: "", Amounts: "1"}},
		{"length mismatch", Request{Token: testToken, Recipients: testRcpt1 + "," + testRcpt2, Amounts: "1,2x"}},
		{"zero token", Request{Recipients: testRcpt1, Amounts: "1"}},
	}
	for _, tc := range cases {
		gw := &fakeGateway{}
		o := newTestOrchestrator(t, gw, nil)

		err := o.Start(context.Background(), tc.req)
		var ce *txerrors.CategorizedError
		if !errors.As(err, &ce) || ce.Category != txerrors.CategoryValidation || ce.Retryable {
			t.Fatalf("%s: expected non-retryable validation error, got %v", tc.name, err)
		}
		if got := gw.callLog(); len(got) != 0 {
			t.Fatalf("%s: gateway calls: %v", tc.name, got)
		}
		if err := o.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
			t.Fatalf("%s: Retry: expected ErrNotRetryable, got %v", tc.name, err)
		}
	}
}

func TestStart_MissingDispatcherIsValidationError(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	o, err := New(Config{ChainID: 5, Owner: testOwner, Sleep: noSleep}, gw, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = o.Start(context.Background(), twoRecipients())
	if !errors.Is(err, chain.ErrNoDispatcher) {
		t.Fatalf("expected ErrNoDispatcher in chain, got %v", err)
	}
	s := o.Snapshot()
	if s.Phase != PhaseError || s.CanRetry || s.LastError.Category != txerrors.CategoryValidation {
		t.Fatalf("snapshot: %+v", s)
	}
	if got := gw.callLog(); len(got) != 0 {
		t.Fatalf("gateway calls: %v", got)
	}
}

func TestStart_InsufficientFundsIsTerminal(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{transferErrs: []error{errors.New("transfer amount exceeds balance")}}
	o := newTestOrchestrator(t, gw, nil)

	_ = o.Start(context.Background(), twoRecipients())
	s := o.Snapshot()
	if s.LastError == nil || s.LastError.Category != txerrors.CategoryInsufficientFunds || s.CanRetry {
		t.Fatalf("snapshot: %+v", s)
	}
	if s.ApprovalTx == nil {
		t.Fatalf("approval handle should survive a transfer failure")
	}
}

func TestReset_DuringCheckingDiscardsLateResult(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		readGate:    make(chan struct{}),
		readEntered: make(chan struct{}, 1),
	}
	o := newTestOrchestrator(t, gw, nil)

	done, err := o.StartAsync(context.Background(), twoRecipients())
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	<-gw.readEntered

	if err := o.Start(context.Background(), twoRecipients()); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("concurrent Start: expected ErrAlreadyInProgress, got %v", err)
	}

	o.Reset()
	close(gw.readGate)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("superseded run: got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish")
	}

	s := o.Snapshot()
	if s.Phase != PhaseIdle || s.LastError != nil || s.ApprovalTx != nil {
		t.Fatalf("after reset: %+v", s)
	}
	if got := gw.callLog(); !equalCalls(got, "allowance") {
		t.Fatalf("calls: got %v", got)
	}
}

func TestStart_FromSuccessBeginsFreshRun(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	o := newTestOrchestrator(t, gw, nil)

	if err := o.Start(context.Background(), twoRecipients()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := o.Snapshot().Generation
	if err := o.Start(context.Background(), twoRecipients()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s := o.Snapshot()
	if s.Phase != PhaseSuccess || s.Generation <= first {
		t.Fatalf("second run: phase=%s gen=%d first=%d", s.Phase, s.Generation, first)
	}
	if got := gw.callLog(); len(got) != 6 {
		t.Fatalf("calls: got %v", got)
	}
}

func TestRetry_RejectedOutsideError(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeGateway{}, nil)
	if err := o.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry from idle: got %v", err)
	}
	if _, err := o.RetryAsync(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("RetryAsync from idle: got %v", err)
	}
}

func TestReset_AfterErrorClearsState(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{approveErrs: []error{errors.New("user rejected")}}
	var log transitionLog
	o := newTestOrchestrator(t, gw, &log)

	_ = o.Start(context.Background(), twoRecipients())
	o.Reset()

	s := o.Snapshot()
	if s.Phase != PhaseIdle || s.LastError != nil || s.RetryCount != 0 || s.Recipients != 0 {
		t.Fatalf("after reset: %+v", s)
	}
	if err := o.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry after reset: got %v", err)
	}
	phases := log.get()
	if phases[len(phases)-1] != PhaseIdle {
		t.Fatalf("last transition: got %s", phases[len(phases)-1])
	}
}

func TestPhase_LabelsAndProgress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		p     Phase
		label string
		step  int
	}{
		{PhaseIdle, "Ready", 0},
		{PhaseChecking, "Checking allowance…", 1},
		{PhaseApproving, "Approving tokens…", 2},
		{PhaseTransferring, "Executing airdrop…", 3},
		{PhaseSuccess, "Transaction complete!", 4},
		{PhaseError, "Transaction failed", 0},
	}
	for _, tc := range cases {
		if got := tc.p.Label(); got != tc.label {
			t.Fatalf("%s label: got %q want %q", tc.p, got, tc.label)
		}
		if got := tc.p.Progress(); got.Current != tc.step || got.Total != TotalSteps {
			t.Fatalf("%s progress: got %+v", tc.p, got)
		}
	}
}
