package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/provider"
	"github.com/mbd888/gigescrow/internal/validation"
)

const (
	employer = "emp_1"
	worker   = "wrk_1"
)

// fakeAdapter is a provider that answers from memory. Its callbacks use
// "reference" and "outcome" params; both are required.
type fakeAdapter struct {
	name string

	mu        sync.Mutex
	initCalls int
	initErr   error
	settleErr error
	releases  []provider.SettleRequest
	refunds   []provider.SettleRequest
}

func (f *fakeAdapter) Name() string     { return f.name }
func (f *fakeAdapter) Currency() string { return "NGN" }

func (f *fakeAdapter) Initialize(_ context.Context, req provider.InitRequest) (*provider.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &provider.InitResult{
		ProviderTransactionRef: "tx_" + req.Reference,
		RedirectURL:            "https://pay.example.com/" + req.Reference,
	}, nil
}

func (f *fakeAdapter) NormalizeCallback(raw provider.RawCallback) (*provider.CallbackEvent, error) {
	p := provider.Params(raw)
	if p["reference"] == "" || p["outcome"] == "" {
		return nil, provider.ErrMalformedCallback
	}
	outcome := provider.OutcomeFailed
	switch p["outcome"] {
	case "funded":
		outcome = provider.OutcomeFunded
	case "cancelled":
		outcome = provider.OutcomeCancelled
	}
	return &provider.CallbackEvent{
		Provider:  f.name,
		Reference: p["reference"],
		Outcome:   outcome,
		RawToken:  p["outcome"],
		Params:    p,
	}, nil
}

func (f *fakeAdapter) Release(_ context.Context, req provider.SettleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, req)
	return f.settleErr
}

func (f *fakeAdapter) Refund(_ context.Context, req provider.SettleRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	return f.settleErr
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

type fakeEngagements struct {
	mu       sync.Mutex
	parties  map[string]*Parties
	statuses map[string]Status
}

func newFakeEngagements() *fakeEngagements {
	return &fakeEngagements{parties: map[string]*Parties{}, statuses: map[string]Status{}}
}

func (f *fakeEngagements) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parties[id] = &Parties{EmployerID: employer, WorkerID: worker}
}

func (f *fakeEngagements) Parties(_ context.Context, id string) (*Parties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parties[id]
	if !ok {
		return nil, ErrEngagementNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeEngagements) SetEscrowStatus(_ context.Context, id string, status Status, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeEngagements) status(id string) Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeGate struct {
	mu      sync.Mutex
	blocked map[string]bool
	err     error
}

func (g *fakeGate) IsBlocked(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	return g.blocked[id], nil
}

func (g *fakeGate) block(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[id] = true
}

// flakyStore lets a test fail or interleave compare-and-swaps.
type flakyStore struct {
	*MemoryStore

	// failCAS, when set, is consulted before every CompareAndSwap.
	failCAS func(reference string) error
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, intent *PaymentIntent, expected Status) error {
	if f.failCAS != nil {
		if err := f.failCAS(intent.Reference); err != nil {
			return err
		}
	}
	return f.MemoryStore.CompareAndSwap(ctx, intent, expected)
}

type harness struct {
	engine      *Engine
	store       *flakyStore
	adapter     *fakeAdapter
	engagements *fakeEngagements
	gate        *fakeGate
	dispatcher  *notify.Dispatcher
	inbox       *notify.MemorySink
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:       &flakyStore{MemoryStore: NewMemoryStore()},
		adapter:     &fakeAdapter{name: "card"},
		engagements: newFakeEngagements(),
		gate:        &fakeGate{blocked: map[string]bool{}},
		inbox:       notify.NewMemorySink(),
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.dispatcher = notify.NewDispatcher(logging.Discard(), h.inbox)
	h.engine = NewEngine(h.store, provider.NewRegistry(h.adapter), h.engagements, h.gate, Config{
		DefaultProvider:  "card",
		AutoReleaseGrace: 7 * 24 * time.Hour,
		CallbackURL:      func(p string) string { return "https://api.example.com/v1/payments/" + p + "/return" },
	}, logging.Discard()).WithNotifier(h.dispatcher)
	h.engine.now = func() time.Time { return h.now }
	h.engagements.add("g1")
	return h
}

// events waits for in-flight deliveries and returns what the inbox saw.
func (h *harness) events(kind notify.Kind) []notify.Event {
	h.dispatcher.Wait()
	var out []notify.Event
	for _, ev := range h.inbox.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) initialize(t *testing.T, engagementID string) *InitializeResult {
	t.Helper()
	res, err := h.engine.Initialize(context.Background(), employer, InitializeRequest{
		EngagementID: engagementID,
		Amount:       50000,
		PayerEmail:   "a@b.com",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) fund(t *testing.T, reference string) {
	t.Helper()
	_, err := h.engine.IngestCallback(context.Background(), "card", callback(reference, "funded"))
	require.NoError(t, err)
}

// completionRequested drives a new intent for engagementID to
// completion_requested, requested age ago.
func (h *harness) completionRequested(t *testing.T, engagementID string, age time.Duration) string {
	t.Helper()
	ref := h.initialize(t, engagementID).Reference
	h.fund(t, ref)
	base := h.now
	h.now = base.Add(-age)
	_, err := h.engine.RequestCompletion(context.Background(), ref, worker)
	h.now = base
	require.NoError(t, err)
	return ref
}

func callback(reference, outcome string) provider.RawCallback {
	return provider.RawCallback{
		Body:        []byte(`{"reference":"` + reference + `","outcome":"` + outcome + `"}`),
		ContentType: "application/json",
	}
}

func TestInitialize_CreatesAcknowledgedIntent(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")

	assert.Equal(t, StatusAwaitingCallback, res.Status)
	assert.Equal(t, "tx_"+res.Reference, res.ProviderTransactionRef)
	assert.Contains(t, res.RedirectURL, res.Reference)

	intent, err := h.store.Get(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), intent.Amount)
	assert.Equal(t, "NGN", intent.Currency)
	assert.Equal(t, employer, intent.PayerID)
	assert.Equal(t, worker, intent.PayeeID)
	assert.Equal(t, int64(2), intent.Version)
	assert.Equal(t, h.now.Add(DefaultIntentTTL), intent.ExpiresAt)
	assert.Equal(t, StatusAwaitingCallback, h.engagements.status("g1"))
}

func TestInitialize_RejectsBadInputBeforeProviderCall(t *testing.T) {
	tests := []struct {
		name string
		req  InitializeRequest
	}{
		{"zero amount", InitializeRequest{EngagementID: "g1", Amount: 0, PayerEmail: "a@b.com"}},
		{"negative amount", InitializeRequest{EngagementID: "g1", Amount: -100, PayerEmail: "a@b.com"}},
		{"bad email", InitializeRequest{EngagementID: "g1", Amount: 100, PayerEmail: "not-an-email"}},
		{"missing engagement", InitializeRequest{Amount: 100, PayerEmail: "a@b.com"}},
		{"unknown provider", InitializeRequest{EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com", Provider: "wire"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Initialize(context.Background(), employer, tt.req)

			var verrs validation.ValidationErrors
			assert.ErrorAs(t, err, &verrs)
			assert.Zero(t, h.adapter.calls(), "provider must not be called")
		})
	}
}

func TestInitialize_OnlyEmployer(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Initialize(context.Background(), worker, InitializeRequest{
		EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com",
	})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, h.adapter.calls())

	_, err = h.engine.Initialize(context.Background(), employer, InitializeRequest{
		EngagementID: "missing", Amount: 100, PayerEmail: "a@b.com",
	})
	assert.ErrorIs(t, err, ErrEngagementNotFound)
}

func TestInitialize_OneLiveIntentPerEngagement(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, "g1")

	_, err := h.engine.Initialize(context.Background(), employer, InitializeRequest{
		EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com",
	})
	assert.ErrorIs(t, err, ErrActiveIntent)
	assert.Equal(t, 1, h.adapter.calls())
}

func TestInitialize_ReclaimsExpiredIntent(t *testing.T) {
	h := newHarness(t)
	first := h.initialize(t, "g1")

	h.now = h.now.Add(DefaultIntentTTL + time.Minute)
	second := h.initialize(t, "g1")
	assert.NotEqual(t, first.Reference, second.Reference)

	old, err := h.store.Get(context.Background(), first.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, old.Status)
	assert.Equal(t, ResolutionExpired, old.Resolution)
	assert.NotNil(t, old.ResolvedAt)
}

func TestInitialize_FundedIntentNeverExpires(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")
	h.fund(t, res.Reference)

	h.now = h.now.Add(30 * 24 * time.Hour)
	_, err := h.engine.Initialize(context.Background(), employer, InitializeRequest{
		EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com",
	})
	assert.ErrorIs(t, err, ErrActiveIntent)
}

func TestInitialize_ProviderFailureLeavesNoIntent(t *testing.T) {
	h := newHarness(t)
	h.adapter.initErr = &provider.Error{Provider: "card", Operation: "initialize", Kind: provider.ErrProviderUnavailable}

	_, err := h.engine.Initialize(context.Background(), employer, InitializeRequest{
		EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com",
	})
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)

	intents, err := h.store.ListByEngagement(context.Background(), "g1", 10)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

type failingCreateStore struct {
	*MemoryStore
}

func (f failingCreateStore) Create(context.Context, *PaymentIntent) error {
	return errors.New("connection reset")
}

func TestInitialize_StoreFailureAfterProvider(t *testing.T) {
	h := newHarness(t)
	h.engine.store = failingCreateStore{h.store.MemoryStore}

	_, err := h.engine.Initialize(context.Background(), employer, InitializeRequest{
		EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com",
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 1, h.adapter.calls())
}

func TestInitialize_SurvivesCancelledContextAfterProvider(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	// The caller goes away while the provider is answering.
	cancelling := &cancelOnInit{fakeAdapter: h.adapter, cancel: cancel}
	h.engine.providers = provider.NewRegistry(cancelling)

	res, err := h.engine.Initialize(ctx, employer, InitializeRequest{
		EngagementID: "g1", Amount: 100, PayerEmail: "a@b.com",
	})
	require.NoError(t, err)
	_, err = h.store.Get(context.Background(), res.Reference)
	assert.NoError(t, err)
}

type cancelOnInit struct {
	*fakeAdapter
	cancel context.CancelFunc
}

func (c *cancelOnInit) Initialize(ctx context.Context, req provider.InitRequest) (*provider.InitResult, error) {
	res, err := c.fakeAdapter.Initialize(ctx, req)
	c.cancel()
	return res, err
}

func TestRequestCompletionAndApprove(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t, "g1").Reference
	h.fund(t, ref)
	ctx := context.Background()

	_, err := h.engine.RequestCompletion(ctx, ref, employer)
	assert.ErrorIs(t, err, ErrForbidden, "only the worker requests completion")

	intent, err := h.engine.RequestCompletion(ctx, ref, worker)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletionRequested, intent.Status)
	require.NotNil(t, intent.CompletionRequestedAt)
	assert.Len(t, h.events(notify.KindEscrowCompletionRequested), 1)

	_, err = h.engine.Approve(ctx, ref, worker)
	assert.ErrorIs(t, err, ErrForbidden, "only the employer approves")

	intent, err = h.engine.Approve(ctx, ref, employer)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, intent.Status)
	assert.Equal(t, ResolutionApproved, intent.Resolution)
	require.Len(t, h.adapter.releases, 1)
	assert.Equal(t, worker, h.adapter.releases[0].RecipientID)
	assert.Equal(t, int64(50000), h.adapter.releases[0].Amount)

	_, err = h.engine.Approve(ctx, ref, employer)
	assert.ErrorIs(t, err, ErrInvalidTransition, "released is terminal")
	assert.Len(t, h.adapter.releases, 1)
}

func TestApprove_BlockedByDispute(t *testing.T) {
	h := newHarness(t)
	ref := h.completionRequested(t, "g1", time.Hour)

	h.gate.block("g1")
	_, err := h.engine.Approve(context.Background(), ref, employer)
	assert.ErrorIs(t, err, ErrDisputeOpen)

	h.gate.blocked = map[string]bool{}
	h.gate.err = errors.New("dispute store down")
	_, err = h.engine.Approve(context.Background(), ref, employer)
	assert.Error(t, err, "an unreadable gate blocks")

	intent, _ := h.store.Get(context.Background(), ref)
	assert.Equal(t, StatusCompletionRequested, intent.Status)
}

func TestApprove_PayoutFailureKeepsRelease(t *testing.T) {
	h := newHarness(t)
	ref := h.completionRequested(t, "g1", time.Hour)
	h.adapter.settleErr = &provider.Error{Provider: "card", Operation: "release", Kind: provider.ErrProviderUnavailable}

	intent, err := h.engine.Approve(context.Background(), ref, employer)
	assert.ErrorIs(t, err, ErrPayoutFailed)
	require.NotNil(t, intent)
	assert.Equal(t, StatusReleased, intent.Status)

	stored, _ := h.store.Get(context.Background(), ref)
	assert.Equal(t, StatusReleased, stored.Status)
}

func TestOpenAndResolveDispute(t *testing.T) {
	tests := []struct {
		name       string
		release    bool
		wantStatus Status
		wantRes    string
	}{
		{"release to worker", true, StatusReleased, ResolutionDisputeRelease},
		{"refund to employer", false, StatusRefunded, ResolutionDisputeRefund},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ref := h.initialize(t, "g1").Reference
			h.fund(t, ref)
			ctx := context.Background()

			intent, err := h.engine.OpenDispute(ctx, "g1", employer)
			require.NoError(t, err)
			assert.Equal(t, StatusDisputed, intent.Status)

			again, err := h.engine.OpenDispute(ctx, "g1", worker)
			require.NoError(t, err, "opening twice is idempotent")
			assert.Equal(t, intent.Version, again.Version)

			resolved, err := h.engine.ResolveDispute(ctx, "g1", tt.release, "admin_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resolved.Status)
			assert.Equal(t, tt.wantRes, resolved.Resolution)

			if tt.release {
				assert.Len(t, h.adapter.releases, 1)
				assert.Empty(t, h.adapter.refunds)
			} else {
				assert.Empty(t, h.adapter.releases)
				require.Len(t, h.adapter.refunds, 1)
				assert.Equal(t, employer, h.adapter.refunds[0].RecipientID)
			}
			assert.Equal(t, tt.wantStatus, h.engagements.status("g1"))
		})
	}
}

func TestOpenDispute_RequiresFundedEscrow(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, "g1")

	_, err := h.engine.OpenDispute(context.Background(), "g1", employer)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.OpenDispute(context.Background(), "nothing", employer)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestGetAndList_PartiesOnly(t *testing.T) {
	h := newHarness(t)
	ref := h.initialize(t, "g1").Reference
	ctx := context.Background()

	got, err := h.engine.Get(ctx, ref, worker)
	require.NoError(t, err)
	assert.Equal(t, ref, got.Reference)

	_, err = h.engine.Get(ctx, ref, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)

	list, err := h.engine.ListByEngagement(ctx, "g1", employer, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = h.engine.ListByEngagement(ctx, "g1", "stranger", 0)
	assert.ErrorIs(t, err, ErrForbidden)
}
