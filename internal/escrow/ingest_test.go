package escrow

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/provider"
)

// Scenario A: initialize, then a funded callback for the reference.
func TestIngest_FundedCallback(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")

	result, err := h.engine.IngestCallback(context.Background(), "card", callback(res.Reference, "funded"))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.True(t, result.Succeeded())
	assert.Equal(t, StatusFunded, result.Status)

	intent, err := h.store.Get(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, intent.Status)
	assert.Equal(t, StatusFunded, h.engagements.status("g1"))

	funded := h.events(notify.KindEscrowFunded)
	require.Len(t, funded, 1)
	assert.Equal(t, "g1", funded[0].EngagementID)
	assert.Equal(t, worker, funded[0].RecipientID)
	assert.Equal(t, employer, funded[0].ActorID)
	assert.Equal(t, int64(50000), funded[0].Amount)
}

func TestIngest_DuplicateDeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")
	ctx := context.Background()

	_, err := h.engine.IngestCallback(ctx, "card", callback(res.Reference, "funded"))
	require.NoError(t, err)
	before, _ := h.store.Get(ctx, res.Reference)

	again, err := h.engine.IngestCallback(ctx, "card", callback(res.Reference, "funded"))
	require.NoError(t, err, "a duplicate is not an error")
	assert.False(t, again.Applied)
	assert.Equal(t, StatusFunded, again.Status)

	after, _ := h.store.Get(ctx, res.Reference)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, h.events(notify.KindEscrowFunded), 1)
}

func TestIngest_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")

	var (
		mu      sync.Mutex
		applied int
	)
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			r, err := h.engine.IngestCallback(context.Background(), "card", callback(res.Reference, "funded"))
			if err != nil {
				return err
			}
			if r.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, applied)
	assert.Len(t, h.events(notify.KindEscrowFunded), 1)
}

func TestIngest_FailureOutcomes(t *testing.T) {
	tests := []struct {
		outcome    string
		status     Status
		resolution string
		kind       notify.Kind
	}{
		{"failed", StatusFailed, ResolutionProviderFailed, notify.KindEscrowFailed},
		{"cancelled", StatusCancelled, ResolutionProviderCancelled, notify.KindEscrowCancelled},
		{"something_new", StatusFailed, ResolutionProviderFailed, notify.KindEscrowFailed},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			h := newHarness(t)
			res := h.initialize(t, "g1")

			result, err := h.engine.IngestCallback(context.Background(), "card", callback(res.Reference, tt.outcome))
			require.NoError(t, err)
			assert.False(t, result.Succeeded())

			intent, _ := h.store.Get(context.Background(), res.Reference)
			assert.Equal(t, tt.status, intent.Status)
			assert.Equal(t, tt.resolution, intent.Resolution)
			assert.Len(t, h.events(tt.kind), 1)
		})
	}
}

func TestIngest_ConflictingSignalOnSettledIntent(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")
	ctx := context.Background()
	h.fund(t, res.Reference)

	result, err := h.engine.IngestCallback(ctx, "card", callback(res.Reference, "failed"))
	require.NoError(t, err)
	assert.False(t, result.Applied)

	intent, _ := h.store.Get(ctx, res.Reference)
	assert.Equal(t, StatusFunded, intent.Status, "a late failure never reverses funding")
}

// Scenario D: a callback for a reference the store has never seen.
func TestIngest_UnknownReference(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")
	before, _ := h.store.Get(context.Background(), res.Reference)

	_, err := h.engine.IngestCallback(context.Background(), "card", callback("esc_doesnotexist", "funded"))
	assert.ErrorIs(t, err, ErrUnknownReference)

	after, _ := h.store.Get(context.Background(), res.Reference)
	assert.Equal(t, before, after)
	assert.Empty(t, h.events(notify.KindEscrowFunded))
}

func TestIngest_ReferenceFromOtherProvider(t *testing.T) {
	h := newHarness(t)
	other := &fakeAdapter{name: "trust"}
	h.engine.providers = provider.NewRegistry(h.adapter, other)
	res := h.initialize(t, "g1")

	_, err := h.engine.IngestCallback(context.Background(), "trust", callback(res.Reference, "funded"))
	assert.ErrorIs(t, err, ErrUnknownReference)

	intent, _ := h.store.Get(context.Background(), res.Reference)
	assert.Equal(t, StatusAwaitingCallback, intent.Status)
}

func TestIngest_Malformed(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.IngestCallback(context.Background(), "card", provider.RawCallback{Body: []byte("garbage")})
	assert.ErrorIs(t, err, provider.ErrMalformedCallback)

	_, err = h.engine.IngestCallback(context.Background(), "wire", provider.RawCallback{})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestIngest_QueryStringFallback(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")

	result, err := h.engine.IngestCallback(context.Background(), "card", provider.RawCallback{
		Query: url.Values{"reference": {res.Reference}, "outcome": {"funded"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, result.Status)
}

func TestIngest_AcknowledgesStillCreatedIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.now
	require.NoError(t, h.store.Create(ctx, &PaymentIntent{
		Reference: "esc_created", EngagementID: "g1", PayerID: employer, PayeeID: worker,
		Amount: 100, Currency: "NGN", Provider: "card", Status: StatusCreated, Version: 1,
		ExpiresAt: now.Add(DefaultIntentTTL), CreatedAt: now, UpdatedAt: now,
	}))

	result, err := h.engine.IngestCallback(ctx, "card", callback("esc_created", "funded"))
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, result.Status)

	intent, _ := h.store.Get(ctx, "esc_created")
	assert.Equal(t, int64(3), intent.Version, "acknowledge then fund")
}

func TestIngest_FundedWhileDisputeOpenIsHeld(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")
	h.gate.block("g1")

	result, err := h.engine.IngestCallback(context.Background(), "card", callback(res.Reference, "funded"))
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, result.Status)
	assert.True(t, result.Succeeded())
	assert.Len(t, h.events(notify.KindEscrowFunded), 1)
	assert.Len(t, h.events(notify.KindEscrowDisputed), 1)
}

// The first two compare-and-swaps lose as if another writer won.
func TestIngest_RetriesAfterConflict(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")

	var (
		mu    sync.Mutex
		fails = 2
	)
	h.store.failCAS = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			return ErrConcurrentModification
		}
		return nil
	}

	result, err := h.engine.IngestCallback(context.Background(), "card", callback(res.Reference, "funded"))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, StatusFunded, result.Status)
}

func TestIngest_StoreOutageSurfaces(t *testing.T) {
	h := newHarness(t)
	res := h.initialize(t, "g1")
	h.store.failCAS = func(string) error { return errors.New("connection refused") }

	_, err := h.engine.IngestCallback(context.Background(), "card", callback(res.Reference, "funded"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
