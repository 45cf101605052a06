package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/provider"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Config is the policy the engine is constructed with.
type Config struct {
	DefaultProvider  string
	IntentTTL        time.Duration
	AutoReleaseGrace time.Duration
	SweepBatchSize   int
	SweepConcurrency int

	// CallbackURL returns the URL a provider sends the payer back to.
	CallbackURL func(provider string) string
}

const (
	DefaultIntentTTL        = 30 * time.Minute
	DefaultAutoReleaseGrace = 7 * 24 * time.Hour
	DefaultSweepBatchSize   = 500
	DefaultSweepConcurrency = 8
)

// Engine applies every escrow mutation through the transition table.
type Engine struct {
	store       Store
	providers   *provider.Registry
	engagements Engagements
	gate        DisputeGate
	notifier    Notifier
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	// conflictPolicy bounds re-read-and-retry loops on lost CAS races.
	conflictPolicy retry.Policy
}

// NewEngine creates an escrow engine.
func NewEngine(store Store, providers *provider.Registry, engagements Engagements, gate DisputeGate, cfg Config, logger *slog.Logger) *Engine {
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = DefaultIntentTTL
	}
	if cfg.AutoReleaseGrace <= 0 {
		cfg.AutoReleaseGrace = DefaultAutoReleaseGrace
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultSweepBatchSize
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}
	if cfg.CallbackURL == nil {
		cfg.CallbackURL = func(string) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		providers:   providers,
		engagements: engagements,
		gate:        gate,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		conflictPolicy: retry.Policy{
			Attempts:  4,
			BaseDelay: 20 * time.Millisecond,
			MaxDelay:  200 * time.Millisecond,
			Retryable: func(err error) bool {
				return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStoreUnavailable)
			},
		},
	}
}

// WithNotifier adds a notification dispatcher.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// Providers returns the provider registry.
func (e *Engine) Providers() *provider.Registry {
	return e.providers
}

// transition computes the next status for event and commits it with a
// compare-and-swap guarded by cur's status. cur is never modified.
func (e *Engine) transition(ctx context.Context, cur *PaymentIntent, event Event, mutate func(*PaymentIntent)) (*PaymentIntent, error) {
	to, err := Next(cur.Status, event)
	if err != nil {
		e.log(ctx).Warn("rejected escrow transition",
			"reference", cur.Reference, "status", cur.Status, "event", event)
		return nil, err
	}

	now := e.now().UTC()
	next := *cur
	next.Status = to
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if to.IsTerminal() {
		resolvedAt := now
		next.ResolvedAt = &resolvedAt
	}
	if mutate != nil {
		mutate(&next)
	}

	if err := e.store.CompareAndSwap(ctx, &next, cur.Status); err != nil {
		switch {
		case errors.Is(err, ErrConcurrentModification):
			metrics.EscrowConflictsTotal.WithLabelValues(string(event)).Inc()
			return nil, err
		case errors.Is(err, ErrIntentNotFound), errors.Is(err, ErrStoreUnavailable):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(cur.Status), string(event), string(to)).Inc()
	e.log(ctx).Info("escrow transition",
		"reference", next.Reference,
		"engagementId", next.EngagementID,
		"from", cur.Status,
		"event", event,
		"to", to,
		"version", next.Version,
	)
	e.syncEngagement(ctx, &next)
	return &next, nil
}

// syncEngagement mirrors the escrow status onto the engagement. Best-effort:
// the intent is the source of truth.
func (e *Engine) syncEngagement(ctx context.Context, intent *PaymentIntent) {
	if e.engagements == nil {
		return
	}
	if err := e.engagements.SetEscrowStatus(ctx, intent.EngagementID, intent.Status, intent.CompletionRequestedAt); err != nil {
		e.log(ctx).Warn("failed to mirror escrow status onto engagement",
			"reference", intent.Reference, "engagementId", intent.EngagementID, "status", intent.Status, "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, kind notify.Kind, intent *PaymentIntent, actorID, recipientID string, detail map[string]string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notify.Event{
		Kind:         kind,
		Reference:    intent.Reference,
		EngagementID: intent.EngagementID,
		ActorID:      actorID,
		RecipientID:  recipientID,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Detail:       detail,
		Timestamp:    e.now().UTC(),
	})
}

func storeErr(err error) error {
	if err == nil || errors.Is(err, ErrIntentNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// InitializeRequest starts an escrow for an engagement.
type InitializeRequest struct {
	EngagementID    string `json:"engagementId"`
	Amount          int64  `json:"amount"`
	PayerEmail      string `json:"payerEmail"`
	ItemDescription string `json:"itemDescription,omitempty"`
	Provider        string `json:"provider,omitempty"`
}

// InitializeResult is returned to the payer, who follows RedirectURL.
type InitializeResult struct {
	Reference              string `json:"reference"`
	RedirectURL            string `json:"redirectUrl"`
	ProviderTransactionRef string `json:"providerTransactionRef"`
	Status                 Status `json:"status"`
}

// Validate checks request fields. It runs before any provider call.
func (r *InitializeRequest) Validate(providers []string) error {
	errs := validation.Validate(
		validation.Required("engagementId", r.EngagementID),
		validation.ValidID("engagementId", r.EngagementID),
		validation.PositiveAmount("amount", r.Amount),
		validation.ValidEmail("payerEmail", r.PayerEmail),
		validation.MaxLength("itemDescription", r.ItemDescription, 500),
		validation.OneOf("provider", r.Provider, providers...),
	)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Initialize creates a provider transaction and persists a new intent for it.
func (e *Engine) Initialize(ctx context.Context, callerID string, req InitializeRequest) (_ *InitializeResult, err error) {
	req.PayerEmail = strings.TrimSpace(req.PayerEmail)
	req.ItemDescription = validation.SanitizeString(req.ItemDescription, 500)
	if req.Provider == "" {
		req.Provider = e.cfg.DefaultProvider
	}

	if err := req.Validate(e.providers.Names()); err != nil {
		return nil, err
	}
	adapter, err := e.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Initialize",
		traces.EngagementID(req.EngagementID), traces.Provider(req.Provider), traces.Amount(req.Amount))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	parties, err := e.engagements.Parties(ctx, req.EngagementID)
	if err != nil {
		if errors.Is(err, ErrEngagementNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if parties.EmployerID != callerID {
		return nil, ErrForbidden
	}

	if err := e.reclaimExpired(ctx, req.EngagementID); err != nil {
		return nil, err
	}

	reference := idgen.Reference()
	res, err := adapter.Initialize(ctx, provider.InitRequest{
		Reference:   reference,
		PayerEmail:  req.PayerEmail,
		Amount:      req.Amount,
		CallbackURL: e.cfg.CallbackURL(adapter.Name()),
		Description: req.ItemDescription,
		Metadata: map[string]string{
			"engagementId": req.EngagementID,
			"payerId":      callerID,
		},
	})
	if err != nil {
		metrics.EscrowInitializedTotal.WithLabelValues(adapter.Name(), "provider_error").Inc()
		e.log(ctx).Warn("provider initialization failed",
			"reference", reference, "provider", adapter.Name(), "error", err)
		return nil, fmt.Errorf("initialize %s: %w", adapter.Name(), err)
	}

	// The provider now holds a transaction. A disconnecting client must not
	// cancel the writes that record it.
	ctx = context.WithoutCancel(ctx)

	now := e.now().UTC()
	intent := &PaymentIntent{
		Reference:              reference,
		EngagementID:           req.EngagementID,
		PayerID:                callerID,
		PayeeID:                parties.WorkerID,
		PayerEmail:             req.PayerEmail,
		Amount:                 req.Amount,
		Currency:               adapter.Currency(),
		Description:            req.ItemDescription,
		Provider:               adapter.Name(),
		ProviderTransactionRef: res.ProviderTransactionRef,
		RedirectURL:            res.RedirectURL,
		Status:                 StatusCreated,
		Version:                1,
		ExpiresAt:              now.Add(e.cfg.IntentTTL),
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := e.store.Create(ctx, intent); err != nil {
		metrics.EscrowInitializedTotal.WithLabelValues(adapter.Name(), "store_error").Inc()
		e.log(ctx).Error("CRITICAL: provider transaction created but intent not persisted, requires manual reconciliation",
			"reference", reference,
			"provider", adapter.Name(),
			"providerTransactionRef", res.ProviderTransactionRef,
			"engagementId", req.EngagementID,
			"error", err,
		)
		if errors.Is(err, ErrActiveIntent) || errors.Is(err, ErrDuplicateReference) {
			return nil, err
		}
		return nil, storeErr(err)
	}

	// The provider answered, so acknowledge. Losing this write is harmless:
	// ingestion acknowledges a still-created intent before applying an outcome.
	if acked, err := e.transition(ctx, intent, EventAcknowledge, nil); err != nil {
		e.log(ctx).Warn("acknowledge transition failed, intent left in created",
			"reference", reference, "error", err)
	} else {
		intent = acked
	}

	metrics.EscrowInitializedTotal.WithLabelValues(adapter.Name(), "ok").Inc()
	return &InitializeResult{
		Reference:              intent.Reference,
		RedirectURL:            intent.RedirectURL,
		ProviderTransactionRef: intent.ProviderTransactionRef,
		Status:                 intent.Status,
	}, nil
}

// reclaimExpired rejects a second live intent for the engagement, except one
// that never heard back and has expired: that one is cancelled first.
func (e *Engine) reclaimExpired(ctx context.Context, engagementID string) error {
	active, err := e.store.GetActiveByEngagement(ctx, engagementID)
	if errors.Is(err, ErrIntentNotFound) {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	if !active.Expired(e.now()) {
		return ErrActiveIntent
	}

	_, err = e.transition(ctx, active, EventCancel, func(p *PaymentIntent) {
		p.Resolution = ResolutionExpired
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			// A late callback won the race; the intent is live again or settled.
			return ErrActiveIntent
		}
		return err
	}
	e.log(ctx).Info("reclaimed expired payment intent",
		"reference", active.Reference, "engagementId", engagementID, "expiresAt", active.ExpiresAt)
	return nil
}

// Get returns an intent visible to callerID.
func (e *Engine) Get(ctx context.Context, reference, callerID string) (*PaymentIntent, error) {
	intent, err := e.store.Get(ctx, reference)
	if err != nil {
		return nil, storeErr(err)
	}
	if !intent.IsParty(callerID) {
		return nil, ErrForbidden
	}
	return intent, nil
}

// ListByEngagement returns an engagement's intents, newest first.
func (e *Engine) ListByEngagement(ctx context.Context, engagementID, callerID string, limit int) ([]*PaymentIntent, error) {
	parties, err := e.engagements.Parties(ctx, engagementID)
	if err != nil {
		if errors.Is(err, ErrEngagementNotFound) {
			return nil, err
		}
		return nil, storeErr(err)
	}
	if callerID != parties.EmployerID && callerID != parties.WorkerID {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	intents, err := e.store.ListByEngagement(ctx, engagementID, limit)
	return intents, storeErr(err)
}

// RequestCompletion is called by the worker once the work is delivered. It
// starts the auto-release grace period.
func (e *Engine) RequestCompletion(ctx context.Context, reference, callerID string) (*PaymentIntent, error) {
	intent, err := e.store.Get(ctx, reference)
	if err != nil {
		return nil, storeErr(err)
	}
	if callerID == "" || callerID != intent.PayeeID {
		return nil, ErrForbidden
	}

	next, err := e.transition(ctx, intent, EventRequestCompletion, func(p *PaymentIntent) {
		at := e.now().UTC()
		p.CompletionRequestedAt = &at
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, notify.KindEscrowCompletionRequested, next, callerID, next.PayerID, map[string]string{
		"autoReleaseAt": next.CompletionRequestedAt.Add(e.cfg.AutoReleaseGrace).Format(time.RFC3339),
	})
	return next, nil
}

// Approve releases funds to the worker on the employer's say-so. An open
// dispute blocks it, and so does a gate that cannot be read.
func (e *Engine) Approve(ctx context.Context, reference, callerID string) (*PaymentIntent, error) {
	intent, err := e.store.Get(ctx, reference)
	if err != nil {
		return nil, storeErr(err)
	}
	if callerID == "" || callerID != intent.PayerID {
		return nil, ErrForbidden
	}

	blocked, err := e.gate.IsBlocked(ctx, intent.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("dispute gate: %w", err)
	}
	if blocked {
		return nil, ErrDisputeOpen
	}

	return e.release(ctx, intent, EventApprove, ResolutionApproved, callerID)
}

// release commits a transition into released and then asks the provider to
// pay out. The commit is never rolled back: a payout failure is logged for
// manual reconciliation and reported as ErrPayoutFailed with the new intent.
func (e *Engine) release(ctx context.Context, cur *PaymentIntent, event Event, resolution, actorID string) (*PaymentIntent, error) {
	next, err := e.transition(ctx, cur, event, func(p *PaymentIntent) {
		p.Resolution = resolution
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, notify.KindEscrowReleased, next, actorID, next.PayeeID, map[string]string{"resolution": resolution})

	if err := e.settle(ctx, next, true); err != nil {
		return next, err
	}
	return next, nil
}

func (e *Engine) refund(ctx context.Context, cur *PaymentIntent, actorID string) (*PaymentIntent, error) {
	next, err := e.transition(ctx, cur, EventResolveRefund, func(p *PaymentIntent) {
		p.Resolution = ResolutionDisputeRefund
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, notify.KindEscrowRefunded, next, actorID, next.PayerID, map[string]string{"resolution": ResolutionDisputeRefund})

	if err := e.settle(ctx, next, false); err != nil {
		return next, err
	}
	return next, nil
}

// settle moves funds out at the provider once the status change is durable.
func (e *Engine) settle(ctx context.Context, intent *PaymentIntent, release bool) error {
	adapter, err := e.providers.Get(intent.Provider)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}
	settler, ok := adapter.(provider.Settler)
	if !ok {
		return nil
	}

	req := provider.SettleRequest{
		Reference:              intent.Reference,
		ProviderTransactionRef: intent.ProviderTransactionRef,
		Amount:                 intent.Amount,
		RecipientID:            intent.PayeeID,
	}
	op := "release"
	if release {
		err = settler.Release(ctx, req)
	} else {
		op = "refund"
		req.RecipientID = intent.PayerID
		err = settler.Refund(ctx, req)
	}
	if err != nil {
		e.log(ctx).Error("CRITICAL: escrow status committed but provider payout failed, requires manual reconciliation",
			"reference", intent.Reference,
			"provider", intent.Provider,
			"providerTransactionRef", intent.ProviderTransactionRef,
			"operation", op,
			"status", intent.Status,
			"amount", intent.Amount,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}
	return nil
}

// ActiveIntent returns the engagement's live intent, or ErrIntentNotFound.
// It performs no party check and is meant for collaborating services.
func (e *Engine) ActiveIntent(ctx context.Context, engagementID string) (*PaymentIntent, error) {
	intent, err := e.store.GetActiveByEngagement(ctx, engagementID)
	if err != nil {
		return nil, storeErr(err)
	}
	return intent, nil
}

// OpenDispute moves the engagement's funded intent into disputed. It is
// idempotent for an intent that is already disputed.
func (e *Engine) OpenDispute(ctx context.Context, engagementID, actorID string) (*PaymentIntent, error) {
	var result *PaymentIntent
	err := retry.Do(ctx, e.conflictPolicy, func(int) error {
		intent, err := e.store.GetActiveByEngagement(ctx, engagementID)
		if err != nil {
			return retry.Permanent(storeErr(err))
		}
		if intent.Status == StatusDisputed {
			result = intent
			return nil
		}
		next, err := e.transition(ctx, intent, EventOpenDispute, nil)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return retry.Permanent(err)
			}
			return err
		}
		result = next
		recipient := next.PayerID
		if actorID == next.PayerID {
			recipient = next.PayeeID
		}
		e.emit(ctx, notify.KindEscrowDisputed, next, actorID, recipient, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveDispute settles a disputed intent to the worker (release) or back
// to the employer (refund).
func (e *Engine) ResolveDispute(ctx context.Context, engagementID string, release bool, resolverID string) (*PaymentIntent, error) {
	intent, err := e.store.GetActiveByEngagement(ctx, engagementID)
	if err != nil {
		return nil, storeErr(err)
	}
	if intent.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: resolve on %s", ErrInvalidTransition, intent.Status)
	}
	if release {
		return e.release(ctx, intent, EventResolveRelease, ResolutionDisputeRelease, resolverID)
	}
	return e.refund(ctx, intent, resolverID)
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return e.logger.With("request_id", id)
	}
	return e.logger
}
