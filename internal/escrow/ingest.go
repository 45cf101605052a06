package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/provider"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/traces"
)

// CallbackResult describes what one provider notification did.
type CallbackResult struct {
	Provider  string           `json:"provider"`
	Reference string           `json:"reference"`
	Outcome   provider.Outcome `json:"outcome"`
	Status    Status           `json:"status"`
	Applied   bool             `json:"applied"` // false for duplicates and stale signals
}

// Succeeded reports whether the payer's funds are held or already moved on.
func (r *CallbackResult) Succeeded() bool {
	return r != nil && pastFunding(r.Status)
}

var outcomeEvents = map[provider.Outcome]struct {
	event      Event
	status     Status
	resolution string
	kind       notify.Kind
}{
	provider.OutcomeFunded:    {EventFund, StatusFunded, "", notify.KindEscrowFunded},
	provider.OutcomeFailed:    {EventFail, StatusFailed, ResolutionProviderFailed, notify.KindEscrowFailed},
	provider.OutcomeCancelled: {EventCancel, StatusCancelled, ResolutionProviderCancelled, notify.KindEscrowCancelled},
}

// IngestCallback applies a raw provider notification to its payment intent.
//
// Exactly one transition results from any number of deliveries of the same
// notification. A lost compare-and-swap is re-read and re-decided. Unknown
// references and provider mismatches return ErrUnknownReference and change
// nothing.
func (e *Engine) IngestCallback(ctx context.Context, providerName string, raw provider.RawCallback) (_ *CallbackResult, err error) {
	adapter, err := e.providers.Get(providerName)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("unknown", "", "unknown_provider").Inc()
		return nil, err
	}
	ev, err := adapter.NormalizeCallback(raw)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(adapter.Name(), "", "malformed").Inc()
		e.log(ctx).Warn("malformed provider callback", "provider", adapter.Name(), "error", err)
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.IngestCallback",
		traces.Reference(ev.Reference), traces.Provider(ev.Provider), traces.Status(string(ev.Outcome)))
	defer func() {
		traces.RecordError(span, err)
		span.End()
	}()

	var result *CallbackResult
	err = retry.Do(ctx, e.conflictPolicy, func(attempt int) error {
		intent, err := e.store.Get(ctx, ev.Reference)
		if errors.Is(err, ErrIntentNotFound) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrUnknownReference, ev.Reference))
		}
		if err != nil {
			return storeErr(err)
		}
		if intent.Provider != ev.Provider {
			return retry.Permanent(fmt.Errorf("%w: %s belongs to %s", ErrUnknownReference, ev.Reference, intent.Provider))
		}
		if attempt > 0 {
			e.log(ctx).Debug("re-deciding callback after concurrent modification", "reference", ev.Reference, "attempt", attempt, "status", intent.Status)
		}
		result, err = e.applyOutcome(ctx, intent, ev)
		if errors.Is(err, ErrInvalidTransition) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case errors.Is(err, ErrUnknownReference):
		metrics.CallbacksTotal.WithLabelValues(ev.Provider, string(ev.Outcome), "unknown_reference").Inc()
		e.log(ctx).Warn("callback for unknown payment reference", "reference", ev.Reference, "provider", ev.Provider, "outcome", ev.Outcome, "rawToken", ev.RawToken)
		return nil, err
	case err != nil:
		metrics.CallbacksTotal.WithLabelValues(ev.Provider, string(ev.Outcome), "error").Inc()
		e.log(ctx).Error("failed to apply provider callback",
			"reference", ev.Reference, "provider", ev.Provider, "outcome", ev.Outcome, "providerTransactionRef", ev.ProviderTransactionRef, "error", err)
		return nil, err
	}

	label := "applied"
	if !result.Applied {
		label = "duplicate"
	}
	metrics.CallbacksTotal.WithLabelValues(ev.Provider, string(ev.Outcome), label).Inc()
	return result, nil
}

// applyOutcome decides and commits against one read of the intent.
func (e *Engine) applyOutcome(ctx context.Context, intent *PaymentIntent, ev *provider.CallbackEvent) (*CallbackResult, error) {
	target, ok := outcomeEvents[ev.Outcome]
	if !ok {
		target = outcomeEvents[provider.OutcomeFailed]
	}
	result := &CallbackResult{
		Provider:  ev.Provider,
		Reference: intent.Reference,
		Outcome:   ev.Outcome,
		Status:    intent.Status,
	}

	if intent.Status == StatusCreated {
		acked, err := e.transition(ctx, intent, EventAcknowledge, nil)
		if err != nil {
			return nil, err
		}
		intent = acked
	}

	if intent.Status != StatusAwaitingCallback {
		result.Status = intent.Status
		if agrees(intent.Status, target.status) {
			e.log(ctx).Info("duplicate provider callback ignored", "reference", intent.Reference, "status", intent.Status, "outcome", ev.Outcome)
		} else {
			e.log(ctx).Error("conflicting provider callback on settled intent, requires manual reconciliation",
				"reference", intent.Reference,
				"provider", intent.Provider,
				"status", intent.Status,
				"outcome", ev.Outcome,
				"rawToken", ev.RawToken,
				"providerTransactionRef", intent.ProviderTransactionRef,
			)
		}
		return result, nil
	}

	next, err := e.transition(ctx, intent, target.event, func(p *PaymentIntent) {
		p.Resolution = target.resolution
		if p.ProviderTransactionRef == "" {
			p.ProviderTransactionRef = ev.ProviderTransactionRef
		}
	})
	if err != nil {
		return nil, err
	}
	result.Status = next.Status
	result.Applied = true

	e.emit(ctx, target.kind, next, next.PayerID, next.PayeeID, nil)

	if next.Status == StatusFunded {
		if disputed := e.holdIfDisputed(ctx, next); disputed != nil {
			result.Status = disputed.Status
		}
	}
	return result, nil
}

// holdIfDisputed moves freshly funded escrow straight into disputed when the
// engagement already has an open dispute. Failures here leave the intent
// funded; approval and the sweep both consult the gate again.
func (e *Engine) holdIfDisputed(ctx context.Context, funded *PaymentIntent) *PaymentIntent {
	blocked, err := e.gate.IsBlocked(ctx, funded.EngagementID)
	if err != nil {
		e.log(ctx).Error("dispute gate unavailable after funding", "reference", funded.Reference, "engagementId", funded.EngagementID, "error", err)
		return nil
	}
	if !blocked {
		return nil
	}
	disputed, err := e.transition(ctx, funded, EventOpenDispute, nil)
	if err != nil {
		e.log(ctx).Warn("could not hold funded escrow for open dispute", "reference", funded.Reference, "engagementId", funded.EngagementID, "error", err)
		return nil
	}
	e.emit(ctx, notify.KindEscrowDisputed, disputed, "", disputed.PayerID, nil)
	return disputed
}

// agrees reports whether a settled status already reflects want.
func agrees(have, want Status) bool {
	if want == StatusFunded {
		return pastFunding(have)
	}
	return have == want
}
