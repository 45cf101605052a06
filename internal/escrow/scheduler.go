package escrow

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/traces"
)

// SweepOutcome is the per-item result of an auto-release sweep.
type SweepOutcome string

const (
	SweepReleased        SweepOutcome = "released"
	SweepSkippedDispute  SweepOutcome = "skipped_dispute"
	SweepSkippedConflict SweepOutcome = "skipped_conflict"
	SweepFailed          SweepOutcome = "failed"
)

// SweepItem reports what happened to one eligible intent.
type SweepItem struct {
	Reference    string       `json:"reference"`
	EngagementID string       `json:"engagementId"`
	Outcome      SweepOutcome `json:"outcome"`
	Error        string       `json:"error,omitempty"`
}

// SweepResult aggregates one sweep. Skipped items are not failures.
type SweepResult struct {
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Results   []SweepItem `json:"results"`
}

// storePolicy retries store outages for one item within one sweep.
var storePolicy = retry.Policy{
	Attempts:  3,
	BaseDelay: 50 * time.Millisecond,
	MaxDelay:  500 * time.Millisecond,
	Retryable: func(err error) bool { return errors.Is(err, ErrStoreUnavailable) },
}

// cutoff is the latest completion request time that is eligible now.
func (e *Engine) cutoff() time.Time {
	return e.now().UTC().Add(-e.cfg.AutoReleaseGrace)
}

// EligibleCount returns how many intents a sweep would consider now.
// It never mutates anything.
func (e *Engine) EligibleCount(ctx context.Context) (int, error) {
	n, err := e.store.CountReleasable(ctx, e.cutoff())
	if err != nil {
		return 0, storeErr(err)
	}
	metrics.SweepEligible.Set(float64(n))
	return n, nil
}

// Sweep auto-releases every intent whose completion request has outlived the
// grace period and whose engagement has no open dispute. Items are
// independent: one failure never stops the others. Overlapping sweeps are
// safe because each release is a guarded compare-and-swap.
func (e *Engine) Sweep(ctx context.Context, trigger string) (*SweepResult, error) {
	start := time.Now()
	metrics.SweepRunsTotal.WithLabelValues(trigger).Inc()
	ctx, span := traces.StartSpan(ctx, "escrow.Sweep")
	defer span.End()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	due, err := e.store.ListReleasable(ctx, e.cutoff(), e.cfg.SweepBatchSize)
	if err != nil {
		err = storeErr(err)
		traces.RecordError(span, err)
		return nil, err
	}

	items := make([]SweepItem, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for i, intent := range due {
		g.Go(func() error {
			items[i] = e.sweepOne(gctx, intent)
			return nil
		})
	}
	_ = g.Wait()

	result := &SweepResult{Processed: len(items), Results: items}
	for _, item := range items {
		metrics.SweepItemsTotal.WithLabelValues(string(item.Outcome)).Inc()
		switch item.Outcome {
		case SweepReleased:
			result.Succeeded++
		case SweepFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}

	e.logger.Info("auto-release sweep finished",
		"trigger", trigger,
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", time.Since(start),
	)
	return result, nil
}

func (e *Engine) sweepOne(ctx context.Context, intent *PaymentIntent) SweepItem {
	item := SweepItem{Reference: intent.Reference, EngagementID: intent.EngagementID}
	fail := func(err error) SweepItem {
		item.Outcome = SweepFailed
		item.Error = err.Error()
		e.log(ctx).Warn("auto-release failed",
			"reference", intent.Reference, "engagementId", intent.EngagementID, "error", err)
		return item
	}

	var blocked bool
	err := retry.Do(ctx, storePolicy, func(int) error {
		var err error
		blocked, err = e.gate.IsBlocked(ctx, intent.EngagementID)
		if err != nil {
			return storeErr(err)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if blocked {
		item.Outcome = SweepSkippedDispute
		return item
	}

	err = retry.Do(ctx, storePolicy, func(int) error {
		_, err := e.release(ctx, intent, EventAutoRelease, ResolutionAutoReleased, "")
		if errors.Is(err, ErrConcurrentModification) {
			// The status guard lost, so another writer already moved it on.
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		item.Outcome = SweepReleased
	case errors.Is(err, ErrConcurrentModification):
		item.Outcome = SweepSkippedConflict
		e.log(ctx).Info("auto-release skipped, intent modified concurrently",
			"reference", intent.Reference, "engagementId", intent.EngagementID)
	default:
		return fail(err)
	}
	return item
}
