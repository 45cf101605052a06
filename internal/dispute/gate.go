package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/gigescrow/internal/metrics"
)

// Gate answers whether an engagement's escrow is held by an open dispute.
// Every call reads the store; nothing is cached.
type Gate struct {
	store Store
}

// NewGate creates a gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// IsBlocked reports whether engagementID has an open dispute. A read
// failure reports blocked along with the error.
func (g *Gate) IsBlocked(ctx context.Context, engagementID string) (bool, error) {
	_, err := g.store.GetOpenByEngagement(ctx, engagementID)
	switch {
	case err == nil:
		metrics.DisputeGateChecksTotal.WithLabelValues("blocked").Inc()
		return true, nil
	case errors.Is(err, ErrDisputeNotFound):
		metrics.DisputeGateChecksTotal.WithLabelValues("clear").Inc()
		return false, nil
	default:
		metrics.DisputeGateChecksTotal.WithLabelValues("error").Inc()
		return true, fmt.Errorf("dispute gate: %w", err)
	}
}
