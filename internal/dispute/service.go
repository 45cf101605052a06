package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Escrow is the part of the escrow engine a dispute drives.
type Escrow interface {
	ActiveIntent(ctx context.Context, engagementID string) (*escrow.PaymentIntent, error)
	OpenDispute(ctx context.Context, engagementID, actorID string) (*escrow.PaymentIntent, error)
	ResolveDispute(ctx context.Context, engagementID string, release bool, resolverID string) (*escrow.PaymentIntent, error)
}

// PartyLookup resolves the employer and worker of an engagement.
type PartyLookup interface {
	Parties(ctx context.Context, engagementID string) (*escrow.Parties, error)
}

// Result pairs a dispute with the escrow it moved.
type Result struct {
	Dispute *Dispute              `json:"dispute"`
	Intent  *escrow.PaymentIntent `json:"intent"`
}

// Service manages the dispute lifecycle.
type Service struct {
	store    Store
	escrow   Escrow
	parties  PartyLookup
	notifier escrow.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, esc Escrow, parties PartyLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		escrow:  esc,
		parties: parties,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNotifier sets the event dispatcher.
func (s *Service) WithNotifier(n escrow.Notifier) *Service {
	s.notifier = n
	return s
}

// Open records a dispute and moves the engagement's funded escrow to
// disputed. The record is written first so the gate holds the escrow from
// that instant; if the escrow cannot be disputed the record is removed.
func (s *Service) Open(ctx context.Context, engagementID, openedBy, reason string) (*Result, error) {
	reason = validation.SanitizeString(reason, MaxReasonLength)
	if errs := validation.Validate(
		validation.Required("engagementId", engagementID),
		validation.ValidID("engagementId", engagementID),
		validation.Required("reason", reason),
	); len(errs) > 0 {
		return nil, errs
	}

	parties, err := s.parties.Parties(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if openedBy != parties.EmployerID && openedBy != parties.WorkerID {
		return nil, ErrForbidden
	}

	// Only funded escrow can be disputed. Checking before the record exists
	// keeps the gate from holding an escrow this call is about to reject.
	live, err := s.escrow.ActiveIntent(ctx, engagementID)
	if err != nil {
		metrics.DisputesTotal.WithLabelValues("open", "rejected").Inc()
		return nil, err
	}
	if !disputable(live.Status) {
		metrics.DisputesTotal.WithLabelValues("open", "rejected").Inc()
		return nil, fmt.Errorf("%w: open_dispute on %s", escrow.ErrInvalidTransition, live.Status)
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:           idgen.New(),
		EngagementID: engagementID,
		OpenedBy:     openedBy,
		Reason:       reason,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		metrics.DisputesTotal.WithLabelValues("open", "rejected").Inc()
		return nil, err
	}

	intent, err := s.escrow.OpenDispute(ctx, engagementID, openedBy)
	if err != nil {
		held, ok := s.compensate(ctx, d, err)
		if !ok {
			metrics.DisputesTotal.WithLabelValues("open", "escrow_rejected").Inc()
			return nil, err
		}
		intent = held
	}
	metrics.DisputesTotal.WithLabelValues("open", "ok").Inc()

	s.logger.Info("dispute opened", "dispute_id", d.ID, "engagement_id", engagementID,
		"reference", intent.Reference, "opened_by", openedBy)
	s.emit(ctx, notify.KindDisputeOpened, d, intent, openedBy, otherParty(parties, openedBy))
	return &Result{Dispute: d, Intent: intent}, nil
}

// compensate undoes a dispute record whose escrow could not be disputed.
// The escrow is read again first: a funding callback may have moved it to
// disputed under this record in the meantime, and that escrow must keep its
// record or nothing can ever resolve it. ok reports that the record stands.
func (s *Service) compensate(ctx context.Context, d *Dispute, cause error) (*escrow.PaymentIntent, bool) {
	ctx = context.WithoutCancel(ctx)
	current, err := s.escrow.ActiveIntent(ctx, d.EngagementID)
	if err == nil && current.Status == escrow.StatusDisputed {
		s.logger.Warn("escrow reached disputed while opening, keeping dispute",
			"dispute_id", d.ID, "engagement_id", d.EngagementID, "reference", current.Reference, "cause", cause)
		return current, true
	}
	if delErr := s.store.Delete(ctx, d.ID); delErr != nil {
		s.logger.Error("dispute compensation failed, open dispute has no disputed escrow",
			"dispute_id", d.ID, "engagement_id", d.EngagementID, "error", delErr)
	}
	return nil, false
}

func disputable(st escrow.Status) bool {
	switch st {
	case escrow.StatusFunded, escrow.StatusCompletionRequested, escrow.StatusDisputed:
		return true
	}
	return false
}

// Resolve rules on an open dispute. The escrow is settled first; the
// dispute is closed once the escrow has left disputed. When the escrow is
// resolved but the payout fails, the dispute is still closed and
// escrow.ErrPayoutFailed is returned with the result.
func (s *Service) Resolve(ctx context.Context, disputeID string, outcome Outcome, resolverID string) (*Result, error) {
	if errs := validation.Validate(
		validation.Required("outcome", string(outcome)),
		validation.OneOf("outcome", string(outcome), string(OutcomeRelease), string(OutcomeRefund)),
	); len(errs) > 0 {
		return nil, errs
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsOpen() {
		return nil, ErrDisputeNotOpen
	}

	intent, escErr := s.escrow.ResolveDispute(ctx, d.EngagementID, outcome == OutcomeRelease, resolverID)
	if escErr != nil && (intent == nil || !errors.Is(escErr, escrow.ErrPayoutFailed)) {
		metrics.DisputesTotal.WithLabelValues("resolve", "escrow_rejected").Inc()
		return nil, escErr
	}

	now := s.now().UTC()
	if err := s.store.Resolve(context.WithoutCancel(ctx), d.ID, outcome.status(), resolverID, now); err != nil {
		s.logger.Error("CRITICAL: escrow resolved but dispute record not closed",
			"dispute_id", d.ID, "engagement_id", d.EngagementID,
			"reference", intent.Reference, "status", intent.Status, "error", err)
		metrics.DisputesTotal.WithLabelValues("resolve", "store_error").Inc()
		return nil, err
	}
	d.Status = outcome.status()
	d.ResolvedBy = resolverID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	metrics.DisputesTotal.WithLabelValues("resolve", string(outcome)).Inc()

	s.logger.Info("dispute resolved", "dispute_id", d.ID, "engagement_id", d.EngagementID,
		"reference", intent.Reference, "outcome", outcome, "resolved_by", resolverID)
	s.emit(ctx, notify.KindDisputeResolved, d, intent, resolverID, intent.PayerID)
	s.emit(ctx, notify.KindDisputeResolved, d, intent, resolverID, intent.PayeeID)
	return &Result{Dispute: d, Intent: intent}, escErr
}

// Get returns a dispute to a party of its engagement or an administrator.
func (s *Service) Get(ctx context.Context, disputeID, callerID string, admin bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if admin {
		return d, nil
	}
	parties, err := s.parties.Parties(ctx, d.EngagementID)
	if err != nil {
		return nil, err
	}
	if callerID != parties.EmployerID && callerID != parties.WorkerID {
		return nil, ErrForbidden
	}
	return d, nil
}

func (s *Service) emit(ctx context.Context, kind notify.Kind, d *Dispute, intent *escrow.PaymentIntent, actorID, recipientID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind:         kind,
		Reference:    intent.Reference,
		EngagementID: d.EngagementID,
		ActorID:      actorID,
		RecipientID:  recipientID,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Detail:       map[string]string{"disputeId": d.ID, "status": string(d.Status)},
		Timestamp:    s.now().UTC(),
	})
}

func otherParty(p *escrow.Parties, userID string) string {
	if userID == p.EmployerID {
		return p.WorkerID
	}
	return p.EmployerID
}
