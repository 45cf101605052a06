// Package engagement stores the employer/worker pairing an escrow pays for.
//
// The escrow engine reads parties from here and mirrors its status back so
// engagement views show where the money is without joining payment intents.
package engagement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/validation"
)

var ErrNotFound = escrow.ErrEngagementNotFound

var ErrForbidden = errors.New("engagement: caller is not a party")

// MaxTitleLength bounds the stored title, in bytes.
const MaxTitleLength = 200

// Engagement pairs an employer with a worker.
type Engagement struct {
	ID                    string        `json:"id"`
	EmployerID            string        `json:"employerId"`
	WorkerID              string        `json:"workerId"`
	Title                 string        `json:"title"`
	EscrowStatus          escrow.Status `json:"escrowStatus,omitempty"`
	CompletionRequestedAt *time.Time    `json:"completionRequestedAt,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// Store persists engagements.
type Store interface {
	Create(ctx context.Context, e *Engagement) error
	Get(ctx context.Context, id string) (*Engagement, error)
	SetEscrowStatus(ctx context.Context, id string, status escrow.Status, completionRequestedAt *time.Time, at time.Time) error
}

// CreateRequest opens an engagement. The caller becomes the employer.
type CreateRequest struct {
	WorkerID string `json:"workerId"`
	Title    string `json:"title"`
}

// Service manages engagements and serves the escrow engine's party lookups.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an engagement service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Create records a new engagement for employerID.
func (s *Service) Create(ctx context.Context, employerID string, req CreateRequest) (*Engagement, error) {
	req.Title = validation.SanitizeString(req.Title, MaxTitleLength)
	if errs := validation.Validate(
		validation.Required("workerId", req.WorkerID),
		validation.ValidID("workerId", req.WorkerID),
	); len(errs) > 0 {
		return nil, errs
	}
	if req.WorkerID == employerID {
		return nil, validation.ValidationErrors{{Field: "workerId", Message: "must differ from the employer"}}
	}

	now := s.now().UTC()
	e := &Engagement{
		ID:         idgen.New(),
		EmployerID: employerID,
		WorkerID:   req.WorkerID,
		Title:      req.Title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("engagement created", "engagement_id", e.ID, "employer_id", employerID, "worker_id", e.WorkerID)
	return e, nil
}

// Get returns an engagement to one of its parties.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Engagement, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != e.EmployerID && callerID != e.WorkerID {
		return nil, ErrForbidden
	}
	return e, nil
}

// Parties implements escrow.Engagements.
func (s *Service) Parties(ctx context.Context, id string) (*escrow.Parties, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &escrow.Parties{EmployerID: e.EmployerID, WorkerID: e.WorkerID}, nil
}

// SetEscrowStatus implements escrow.Engagements.
func (s *Service) SetEscrowStatus(ctx context.Context, id string, status escrow.Status, completionRequestedAt *time.Time) error {
	return s.store.SetEscrowStatus(ctx, id, status, completionRequestedAt, s.now().UTC())
}

var _ escrow.Engagements = (*Service)(nil)
