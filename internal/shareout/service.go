package shareout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/directory"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

// TxRepository is the transactional persistence surface of the shareout engine.
type TxRepository interface {
	FindCycle(ctx context.Context, id int64) (directory.Cycle, bool, error)
	CloseCycle(ctx context.Context, id int64) error
	SetStatementTimeout(ctx context.Context, d time.Duration) error

	FindOpenShareoutForUpdate(ctx context.Context, cycleID int64) (Shareout, bool, error)
	GetShareoutForUpdate(ctx context.Context, id int64) (Shareout, error)
	InsertShareout(ctx context.Context, s Shareout) (Shareout, error)
	UpdateShareout(ctx context.Context, s Shareout) error

	ReplaceDistributions(ctx context.Context, shareoutID int64, dists []Distribution) ([]Distribution, error)
	GetDistributionForUpdate(ctx context.Context, shareoutID, distributionID int64) (Distribution, error)
	UpdateDistributionPayment(ctx context.Context, d Distribution) error
	MarkDistributionsPaid(ctx context.Context, shareoutID int64, at time.Time) error

	MemberLedgers(ctx context.Context, cycleID int64) ([]MemberLedger, error)
	Holdings(ctx context.Context, cycleID int64) ([]Holding, error)
	CycleLoans(ctx context.Context, cycleID int64) ([]ledger.Loan, error)
}

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetShareout(ctx context.Context, id int64) (Shareout, error)
	FindCycleShareout(ctx context.Context, cycleID int64) (Shareout, error)
}

// AuditPort records shareout lifecycle events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SummaryCache caches the open shareout of a cycle.
type SummaryCache interface {
	Fetch(ctx context.Context, cycleID int64, dest *Shareout, loader func(context.Context) (Shareout, error)) error
	Invalidate(ctx context.Context, cycleID int64) error
}

// MetricsPort observes shareout lifecycle events.
type MetricsPort interface {
	ObserveShareout(action string, payout decimal.Decimal)
}

// Service orchestrates shareout calculation and its lifecycle.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	cache   SummaryCache
	metrics MetricsPort
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewService constructs the service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithCache enables the summary cache.
func (s *Service) WithCache(c SummaryCache) {
	s.cache = c
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m MetricsPort) {
	s.metrics = m
}

// WithTimeout bounds calculation transactions. Zero disables the bound.
func (s *Service) WithTimeout(d time.Duration) {
	s.timeout = d
}

// CalculateShareout computes (or recomputes) the open shareout of a cycle. Prior
// distributions are replaced wholesale, so repeated calls on unchanged data
// produce identical results.
func (s *Service) CalculateShareout(ctx context.Context, cycleID, actorID int64) (Shareout, error) {
	if actorID <= 0 {
		return Shareout{}, shared.ErrActorRequired
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := s.now()
	var result Shareout
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if s.timeout > 0 {
			if err := tx.SetStatementTimeout(ctx, s.timeout); err != nil {
				return err
			}
		}
		cycle, ok, err := tx.FindCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrCycleNotFound, cycleID)
		}
		if !cycle.IsVSLACycle || !cycle.IsActiveCycle {
			return fmt.Errorf("%w: cycle %d", ErrCycleNotEligible, cycleID)
		}

		current, found, err := tx.FindOpenShareoutForUpdate(ctx, cycleID)
		if err != nil {
			return err
		}
		if !found {
			current, err = tx.InsertShareout(ctx, Shareout{
				CycleID:     cycleID,
				GroupID:     cycle.GroupID,
				Status:      StatusDraft,
				CreatedByID: actorID,
			})
			if err != nil {
				return err
			}
		}
		if !current.Status.CanTransition(StatusCalculated) {
			return transitionError(current.Status, StatusCalculated)
		}

		ledgers, err := tx.MemberLedgers(ctx, cycleID)
		if err != nil {
			return fmt.Errorf("shareout: member ledgers: %w", err)
		}
		holdings, err := tx.Holdings(ctx, cycleID)
		if err != nil {
			return fmt.Errorf("shareout: holdings: %w", err)
		}
		loans, err := tx.CycleLoans(ctx, cycleID)
		if err != nil {
			return fmt.Errorf("shareout: loans: %w", err)
		}
		calc := Calculate(CalculationInput{
			ShareUnitValue: cycle.ShareValue,
			Ledgers:        ledgers,
			Holdings:       holdings,
			Loans:          loans,
		})

		dists, err := tx.ReplaceDistributions(ctx, current.ID, calc.Distributions)
		if err != nil {
			return fmt.Errorf("shareout: replace distributions: %w", err)
		}
		now := s.now()
		current.Totals = calc.Totals
		current.Status = StatusCalculated
		current.CalculatedAt = &now
		current.UpdatedAt = now
		if err := tx.UpdateShareout(ctx, current); err != nil {
			return err
		}
		current.Distributions = dists
		result = current
		return nil
	})
	if err != nil {
		return Shareout{}, err
	}
	s.logger.Info("shareout calculated",
		slog.Int64("shareout_id", result.ID),
		slog.Int64("cycle_id", cycleID),
		slog.Int("members", result.TotalMembers),
		slog.String("payout", result.TotalActualPayout.StringFixed(2)),
		slog.Duration("took", s.now().Sub(started)))
	s.after(ctx, "shareout.calculate", actorID, result)
	return result, nil
}

// ApproveShareout locks in a calculated shareout.
func (s *Service) ApproveShareout(ctx context.Context, shareoutID, actorID int64) (Shareout, error) {
	return s.transition(ctx, "shareout.approve", shareoutID, actorID, func(ctx context.Context, tx TxRepository, sh *Shareout) error {
		return s.approve(sh, actorID)
	})
}

// CompleteShareout pays every distribution and closes the cycle. A calculated
// shareout is approved on the way.
func (s *Service) CompleteShareout(ctx context.Context, shareoutID, actorID int64) (Shareout, error) {
	return s.transition(ctx, "shareout.complete", shareoutID, actorID, func(ctx context.Context, tx TxRepository, sh *Shareout) error {
		if sh.Status != StatusCalculated && sh.Status != StatusApproved {
			return transitionError(sh.Status, StatusCompleted)
		}
		if sh.Status == StatusCalculated {
			if err := s.approve(sh, actorID); err != nil {
				return err
			}
		}
		for _, next := range []Status{StatusProcessing, StatusCompleted} {
			if !sh.Status.CanTransition(next) {
				return transitionError(sh.Status, next)
			}
			sh.Status = next
		}
		now := s.now()
		if err := tx.MarkDistributionsPaid(ctx, sh.ID, now); err != nil {
			return err
		}
		if err := tx.CloseCycle(ctx, sh.CycleID); err != nil {
			return fmt.Errorf("shareout: close cycle: %w", err)
		}
		sh.CompletedAt = &now
		sh.CompletedByID = &actorID
		return nil
	})
}

// CancelShareout abandons a shareout that has not completed.
func (s *Service) CancelShareout(ctx context.Context, shareoutID, actorID int64) (Shareout, error) {
	return s.transition(ctx, "shareout.cancel", shareoutID, actorID, func(ctx context.Context, tx TxRepository, sh *Shareout) error {
		if !sh.Status.CanTransition(StatusCancelled) {
			return transitionError(sh.Status, StatusCancelled)
		}
		sh.Status = StatusCancelled
		return nil
	})
}

func (s *Service) approve(sh *Shareout, actorID int64) error {
	if !sh.Status.CanTransition(StatusApproved) {
		return transitionError(sh.Status, StatusApproved)
	}
	now := s.now()
	sh.Status = StatusApproved
	sh.ApprovedAt = &now
	sh.ApprovedByID = &actorID
	return nil
}

func (s *Service) transition(ctx context.Context, action string, shareoutID, actorID int64, apply func(context.Context, TxRepository, *Shareout) error) (Shareout, error) {
	if actorID <= 0 {
		return Shareout{}, shared.ErrActorRequired
	}
	var result Shareout
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sh, err := tx.GetShareoutForUpdate(ctx, shareoutID)
		if err != nil {
			return err
		}
		if err := apply(ctx, tx, &sh); err != nil {
			return err
		}
		sh.UpdatedAt = s.now()
		if err := tx.UpdateShareout(ctx, sh); err != nil {
			return err
		}
		result = sh
		return nil
	})
	if err != nil {
		return Shareout{}, err
	}
	s.logger.Info("shareout transition", slog.Int64("shareout_id", result.ID), slog.String("status", string(result.Status)))
	s.after(ctx, action, actorID, result)
	return result, nil
}

// PaymentInput updates the payout status of one distribution.
type PaymentInput struct {
	ShareoutID     int64
	DistributionID int64
	Status         PaymentStatus
	Notes          string
	ActorID        int64
}

// Validate ensures the update is well formed.
func (in PaymentInput) Validate() error {
	if in.ShareoutID <= 0 || in.DistributionID <= 0 {
		return fmt.Errorf("%w: shareout and distribution ids required", ErrInvalidInput)
	}
	if !in.Status.Valid() || in.Status == PaymentPending {
		return fmt.Errorf("%w: payment status %q", ErrInvalidInput, in.Status)
	}
	if in.ActorID <= 0 {
		return shared.ErrActorRequired
	}
	return nil
}

// UpdateDistributionPayment records the payout of one member once the shareout
// has been approved.
func (s *Service) UpdateDistributionPayment(ctx context.Context, in PaymentInput) (Distribution, error) {
	if err := in.Validate(); err != nil {
		return Distribution{}, err
	}
	var (
		result  Distribution
		cycleID int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sh, err := tx.GetShareoutForUpdate(ctx, in.ShareoutID)
		if err != nil {
			return err
		}
		if sh.Status != StatusApproved && sh.Status != StatusProcessing {
			return fmt.Errorf("%w: payments require an approved shareout, got %s", ErrInvalidTransition, sh.Status)
		}
		cycleID = sh.CycleID
		dist, err := tx.GetDistributionForUpdate(ctx, in.ShareoutID, in.DistributionID)
		if err != nil {
			return err
		}
		if !dist.PaymentStatus.CanTransition(in.Status) {
			return transitionError(dist.PaymentStatus, in.Status)
		}
		dist.PaymentStatus = in.Status
		if in.Notes != "" {
			dist.PaymentNotes = in.Notes
		}
		if in.Status == PaymentPaid {
			now := s.now()
			dist.PaidAt = &now
		}
		if err := tx.UpdateDistributionPayment(ctx, dist); err != nil {
			return err
		}
		result = dist
		return nil
	})
	if err != nil {
		return Distribution{}, err
	}
	s.invalidate(ctx, cycleID)
	s.record(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "shareout.distribution.payment",
		Entity:   shared.AuditDistribution,
		EntityID: result.ID,
		Meta: map[string]any{
			"shareout_id":    in.ShareoutID,
			"member_id":      result.MemberID,
			"payment_status": string(result.PaymentStatus),
			"final_payout":   result.FinalPayout.StringFixed(2),
		},
		At: s.now(),
	})
	return result, nil
}

// GetShareout returns a shareout with its distributions.
func (s *Service) GetShareout(ctx context.Context, id int64) (Shareout, error) {
	return s.repo.GetShareout(ctx, id)
}

// GetCycleShareout returns the latest shareout of a cycle, read through the
// summary cache when one is configured.
func (s *Service) GetCycleShareout(ctx context.Context, cycleID int64) (Shareout, error) {
	if s.cache == nil {
		return s.repo.FindCycleShareout(ctx, cycleID)
	}
	var out Shareout
	err := s.cache.Fetch(ctx, cycleID, &out, func(ctx context.Context) (Shareout, error) {
		return s.repo.FindCycleShareout(ctx, cycleID)
	})
	if err != nil {
		if errors.Is(err, ErrShareoutNotFound) {
			return Shareout{}, err
		}
		s.logger.Warn("shareout cache fetch", slog.Int64("cycle_id", cycleID), slog.Any("error", err))
		return s.repo.FindCycleShareout(ctx, cycleID)
	}
	return out, nil
}

func (s *Service) after(ctx context.Context, action string, actorID int64, sh Shareout) {
	s.invalidate(ctx, sh.CycleID)
	if s.metrics != nil {
		s.metrics.ObserveShareout(action, sh.TotalActualPayout)
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditShareout,
		EntityID: sh.ID,
		Meta: map[string]any{
			"cycle_id": sh.CycleID,
			"status":   string(sh.Status),
			"members":  sh.TotalMembers,
			"payout":   sh.TotalActualPayout.StringFixed(2),
		},
		At: s.now(),
	})
}

func (s *Service) invalidate(ctx context.Context, cycleID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cycleID); err != nil {
		s.logger.Warn("shareout cache invalidate", slog.Int64("cycle_id", cycleID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit shareout", slog.String("action", log.Action), slog.Any("error", err))
	}
}
