package loanshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/platform/httpx"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

const idempotencyModule = "loans"

// Service lists the loan operations the handler exposes.
type Service interface {
	RecordPayment(ctx context.Context, in ledger.PaymentInput) (ledger.Outcome, error)
	AddPenalty(ctx context.Context, in ledger.AdjustmentInput) (ledger.Outcome, error)
	ApplyWaiver(ctx context.Context, in ledger.AdjustmentInput) (ledger.Outcome, error)
	Balance(ctx context.Context, loanID int64) (ledger.BalanceView, error)
}

// Idempotency claims Idempotency-Key headers.
type Idempotency interface {
	Claim(ctx context.Context, module, key string) error
	Release(ctx context.Context, module, key string) error
}

// Handler serves ad-hoc loan adjustments.
type Handler struct {
	logger  *slog.Logger
	service Service
	keys    Idempotency
	format  ledger.AmountFormatter
}

// NewHandler constructs the handler. keys may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(logger *slog.Logger, service Service, keys Idempotency, format ledger.AmountFormatter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, keys: keys, format: format}
}

// MountRoutes registers loan endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/loans/{id}", func(r chi.Router) {
		r.Get("/balance", h.handleBalance)
		r.Post("/payments", h.handlePayment)
		r.Post("/penalties", h.handleAdjustment("loan.penalty", h.service.AddPenalty))
		r.Post("/waivers", h.handleAdjustment("loan.waiver", h.service.ApplyWaiver))
	})
}

type paymentRequest struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	Description string `json:"description" validate:"max=255"`
	Date        string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type adjustmentRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Reason string `json:"reason" validate:"required,max=255"`
	Date   string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type loanView struct {
	ID             int64     `json:"id"`
	CycleID        int64     `json:"cycle_id"`
	BorrowerID     int64     `json:"borrower_id"`
	LoanAmount     string    `json:"loan_amount"`
	TotalAmountDue string    `json:"total_amount_due"`
	AmountPaid     string    `json:"amount_paid"`
	Balance        string    `json:"balance"`
	BalanceDisplay string    `json:"balance_display,omitempty"`
	Status         string    `json:"status"`
	DueDate        time.Time `json:"due_date"`
}

type outcomeView struct {
	Loan      loanView `json:"loan"`
	Requested string   `json:"requested"`
	Applied   string   `json:"applied"`
	Clamped   bool     `json:"clamped"`
}

type balanceView struct {
	Loan          loanView `json:"loan"`
	LedgerBalance string   `json:"ledger_balance"`
	InSync        bool     `json:"in_sync"`
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	loanID, actor, ok := h.preamble(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	amount, date, err := parseAmountDate(req.Amount, req.Date)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.idempotent(w, r, func() (ledger.Outcome, error) {
		return h.service.RecordPayment(r.Context(), ledger.PaymentInput{
			LoanID:      loanID,
			Amount:      amount,
			Description: req.Description,
			Date:        date,
			ActorID:     actor,
		})
	})
}

func (h *Handler) handleAdjustment(op string, fn func(context.Context, ledger.AdjustmentInput) (ledger.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, actor, ok := h.preamble(w, r)
		if !ok {
			return
		}
		var req adjustmentRequest
		if err := httpx.DecodeAndValidate(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		amount, date, err := parseAmountDate(req.Amount, req.Date)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		h.idempotent(w, r, func() (ledger.Outcome, error) {
			out, err := fn(r.Context(), ledger.AdjustmentInput{
				LoanID:  loanID,
				Amount:  amount,
				Reason:  req.Reason,
				Date:    date,
				ActorID: actor,
			})
			if err != nil {
				return out, fmt.Errorf("%s: %w", op, err)
			}
			return out, nil
		})
	}
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.Balance(r.Context(), loanID)
	if err != nil {
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceView{
		Loan:          h.loanView(view.Loan),
		LedgerBalance: view.LedgerBalance.StringFixed(2),
		InSync:        view.InSync,
	})
}

func (h *Handler) preamble(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	loanID, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUnauthorized, shared.ErrActorRequired))
		return 0, 0, false
	}
	return loanID, actor, true
}

// idempotent claims the request key before running apply and releases it when
// apply fails so the client can retry.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, apply func() (ledger.Outcome, error)) {
	key := r.Header.Get("Idempotency-Key")
	claimed := false
	if key != "" && h.keys != nil {
		if err := h.keys.Claim(r.Context(), idempotencyModule, key); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
				return
			}
			h.logger.Error("claim idempotency key", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		claimed = true
	}
	out, err := apply()
	if err != nil {
		if claimed {
			if relErr := h.keys.Release(context.WithoutCancel(r.Context()), idempotencyModule, key); relErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", relErr))
			}
		}
		h.respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcomeView{
		Loan:      h.loanView(out.Loan),
		Requested: out.Requested.StringFixed(2),
		Applied:   out.Applied.StringFixed(2),
		Clamped:   out.Clamped,
	})
}

func (h *Handler) respond(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrLoanNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, ledger.ErrLoanSettled),
		errors.Is(err, ledger.ErrAmountExceedsBalance),
		errors.Is(err, ledger.ErrInvalidTransition):
		err = httpx.Wrap(httpx.ErrConflict, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		err = httpx.Wrap(httpx.ErrValidation, err)
	default:
		h.logger.Error("loan operation failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) loanView(l ledger.Loan) loanView {
	return loanView{
		ID:             l.ID,
		CycleID:        l.CycleID,
		BorrowerID:     l.BorrowerID,
		LoanAmount:     l.LoanAmount.StringFixed(2),
		TotalAmountDue: l.TotalAmountDue.StringFixed(2),
		AmountPaid:     l.AmountPaid.StringFixed(2),
		Balance:        l.Balance.StringFixed(2),
		Status:         string(l.Status),
		DueDate:        l.DueDate,
		BalanceDisplay: h.format.Format(l.Balance),
	}
}

func parseAmountDate(rawAmount, rawDate string) (decimal.Decimal, time.Time, error) {
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: amount: %v", httpx.ErrValidation, err)
	}
	if rawDate == "" {
		return amount, time.Time{}, nil
	}
	date, err := time.Parse(time.DateOnly, rawDate)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: date: %v", httpx.ErrValidation, err)
	}
	return amount, date, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid loan id", httpx.ErrValidation)
	}
	return id, nil
}
