package shareouthttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/vsla-platform/vsla-ledger/internal/platform/httpx"
	"github.com/vsla-platform/vsla-ledger/internal/shareout"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
)

const readTimeout = 5 * time.Second

// Service defines the shareout operations used by the handler.
type Service interface {
	CalculateShareout(ctx context.Context, cycleID, actorID int64) (shareout.Shareout, error)
	ApproveShareout(ctx context.Context, shareoutID, actorID int64) (shareout.Shareout, error)
	CompleteShareout(ctx context.Context, shareoutID, actorID int64) (shareout.Shareout, error)
	CancelShareout(ctx context.Context, shareoutID, actorID int64) (shareout.Shareout, error)
	UpdateDistributionPayment(ctx context.Context, in shareout.PaymentInput) (shareout.Distribution, error)
	GetShareout(ctx context.Context, id int64) (shareout.Shareout, error)
	GetCycleShareout(ctx context.Context, cycleID int64) (shareout.Shareout, error)
}

// Handler exposes the shareout engine over HTTP.
type Handler struct {
	logger  *slog.Logger
	service Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers shareout endpoints onto the router. Calculations are
// rate limited per cycle since each one scans the whole cycle ledger.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(5, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "cycle:" + chi.URLParam(r, "id"), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "shareout calculation rate exceeded")
		}),
	)
	r.Get("/cycles/{id}/shareout", h.handleCycleShareout)
	r.With(limiter).Post("/cycles/{id}/shareout", h.handleCalculate)
	r.Get("/shareouts/{id}", h.handleGet)
	r.Post("/shareouts/{id}/approve", h.handleTransition(h.service.ApproveShareout))
	r.Post("/shareouts/{id}/complete", h.handleTransition(h.service.CompleteShareout))
	r.Post("/shareouts/{id}/cancel", h.handleTransition(h.service.CancelShareout))
	r.Post("/shareouts/{id}/distributions/{distID}/payment", h.handlePayment)
}

func (h *Handler) handleCycleShareout(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	result, err, _ := singleflightLoad(ctx, fmt.Sprintf("cycle:%d", cycleID), func(ctx context.Context) (interface{}, error) {
		return h.service.GetCycleShareout(ctx, cycleID)
	})
	if err != nil {
		h.respond(w, "get cycle shareout", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleCalculate(w http.ResponseWriter, r *http.Request) {
	cycleID, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, err := actorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sh, err := h.service.CalculateShareout(r.Context(), cycleID, actor)
	if err != nil {
		h.respond(w, "calculate shareout", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sh, err := h.service.GetShareout(r.Context(), id)
	if err != nil {
		h.respond(w, "get shareout", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) handleTransition(fn func(context.Context, int64, int64) (shareout.Shareout, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		actor, err := actorID(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		sh, err := fn(r.Context(), id, actor)
		if err != nil {
			h.respond(w, "shareout transition", err)
			return
		}
		httpx.JSON(w, http.StatusOK, sh)
	}
}

type paymentRequest struct {
	Status string `json:"payment_status" validate:"required,oneof=paid deferred waived"`
	Notes  string `json:"payment_notes" validate:"max=500"`
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	distID, err := pathID(r, "distID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, err := actorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	dist, err := h.service.UpdateDistributionPayment(r.Context(), shareout.PaymentInput{
		ShareoutID:     id,
		DistributionID: distID,
		Status:         shareout.PaymentStatus(req.Status),
		Notes:          req.Notes,
		ActorID:        actor,
	})
	if err != nil {
		h.respond(w, "update distribution payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, dist)
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shareout.ErrShareoutNotFound),
		errors.Is(err, shareout.ErrDistributionNotFound),
		errors.Is(err, shareout.ErrCycleNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, shareout.ErrInvalidTransition),
		errors.Is(err, shareout.ErrCycleNotEligible),
		errors.Is(err, shareout.ErrShareoutExists):
		err = httpx.Wrap(httpx.ErrConflict, err)
	case errors.Is(err, shareout.ErrInvalidInput):
		err = httpx.Wrap(httpx.ErrValidation, err)
	case errors.Is(err, shared.ErrActorRequired):
		err = httpx.Wrap(httpx.ErrUnauthorized, err)
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, param)
	}
	return id, nil
}

func actorID(r *http.Request) (int64, error) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return 0, httpx.Wrap(httpx.ErrUnauthorized, shared.ErrActorRequired)
	}
	return actor, nil
}
