package meetingshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vsla-platform/vsla-ledger/internal/meetings"
	"github.com/vsla-platform/vsla-ledger/internal/platform/httpx"
	"github.com/vsla-platform/vsla-ledger/internal/shared"
	"github.com/vsla-platform/vsla-ledger/jobs"
)

// Service is the processing contract used by the handler.
type Service interface {
	Process(ctx context.Context, meetingID, actorID int64) (meetings.Result, error)
	Reset(ctx context.Context, meetingID, actorID int64) error
	GetMeeting(ctx context.Context, id int64) (meetings.Meeting, error)
}

// Enqueuer schedules background processing.
type Enqueuer interface {
	EnqueueMeeting(ctx context.Context, meetingID, actorID int64) (string, error)
}

// Handler exposes meeting processing over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  Service
	enqueuer Enqueuer
}

// NewHandler constructs the handler. enqueuer may be nil when no worker is configured.
func NewHandler(logger *slog.Logger, service Service, enqueuer Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers meeting endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/meetings/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/process", h.handleProcess)
		r.Post("/enqueue", h.handleEnqueue)
		r.Post("/reset", h.handleReset)
	})
}

type meetingView struct {
	ID          int64            `json:"id"`
	LocalID     string           `json:"local_id"`
	GroupID     int64            `json:"group_id"`
	CycleID     int64            `json:"cycle_id"`
	MeetingDate string           `json:"meeting_date"`
	Status      meetings.Status  `json:"processing_status"`
	HasErrors   bool             `json:"has_errors"`
	HasWarnings bool             `json:"has_warnings"`
	Errors      []meetings.Issue `json:"errors"`
	Warnings    []meetings.Issue `json:"warnings"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
}

func toView(m meetings.Meeting) meetingView {
	return meetingView{
		ID:          m.ID,
		LocalID:     m.LocalID,
		GroupID:     m.GroupID,
		CycleID:     m.CycleID,
		MeetingDate: m.MeetingDate.Format("2006-01-02"),
		Status:      m.Status,
		HasErrors:   m.HasErrors,
		HasWarnings: m.HasWarnings,
		Errors:      nonNil(m.Errors),
		Warnings:    nonNil(m.Warnings),
		ProcessedAt: m.ProcessedAt,
	}
}

func nonNil(issues []meetings.Issue) []meetings.Issue {
	if issues == nil {
		return []meetings.Issue{}
	}
	return issues
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := meetingID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.GetMeeting(r.Context(), id)
	if err != nil {
		h.respond(w, "get meeting", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(m))
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, actor, err := target(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Process(r.Context(), id, actor)
	if err != nil {
		h.respond(w, "process meeting", err)
		return
	}
	result.Errors = nonNil(result.Errors)
	result.Warnings = nonNil(result.Warnings)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "background processing is not configured")
		return
	}
	id, actor, err := target(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := h.service.GetMeeting(r.Context(), id); err != nil {
		h.respond(w, "enqueue meeting", err)
		return
	}
	taskID, err := h.enqueuer.EnqueueMeeting(r.Context(), id, actor)
	queued := errors.Is(err, jobs.ErrAlreadyQueued)
	if err != nil && !queued {
		h.respond(w, "enqueue meeting", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"meeting_id": id, "task_id": taskID, "already_queued": queued})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	id, actor, err := target(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Reset(r.Context(), id, actor); err != nil {
		h.respond(w, "reset meeting", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, meetings.ErrMeetingNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, meetings.ErrInvalidTransition):
		err = httpx.Wrap(httpx.ErrConflict, err)
	case errors.Is(err, meetings.ErrGroupBusy):
		err = httpx.Wrap(httpx.ErrBusy, err)
	case errors.Is(err, shared.ErrActorRequired):
		err = httpx.Wrap(httpx.ErrUnauthorized, err)
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func meetingID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid meeting id", httpx.ErrValidation)
	}
	return id, nil
}

func target(r *http.Request) (int64, int64, error) {
	id, err := meetingID(r)
	if err != nil {
		return 0, 0, err
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return 0, 0, httpx.Wrap(httpx.ErrUnauthorized, shared.ErrActorRequired)
	}
	return id, actor, nil
}
