package meetings_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vsla-platform/vsla-ledger/internal/directory"
	"github.com/vsla-platform/vsla-ledger/internal/ledger"
	"github.com/vsla-platform/vsla-ledger/internal/ledger/ledgertest"
	"github.com/vsla-platform/vsla-ledger/internal/meetings"
)

const (
	groupID  = int64(2)
	cycleID  = int64(3)
	actorID  = int64(99)
	memberA  = int64(11)
	memberB  = int64(12)
	outsider = int64(40)
)

var meetingDay = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// memRepo is an in-memory RepositoryPort. Every WithTx call is atomic: writes
// are discarded when fn returns an error.
type memRepo struct {
	*ledgertest.Store

	meetings       map[int64]meetings.Meeting
	attendance     map[[2]int64]meetings.Attendance
	shares         []meetings.ProjectShare
	socialFund     []meetings.SocialFundTransaction
	plans          map[string]meetings.ActionPlan
	plansAvailable bool
	failShares     error
	nextID         int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		Store:      ledgertest.NewStore(),
		meetings:   make(map[int64]meetings.Meeting),
		attendance: make(map[[2]int64]meetings.Attendance),
		plans:      make(map[string]meetings.ActionPlan),
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, meetings.TxRepository) error) error {
	restoreLedger := r.Store.Snapshot()
	savedMeetings := copyMap(r.meetings)
	savedAttendance := copyMap(r.attendance)
	savedPlans := copyMap(r.plans)
	savedShares := append([]meetings.ProjectShare(nil), r.shares...)
	savedSocial := append([]meetings.SocialFundTransaction(nil), r.socialFund...)
	if err := fn(ctx, r); err != nil {
		restoreLedger()
		r.meetings, r.attendance, r.plans = savedMeetings, savedAttendance, savedPlans
		r.shares, r.socialFund = savedShares, savedSocial
		return err
	}
	return nil
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *memRepo) GetMeeting(ctx context.Context, id int64) (meetings.Meeting, error) {
	m, ok := r.meetings[id]
	if !ok {
		return meetings.Meeting{}, meetings.ErrMeetingNotFound
	}
	return m, nil
}

func (r *memRepo) GetMeetingForUpdate(ctx context.Context, id int64) (meetings.Meeting, error) {
	return r.GetMeeting(ctx, id)
}

func (r *memRepo) UpdateMeetingStatus(ctx context.Context, update meetings.StatusUpdate) error {
	m, ok := r.meetings[update.MeetingID]
	if !ok {
		return meetings.ErrMeetingNotFound
	}
	m.Status = update.Status
	m.Errors = update.Errors
	m.Warnings = update.Warnings
	m.HasErrors = len(update.Errors) > 0
	m.HasWarnings = len(update.Warnings) > 0
	processedAt, processedBy := update.ProcessedAt, update.ProcessedBy
	m.ProcessedAt = &processedAt
	m.ProcessedByID = &processedBy
	r.meetings[m.ID] = m
	return nil
}

func (r *memRepo) HasCompletedLocalID(ctx context.Context, localID string, excludeMeetingID int64) (bool, error) {
	for _, m := range r.meetings {
		if m.LocalID == localID && m.ID != excludeMeetingID && m.Status == meetings.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) UpsertAttendance(ctx context.Context, a meetings.Attendance) error {
	r.attendance[[2]int64{a.MeetingID, a.MemberID}] = a
	return nil
}

func (r *memRepo) InsertProjectShare(ctx context.Context, share meetings.ProjectShare) (meetings.ProjectShare, error) {
	if r.failShares != nil {
		return meetings.ProjectShare{}, r.failShares
	}
	share.ID = int64(len(r.shares) + 1)
	r.shares = append(r.shares, share)
	return share, nil
}

func (r *memRepo) InsertSocialFundTransaction(ctx context.Context, txn meetings.SocialFundTransaction) error {
	txn.ID = int64(len(r.socialFund) + 1)
	r.socialFund = append(r.socialFund, txn)
	return nil
}

func (r *memRepo) ActionPlansAvailable(ctx context.Context) (bool, error) {
	return r.plansAvailable, nil
}

func (r *memRepo) FindActionPlanByLocalID(ctx context.Context, localID string) (meetings.ActionPlan, bool, error) {
	plan, ok := r.plans[localID]
	return plan, ok, nil
}

func (r *memRepo) UpdateActionPlan(ctx context.Context, plan meetings.ActionPlan) error {
	r.plans[plan.LocalID] = plan
	return nil
}

func (r *memRepo) InsertActionPlan(ctx context.Context, plan meetings.ActionPlan) (meetings.ActionPlan, error) {
	if _, exists := r.plans[plan.LocalID]; exists {
		return meetings.ActionPlan{}, fmt.Errorf("action plan %q already exists", plan.LocalID)
	}
	plan.ID = int64(len(r.plans) + 1)
	r.plans[plan.LocalID] = plan
	return plan, nil
}

// addMeeting stores a pending meeting built from the payload sections.
func (r *memRepo) addMeeting(t *testing.T, localID string, sections map[string]any, declaredSavings string) meetings.Meeting {
	t.Helper()
	r.nextID++
	m := meetings.Meeting{
		ID:                    r.nextID,
		LocalID:               localID,
		CycleID:               cycleID,
		GroupID:               groupID,
		MeetingDate:           meetingDay,
		MeetingNumber:         int(r.nextID),
		TotalSavingsCollected: decimal.RequireFromString(declaredSavings),
		Status:                meetings.StatusPending,
		CreatedByID:           actorID,
	}
	raw := func(key string) json.RawMessage {
		v, ok := sections[key]
		if !ok {
			return json.RawMessage(`[]`)
		}
		if s, ok := v.(string); ok {
			return json.RawMessage(s)
		}
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	m.AttendanceData = raw("attendance")
	m.TransactionsData = raw("transactions")
	m.SharePurchasesData = raw("shares")
	m.LoanRepaymentsData = raw("repayments")
	m.SocialFundContributionsData = raw("social_fund")
	m.LoansData = raw("loans")
	m.PreviousActionPlansData = raw("previous_plans")
	m.UpcomingActionPlansData = raw("upcoming_plans")
	r.meetings[m.ID] = m
	return m
}

func newDirectory() *directory.Memory {
	dir := directory.NewMemory()
	dir.AddMember(directory.Member{ID: memberA, Name: "Akello", GroupID: groupID})
	dir.AddMember(directory.Member{ID: memberB, Name: "Okot", GroupID: groupID})
	dir.AddMember(directory.Member{ID: outsider, Name: "Outsider", GroupID: 9})
	dir.AddCycle(directory.Cycle{
		ID:            cycleID,
		GroupID:       groupID,
		Name:          "2025",
		IsVSLACycle:   true,
		IsActiveCycle: true,
		ShareValue:    decimal.NewFromInt(2000),
		Status:        directory.CycleStatusOngoing,
	})
	return dir
}

type stubLock struct {
	err      error
	acquired []int64
	released int
}

func (l *stubLock) Acquire(ctx context.Context, groupID int64) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, groupID)
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

type harness struct {
	repo      *memRepo
	dir       *directory.Memory
	lock      *stubLock
	processor *meetings.Processor
}

func newHarness(t *testing.T, opts meetings.PipelineOptions) *harness {
	t.Helper()
	format := ledger.NewAmountFormatter("UGX")
	book := ledger.NewLoanBook(format)
	now := func() time.Time { return meetingDay.Add(18 * time.Hour) }
	book.WithNow(now)
	h := &harness{repo: newMemRepo(), dir: newDirectory(), lock: &stubLock{}}
	pipeline := meetings.NewPipeline(h.dir, book, format, opts, nil)
	h.processor = meetings.NewProcessor(h.repo, pipeline, h.lock, nil, nil)
	h.processor.WithNow(now)
	return h
}

func (h *harness) process(t *testing.T, id int64) meetings.Result {
	t.Helper()
	result, err := h.processor.Process(context.Background(), id, actorID)
	require.NoError(t, err)
	return result
}

func issueTypes(issues []meetings.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Type)
	}
	return out
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got.String())
}

var errBoom = errors.New("boom")
