package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryLookupReportsMissingWithoutError(t *testing.T) {
	dir := NewMemory()
	dir.AddMember(Member{ID: 2, GroupID: 1, Name: "Amina"})
	dir.AddMember(Member{ID: 1, GroupID: 1, Name: "Okello"})
	dir.AddMember(Member{ID: 3, GroupID: 9, Name: "Other"})
	dir.AddCycle(Cycle{ID: 5, GroupID: 1, IsVSLACycle: true, IsActiveCycle: true, Status: CycleStatusOngoing})

	_, ok, err := dir.FindMember(context.Background(), 77)
	require.NoError(t, err)
	require.False(t, ok)

	members, err := dir.ListGroupMembers(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, int64(1), members[0].ID)

	require.NoError(t, dir.CloseCycle(context.Background(), 5))
	cycle, ok, err := dir.FindCycle(context.Background(), 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, cycle.IsActiveCycle)
	require.Equal(t, CycleStatusCompleted, cycle.Status)

	require.ErrorIs(t, dir.CloseCycle(context.Background(), 6), ErrCycleNotFound)
}
