package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/vsla-platform/vsla-ledger/internal/testing/guard"
)

func TestInTestModeFollowsEnvironment(t *testing.T) {
	require.True(t, InTestMode())

	t.Setenv(TestModeEnv, "0")
	require.False(t, InTestMode())

	t.Setenv(TestModeEnv, "true")
	require.True(t, InTestMode())

	t.Setenv(TestModeEnv, "maybe")
	require.False(t, InTestMode())
}
