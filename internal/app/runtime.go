package app

import (
	"os"
	"strconv"
)

// TestModeEnv makes the binaries return before dialling Postgres or Redis.
const TestModeEnv = "VSLA_TEST_MODE"

// InTestMode reports whether TestModeEnv holds a true value.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
