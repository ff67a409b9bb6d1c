// Package guard switches binaries into test mode when a test imports it, so
// nothing dials Postgres or Redis.
package guard

import "os"

func init() {
	if _, ok := os.LookupEnv("VSLA_TEST_MODE"); !ok {
		_ = os.Setenv("VSLA_TEST_MODE", "1")
	}
}
