// Package testing marks the process as a test run when imported, so binaries
// and routers skip startup work that needs real infrastructure.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// Env holds the variables applied to test processes. Values already present
// in the environment win, except ODYSSEY_TEST_MODE which is always forced.
var Env = map[string]string{
	"APP_ENV":    "test",
	"LOG_FORMAT": "json",
}

var applyOnce sync.Once

func apply() {
	applyOnce.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		for key, value := range Env {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	apply()
}

// TestMain lets packages delegate their own TestMain here.
func TestMain(m *stdtesting.M) {
	apply()
	os.Exit(m.Run())
}
