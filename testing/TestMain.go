// Package testing is imported for its side effect: it puts the process in test
// mode and supplies the configuration LoadConfig requires.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var testDefaults = map[string]string{
	"RECONCILER_TEST_MODE":     "1",
	"MATCH_HARD_TOLERANCE_PCT": "5",
	"LOCK_BACKEND":             "local",
}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		for key, value := range testDefaults {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain lets packages delegate their own TestMain here.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
