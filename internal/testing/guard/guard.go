// Package guard forces test mode on for any test binary that imports it,
// so package init code never starts real runtime side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STEWARD_TEST_MODE") == "" {
			_ = os.Setenv("STEWARD_TEST_MODE", "1")
		}
	})
}
