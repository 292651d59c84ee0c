// Package guard forces test mode so that binaries imported by tests skip runtime startup.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode is read by app.InTestMode.
const EnvTestMode = "ORDERFLOW_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
	})
}
