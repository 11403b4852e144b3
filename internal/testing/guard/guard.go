package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STOCKLANE_TEST_MODE") == "" {
			_ = os.Setenv("STOCKLANE_TEST_MODE", "1")
		}
	})
}
