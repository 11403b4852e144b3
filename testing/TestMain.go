// Package testing forces test mode before any runtime code runs. Test files
// blank-import it so a stray constructor can never touch real infrastructure.
package testing

import (
	"os"
	stdtesting "testing"

	_ "github.com/stocklane/stocklane/internal/testing/guard"
)

func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
