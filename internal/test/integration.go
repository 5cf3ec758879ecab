package test

import (
	"os"
	"testing"
)

// Integration skips t unless BOSSWORKER_INTEGRATION is set.
// Integration tests spawn real worker processes and deliver real signals to them.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("BOSSWORKER_INTEGRATION") == "" {
		t.Skip("skipping integration test, set BOSSWORKER_INTEGRATION=1 to run")
	}
}
