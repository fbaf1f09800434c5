package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger logs to stdout for the duration of the test. Goroutines that
// outlive the test log nowhere.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "["+t.Name()+"] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
