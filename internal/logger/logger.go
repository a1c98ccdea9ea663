package logger

import (
	"log"

	"go.uber.org/zap"
)

// Log is the shared application logger. It defaults to a no-op logger so
// packages can log safely before InitLogger runs (tests in particular).
var Log = zap.NewNop()

// InitLogger replaces the no-op logger with a production zap logger.
func InitLogger() {
	l, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	Log = l
}
