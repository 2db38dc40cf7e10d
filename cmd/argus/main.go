// Argus - Cloud Security Posture Decision Engine
// Record. Evaluate. Enforce.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/argus/internal/config"
	"github.com/yairfalse/argus/telemetry"
)

func main() {
	Execute()
}

// setupLogging configures the global logger and the output of component
// loggers created afterwards.
func setupLogging(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", lc.Level, err)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(level)

	if lc.Format == "console" {
		w := zerolog.ConsoleWriter{Out: os.Stderr}
		log.Logger = log.Output(w)
		telemetry.SetOutput(w)
		return nil
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	telemetry.SetOutput(os.Stderr)
	return nil
}
