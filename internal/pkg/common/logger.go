package common

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
)

func NewLogger(i do.Injector) (zerolog.Logger, error) {
	level := do.MustInvokeNamed[string](i, "log-level")

	return BuildLogger(level, os.Stderr)
}

// BuildLogger returns a root logger writing JSON lines to w.
func BuildLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level %q: %w", level, err)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
