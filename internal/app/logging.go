package app

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guardcall/internal/config"
	"github.com/petervdpas/guardcall/internal/logbuf"
)

var log = logging.Logger("app")

var formats = map[string]logging.LogFormat{
	"color":     logging.ColorizedOutput,
	"plaintext": logging.PlaintextOutput,
	"json":      logging.JSONOutput,
}

// setupLogging applies the log section and starts copying output into a
// ring buffer. The returned func detaches the buffer.
func setupLogging(c config.Log) (*logbuf.LogBuffer, func(), error) {
	level, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	format, ok := formats[c.Format]
	if !ok {
		format = logging.ColorizedOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  level,
		Stderr: true,
	})
	for name, lvl := range c.Subsystems {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			log.Warnf("log level for %s: %v", name, err)
		}
	}

	buf := logbuf.New(c.BufferLines)
	detach := buf.Attach(level)
	return buf, detach, nil
}
