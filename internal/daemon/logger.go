package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const daemonLogName = "daemon.log"

// NewLogger opens the daemon log under stateDir, truncating the previous
// run's file. Every start gets a clean log; per-request history lives in the
// diagnostics tree instead.
func NewLogger(stateDir string, debug bool) (*zap.Logger, string, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("creating state dir: %w", err)
	}
	logPath := filepath.Join(stateDir, daemonLogName)

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("opening daemon log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level)
	return zap.New(core), logPath, nil
}
