package uci

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// PackageName is the UCI package holding the daemon configuration
const PackageName = "precision"

// UCI reads configuration through the uci command line tool
type UCI struct {
	logger *logx.Logger
	exec   func(ctx context.Context, args ...string) ([]byte, error)
}

// NewUCI creates a new UCI client
func NewUCI(logger *logx.Logger) *UCI {
	return &UCI{
		logger: logger,
		exec: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "uci", args...).Output()
		},
	}
}

// LoadConfig loads the configuration from the committed UCI package
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	output, err := u.Export(ctx)
	if err != nil {
		return nil, err
	}
	return parseExport(output)
}

func parseExport(output string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.parseUCI([]byte(output)); err != nil {
		return nil, fmt.Errorf("failed to parse UCI export: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Export returns the package in UCI text form
func (u *UCI) Export(ctx context.Context) (string, error) {
	return u.execUCI(ctx, "export", PackageName)
}

// ValidateUCI checks if UCI is available and working
func (u *UCI) ValidateUCI(ctx context.Context) error {
	if _, err := u.execUCI(ctx, "-V"); err != nil {
		return fmt.Errorf("UCI is not available: %w", err)
	}
	return nil
}

// execUCI executes a UCI command
func (u *UCI) execUCI(ctx context.Context, args ...string) (string, error) {
	output, err := u.exec(ctx, args...)
	if err != nil {
		u.logger.Debug("UCI command failed", "command", "uci "+strings.Join(args, " "), "error", err)
		return "", fmt.Errorf("uci command failed: %w", err)
	}
	return string(output), nil
}

// Load resolves the daemon configuration: an explicit path wins, otherwise
// the UCI package is tried before falling back to the default file
func Load(ctx context.Context, path string, logger *logx.Logger) (*Config, error) {
	if path != "" && path != DefaultConfigPath {
		return LoadConfig(path)
	}

	output, err := NewUCI(logger).Export(ctx)
	if err != nil {
		logger.Debug("UCI unavailable, reading config file", "path", DefaultConfigPath, "error", err)
		return LoadConfig(DefaultConfigPath)
	}
	return parseExport(output)
}
