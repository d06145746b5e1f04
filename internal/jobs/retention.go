// Package jobs holds the scheduled maintenance work of the server.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultRetentionInterval = 24 * time.Hour
	DefaultExpiryInterval    = 24 * time.Hour
)

type Config struct {
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	ExpiryInterval    time.Duration `mapstructure:"expiry_interval"`
}

// Cleaner is a collaborator with expired state to discard.
type Cleaner interface {
	CleanUp(ctx context.Context) error
}

type namedCleaner struct {
	name    string
	cleaner Cleaner
}

// RetentionSweeper runs every registered Cleaner. A failing or panicking
// target does not keep the others from running.
type RetentionSweeper struct {
	targets []namedCleaner
}

func NewRetentionSweeper() *RetentionSweeper {
	return &RetentionSweeper{}
}

func (s *RetentionSweeper) Register(name string, cleaner Cleaner) *RetentionSweeper {
	s.targets = append(s.targets, namedCleaner{name: name, cleaner: cleaner})
	return s
}

func (s *RetentionSweeper) Run(ctx context.Context) error {
	var errs []error
	for _, target := range s.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runCleaner(ctx, target); err != nil {
			slog.Error("Cleanup target failed", "target", target.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target.name, err))
		}
	}
	return errors.Join(errs...)
}

func runCleaner(ctx context.Context, target namedCleaner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return target.cleaner.CleanUp(ctx)
}
