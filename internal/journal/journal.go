package journal

import (
	"context"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

type Config struct {
	Enabled bool
	DBPath  string
}

type service struct {
	repo Repository
}

type noopJournal struct{}

// NewService returns a Journal. When disabled, a no-op journal is
// returned so callers never branch on the setting.
func NewService(cfg Config, log logger.Logger) (Journal, error) {
	errFactory := errors.New()

	if !cfg.Enabled {
		logger.Debug().Msg("Journal disabled, using no-op journal")
		return &noopJournal{}, nil
	}

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	repo, err := NewRepository(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo}, nil
}

func (s *service) RecordTick(ctx context.Context, record *TickRecord) error {
	errFactory := errors.New()

	if record == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		return s.repo.RecordTick(record)
	}
}

func (s *service) RecordThermal(ctx context.Context, record *ThermalRecord) error {
	errFactory := errors.New()

	if record == nil {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		return s.repo.RecordThermal(record)
	}
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}

	return nil
}

func (*noopJournal) RecordTick(context.Context, *TickRecord) error       { return nil }
func (*noopJournal) RecordThermal(context.Context, *ThermalRecord) error { return nil }
func (*noopJournal) Close() error                                        { return nil }
