package journal

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultDirPerm = 0o755

	batchSize    = 16
	batchTimeout = 60 * time.Second
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	mu            sync.Mutex
	tickBuffer    []*TickRecord
	thermalBuffer []*ThermalRecord
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewRepository opens the sqlite database, validates the schema and
// starts the background flusher.
func NewRepository(dbPath string, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if dbPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err).WithData(dbPath)
	}

	dsn := dbPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := ValidateAndUpdateSchema(db, log); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", dbPath).
		Int("schema_version", SchemaVersion).
		Msg("Journal repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		tickBuffer:    make([]*TickRecord, 0, batchSize),
		thermalBuffer: make([]*ThermalRecord, 0, batchSize),
		flushTicker:   time.NewTicker(batchTimeout),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}
	go repo.flusher()

	return repo, nil
}

func (r *repository) RecordTick(record *TickRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tickBuffer = append(r.tickBuffer, record)
	if len(r.tickBuffer) >= batchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) RecordThermal(record *ThermalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.thermalBuffer = append(r.thermalBuffer, record)
	if len(r.thermalBuffer) >= batchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Close() error {
	close(r.shutdownChan)
	r.flushTicker.Stop()
	<-r.flushDoneChan

	errFactory := errors.New()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	if err := r.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	r.logger.Info().Msg("Journal repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic journal flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Final journal flush failed")
			}
			r.mu.Unlock()
			return
		}
	}
}

// flush writes both buffers in one transaction. Caller holds the lock.
func (r *repository) flush() error {
	if len(r.tickBuffer) == 0 && len(r.thermalBuffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	if err := r.flushTicks(tx); err != nil {
		r.rollback(tx)
		return err
	}
	if err := r.flushThermal(tx); err != nil {
		r.rollback(tx)
		return err
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().
		Int("ticks", len(r.tickBuffer)).
		Int("thermal", len(r.thermalBuffer)).
		Msg("Flushed journal to database")

	r.tickBuffer = r.tickBuffer[:0]
	r.thermalBuffer = r.thermalBuffer[:0]

	return nil
}

func (r *repository) flushTicks(tx *sql.Tx) error {
	if len(r.tickBuffer) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(insertTickSQL)
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, record := range r.tickBuffer {
		if _, err := stmt.Exec(
			record.Timestamp.Unix(),
			record.ProducedW, record.ConsumedW, record.GridW, record.AvailableW,
			record.State, record.Command, record.Reason,
			int64(record.StartCount), int64(record.StopCount),
			int64(boolToInt(record.GPUBusy)),
			record.HashrateHps, record.DailyYieldKWh, record.InverterTempC,
			record.WeatherTempC, record.CloudCoverPct, record.RadiationWm2,
		); err != nil {
			return errors.New().Wrap(ErrTransactionFailed, err)
		}
	}

	return nil
}

func (r *repository) flushThermal(tx *sql.Tx) error {
	if len(r.thermalBuffer) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(insertThermalSQL)
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, record := range r.thermalBuffer {
		if _, err := stmt.Exec(
			record.Timestamp.Unix(),
			record.DeviceID, int64(record.DeviceIndex),
			record.CoreTempC, record.VRAMTempC, record.PowerW,
			record.UtilizationPct, record.FanSpeedPct,
			int64(record.TDPBeforePercent), int64(record.TDPPercent), record.Action,
		); err != nil {
			return errors.New().Wrap(ErrTransactionFailed, err)
		}
	}

	return nil
}

func (r *repository) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		r.logger.Error().Err(err).Msg("Failed to roll back transaction")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
