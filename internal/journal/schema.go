package journal

import (
	"database/sql"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS ticks (
	       timestamp        INTEGER PRIMARY KEY,
	       produced_w       REAL NOT NULL,
	       consumed_w       REAL NOT NULL,
	       grid_w           REAL NOT NULL,
	       available_w      REAL NOT NULL,
	       state            TEXT NOT NULL,
	       command          TEXT NOT NULL,
	       reason           TEXT NOT NULL,
	       start_count      INTEGER NOT NULL,
	       stop_count       INTEGER NOT NULL,
	       gpu_busy         INTEGER NOT NULL CHECK (gpu_busy IN (0, 1)),
	       hashrate_hps     REAL NOT NULL DEFAULT 0,
	       daily_yield_kwh  REAL NOT NULL DEFAULT 0,
	       inverter_temp_c  REAL NOT NULL DEFAULT 0,
	       weather_temp_c   REAL NOT NULL DEFAULT 0,
	       cloud_cover_pct  REAL NOT NULL DEFAULT 0,
	       radiation_wm2    REAL NOT NULL DEFAULT 0
	   );
	   CREATE TABLE IF NOT EXISTS thermal (
	       id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp          INTEGER NOT NULL,
	       device_id          TEXT NOT NULL,
	       device_index       INTEGER NOT NULL,
	       core_temp_c        REAL NOT NULL,
	       vram_temp_c        REAL NOT NULL,
	       power_w            REAL NOT NULL,
	       utilization_pct    REAL NOT NULL,
	       fan_speed_pct      REAL NOT NULL,
	       tdp_before_percent INTEGER NOT NULL,
	       tdp_percent        INTEGER NOT NULL,
	       action             TEXT NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS idx_thermal_device_time
	       ON thermal (device_id, timestamp);`

	insertTickSQL = `
    INSERT INTO ticks (
        timestamp,
        produced_w, consumed_w, grid_w, available_w,
        state, command, reason,
        start_count, stop_count, gpu_busy,
        hashrate_hps, daily_yield_kwh, inverter_temp_c,
        weather_temp_c, cloud_cover_pct, radiation_wm2
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertThermalSQL = `
    INSERT INTO thermal (
        timestamp, device_id, device_index,
        core_temp_c, vram_temp_c, power_w,
        utilization_pct, fan_speed_pct,
        tdp_before_percent, tdp_percent, action
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates the tables and records the current version.
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Journal schema initialized")

	return nil
}

// GetSchemaVersion returns the stored schema version, or zero for a
// fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := tableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	return version, nil
}

// ValidateAndUpdateSchema initializes a fresh database and recreates
// the schema when the stored version does not match.
func ValidateAndUpdateSchema(db *sql.DB, log logger.Logger) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("Journal schema version is current")
		return nil
	}

	if version != 0 {
		log.Warn().Int("have", version).Int("want", SchemaVersion).
			Msg("Journal schema version mismatch, recreating")
		if err := dropTables(db, log); err != nil {
			return err
		}
	}

	return InitSchema(db, log)
}

func tableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().Wrap(ErrSchemaValidationFailed, err)
	}

	return exists, nil
}

func dropTables(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback drop tables")
			}
		}
	}()

	for _, table := range []string{"ticks", "thermal", "schema_versions"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errFactory.Wrap(ErrSchemaInitFailed, err).WithData(table)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	return nil
}
