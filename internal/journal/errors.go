package journal

import "codeberg.org/helioz/solarminerctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidDBPath = errors.ErrorCode("journal_invalid_db_path")

	// Storage Errors
	ErrStorageInit       = errors.ErrorCode("journal_storage_init_failed")
	ErrStorageClose      = errors.ErrorCode("journal_storage_close_failed")
	ErrTransactionFailed = errors.ErrorCode("journal_transaction_failed")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("journal_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("journal_schema_validation_failed")

	// Operation Errors
	ErrInvalidRecord    = errors.ErrorCode("journal_invalid_record")
	ErrOperationTimeout = errors.ErrorCode("journal_operation_timeout")
	ErrServiceShutdown  = errors.ErrorCode("journal_service_shutdown_failed")
)
