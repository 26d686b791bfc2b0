package miner

import "codeberg.org/helioz/solarminerctl/internal/errors"

const (
	// API Errors
	ErrUnreachable   = errors.ErrorCode("miner_unreachable")
	ErrAPIError      = errors.ErrorCode("miner_api_error")
	ErrInvalidDevice = errors.ErrorCode("miner_invalid_device")

	// Process Errors
	ErrAlreadyRunning = errors.ErrorCode("miner_already_running")
	ErrBinaryNotFound = errors.ErrorCode("miner_binary_not_found")
	ErrStartTimeout   = errors.ErrorCode("miner_start_timeout")
)
