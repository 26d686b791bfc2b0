package lifecycle

import "codeberg.org/helioz/solarminerctl/internal/errors"

const (
	ErrStartExhausted = errors.ErrorCode("lifecycle_start_retries_exhausted")
	ErrRestartFailed  = errors.ErrorCode("lifecycle_restart_failed")
)
