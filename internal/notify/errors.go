package notify

import "codeberg.org/helioz/solarminerctl/internal/errors"

const (
	ErrSendFailed  = errors.ErrorCode("notify_send_failed")
	ErrSMTPConnect = errors.ErrorCode("notify_smtp_connect_failed")
	ErrSMTPAuth    = errors.ErrorCode("notify_smtp_auth_failed")
)
