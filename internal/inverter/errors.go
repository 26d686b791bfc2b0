package inverter

import "codeberg.org/helioz/solarminerctl/internal/errors"

const (
	// Connection Errors
	ErrUnreachable   = errors.ErrorCode("inverter_unreachable")
	ErrReadTimeout   = errors.ErrorCode("inverter_read_timeout")
	ErrProtocolError = errors.ErrorCode("inverter_protocol_error")

	// Data Errors
	ErrShortResponse = errors.ErrorCode("inverter_short_response")
)
