package gateway

import (
	"errors"
	"fmt"
)

// ErrTradeShaMismatch is returned when a notify TradeSha does not match its TradeInfo
var ErrTradeShaMismatch = errors.New("trade sha mismatch")

// ErrInvalidCloseType is returned for a close type other than capture or refund
var ErrInvalidCloseType = errors.New("invalid close type")

// CodecError reports a cryptographic failure. It means the local secrets and
// the gateway disagree and must never be swallowed.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// GatewayError reports a failed call to the gateway: transport, HTTP status,
// response shape or a non-SUCCESS status in the body.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
	Temporary  bool
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(": %s", e.Code)
	}
	if e.Message != "" {
		msg += fmt.Sprintf(": %s", e.Message)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsCodecError reports whether err is or wraps a CodecError
func IsCodecError(err error) bool {
	var codecErr *CodecError
	return errors.As(err, &codecErr)
}

// IsGatewayError reports whether err is or wraps a GatewayError
func IsGatewayError(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr)
}
