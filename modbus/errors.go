package modbus

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is the sentinel wrapped by errors reported for
// requests rejected locally, before any transport I/O takes place
// (quantities out of range for the function code, addresses overflowing
// the 16-bit space, and the like).
var ErrInvalidArgument = errors.New("invalid argument")

// ConnectionError describes a failure of the underlying channel: the port
// or socket could not be opened, was closed mid-exchange, or has been
// poisoned by an earlier fault. The transport must be reopened before it
// can be used again.
type ConnectionError struct {
	// Op names the operation which failed ("open", "write", "read", ...).
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// Error returns a textual representation of this connection error.
func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "Modbus connection error during " + e.Op
	}
	return fmt.Sprintf("Modbus connection error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause of this connection error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError describes a response which did not arrive within the
// configured time window. The request may nevertheless have been executed
// by the device. The engine never retries on its own.
type TimeoutError struct {
	// Op names the stage which timed out.
	Op string
}

// Error returns a textual representation of this timeout.
func (e *TimeoutError) Error() string {
	return "Modbus timeout during " + e.Op
}

// Timeout reports this error as a timeout, following the net.Error
// convention.
func (e *TimeoutError) Timeout() bool {
	return true
}

// CRCError describes a checksum mismatch on a received RTU or ASCII
// frame. Want is the checksum computed over the frame contents, Got the
// checksum the frame carried. For ASCII frames, both values fit in the
// low byte.
type CRCError struct {
	Want, Got uint16
}

// Error returns a textual representation of this checksum mismatch.
func (e *CRCError) Error() string {
	return fmt.Sprintf("Modbus checksum mismatch: computed %04X, received %04X",
		e.Want, e.Got)
}

// InvalidResponseError describes a response which was received intact but
// is structurally broken or does not belong to the request: wrong
// function code echo, inconsistent byte count, bad MBAP fields, or a
// stray transaction identifier.
type InvalidResponseError struct {
	// Reason describes the defect.
	Reason string
}

// Error returns a textual representation of this response defect.
func (e *InvalidResponseError) Error() string {
	return "invalid Modbus response: " + e.Reason
}

// ExceptionCode describes a Modbus exception response code: the device
// received the request but refused to execute it. On the client side an
// ExceptionCode is returned as the error of the failed operation; on the
// server side function handlers return it to reject a request.
type ExceptionCode uint8

// Exception code constants.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// exceptionStrings maps known exceptions to a textual representation.
var exceptionStrings = map[ExceptionCode]string{
	ExceptionIllegalFunction:                    "illegal function",
	ExceptionIllegalDataAddress:                 "illegal data address",
	ExceptionIllegalDataValue:                   "illegal data value",
	ExceptionServerDeviceFailure:                "server device failure",
	ExceptionAcknowledge:                        "acknowledge",
	ExceptionServerDeviceBusy:                   "server device busy",
	ExceptionMemoryParityError:                  "memory parity error",
	ExceptionGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionGatewayTargetDeviceFailedToRespond: "gateway target failed to respond",
}

// Error returns a textual representation of the exception represented by
// this exception code.
func (ec ExceptionCode) Error() string {
	s, ok := exceptionStrings[ec]
	if !ok {
		s = fmt.Sprintf("unknown exception %02X", uint8(ec))
	}
	return "Modbus exception: " + s
}
