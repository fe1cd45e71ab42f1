package modbus

// UnitID describes a Modbus unit identifier. The UnitID identifies a Modbus
// server device.
type UnitID uint8

// Unit identifier constants.
const (
	// UnitBroadcast is the unit identifier used for broadcasts over a serial
	// line.
	UnitBroadcast UnitID = 0

	// UnitIndividualMin is the minimum valid unit ID for an individual serial
	// Modbus device.
	UnitIndividualMin UnitID = 1

	// UnitIndividualMax is the maximum valid unit ID for an individual serial
	// Modbus device.
	UnitIndividualMax UnitID = 247

	// UnitTCP is the unit identifier conventionally used for a Modbus/TCP
	// device addressed directly rather than through a gateway.
	UnitTCP UnitID = 255
)

// IsValidSerial checks whether this unit identifier is valid for
// an individual serial Modbus device.
func (uid UnitID) IsValidSerial() bool {
	return uid >= UnitIndividualMin && uid <= UnitIndividualMax
}

// IsValid checks whether this unit identifier is valid, either for broadcasts
// over a serial line, for an individual serial Modbus device, or for a
// Modbus/TCP server.
func (uid UnitID) IsValid() bool {
	return uid == UnitTCP || uid <= UnitIndividualMax
}

// ADU describes a Modbus application data unit.
type ADU interface {
	// UnitID returns the unit identifier.
	UnitID() UnitID

	// Function returns the function code of the called function.
	Function() FunctionCode

	// Data returns the request data (protocol data unit without function code).
	Data() []byte
}

// Address describes a Modbus low-level address.
type Address interface {
	// Protocol returns the low-level protocol associated with the address, e. g.,
	// "mbap", "mbaps", "rtu", or "ascii".
	Protocol() string

	// String returns a string representation of the address.
	String() string
}

// Message describes a Modbus message (i. e., ADU and its provenance).
type Message interface {
	// From returns the low level address of the sender of this message.
	From() Address

	// To returns the low level address of the receiver of this message.
	To() Address

	// ADU returns the application data unit.
	ADU() ADU
}

// Listener describes a Modbus listener.
type Listener interface {
	// Close closes the listener, stopping it from accepting new requests
	// and, for connection-based protocols, closing existing connections as well.
	Close() error
}
