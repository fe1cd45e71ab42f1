package modbus

// FunctionCode describes a Modbus function code.
type FunctionCode uint8

// Function code constants for the supported data functions.
const (
	FunctionReadCoils              FunctionCode = 1
	FunctionReadDiscreteInputs     FunctionCode = 2
	FunctionReadHoldingRegisters   FunctionCode = 3
	FunctionReadInputRegisters     FunctionCode = 4
	FunctionWriteSingleCoil        FunctionCode = 5
	FunctionWriteSingleRegister    FunctionCode = 6
	FunctionWriteMultipleCoils     FunctionCode = 15
	FunctionWriteMultipleRegisters FunctionCode = 16
)

// FunctionError is the bit in the function code which determines
// whether the function was successful or not.
const FunctionError FunctionCode = 0x80

// IsError determines whether this function code is from an error
// response.
func (fc FunctionCode) IsError() bool {
	return fc&FunctionError != 0
}

// AsError returns this function code with the error response bit set.
func (fc FunctionCode) AsError() FunctionCode {
	return fc | FunctionError
}
