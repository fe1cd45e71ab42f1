package modbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// RegisterKind enumerates the four tables of the Modbus data model.
type RegisterKind uint8

// Register kind constants.
const (
	KindCoils RegisterKind = iota
	KindDiscreteInputs
	KindHoldingRegisters
	KindInputRegisters
	numRegisterKinds = 4
)

// registerKindNames are the names of the register kinds.
var registerKindNames = [numRegisterKinds]string{
	"Coils",
	"Discrete Inputs",
	"Holding Registers",
	"Input Registers",
}

// String renders this register kind as a string.
func (k RegisterKind) String() string {
	if int(k) < len(registerKindNames) {
		return registerKindNames[k]
	}
	return fmt.Sprintf("unknown register kind %d", k)
}

// IsWritable returns true if and only if a Modbus client may write this
// table. Discrete inputs and input registers are written by the server
// application only.
func (k RegisterKind) IsWritable() bool {
	return k == KindCoils || k == KindHoldingRegisters
}

// Storage is the data collaborator behind a Modbus server. Reads and
// writes beyond the declared capacity of a table are reported with
// ExceptionIllegalDataAddress. Implementations must be safe for use by
// concurrent connections.
//
// Unlike a Modbus client, the server application may write any table
// through this interface, including discrete inputs and input registers.
type Storage interface {
	// ReadBits reads count bit values from the given table, which must be
	// KindCoils or KindDiscreteInputs, starting at address start.
	ReadBits(kind RegisterKind, start uint16, count int) ([]bool, error)

	// WriteBits writes the given bit values to the given table, which must
	// be KindCoils or KindDiscreteInputs, starting at address start.
	WriteBits(kind RegisterKind, start uint16, values []bool) error

	// ReadRegisters reads count register values from the given table,
	// which must be KindHoldingRegisters or KindInputRegisters, starting
	// at address start.
	ReadRegisters(kind RegisterKind, start uint16, count int) ([]uint16, error)

	// WriteRegisters writes the given register values to the given table,
	// which must be KindHoldingRegisters or KindInputRegisters, starting
	// at address start.
	WriteRegisters(kind RegisterKind, start uint16, values []uint16) error
}

// storeOptions describes the MemoryStore configuration options.
type storeOptions struct {
	// capacity is the number of addressable elements per table. A zero
	// entry means the full address space.
	capacity [numRegisterKinds]int
}

// StoreOption describes an option to be passed to NewMemoryStore.
type StoreOption func(*storeOptions) error

// WithCapacity limits the given table to n addressable elements. The
// default is the full 65536-element address space.
func WithCapacity(kind RegisterKind, n int) StoreOption {
	return func(opt *storeOptions) error {
		if kind >= numRegisterKinds {
			return fmt.Errorf("unknown register kind %d", kind)
		}
		if n < 1 || n > 1<<16 {
			return fmt.Errorf("capacity %d outside [1,%d]", n, 1<<16)
		}
		if opt.capacity[kind] != 0 {
			return fmt.Errorf("duplicate capacity for %s", kind)
		}
		opt.capacity[kind] = n
		return nil
	}
}

// MemoryStore is an in-memory Storage holding the four Modbus data tables
// with a fixed capacity each. Each table is synchronized separately, so
// concurrent connections reading different tables do not contend.
type MemoryStore struct {
	// mx synchronizes the data tables, one mutex per table.
	mx [numRegisterKinds]sync.RWMutex

	coils          []bool
	discreteInputs []bool
	holding        []uint16
	input          []uint16
}

// NewMemoryStore returns a memory store with all elements initially zero.
func NewMemoryStore(opts ...StoreOption) (*MemoryStore, error) {
	localOpts := &storeOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	for i := range localOpts.capacity {
		if localOpts.capacity[i] == 0 {
			localOpts.capacity[i] = 1 << 16
		}
	}
	return &MemoryStore{
		coils:          make([]bool, localOpts.capacity[KindCoils]),
		discreteInputs: make([]bool, localOpts.capacity[KindDiscreteInputs]),
		holding:        make([]uint16, localOpts.capacity[KindHoldingRegisters]),
		input:          make([]uint16, localOpts.capacity[KindInputRegisters]),
	}, nil
}

// bitTable returns the bit table for the given kind together with its
// mutex.
func (s *MemoryStore) bitTable(
	kind RegisterKind,
) ([]bool, *sync.RWMutex, error) {
	switch kind {
	case KindCoils:
		return s.coils, &s.mx[KindCoils], nil
	case KindDiscreteInputs:
		return s.discreteInputs, &s.mx[KindDiscreteInputs], nil
	default:
		return nil, nil, fmt.Errorf("%s is not a bit table: %w",
			kind, ErrInvalidArgument)
	}
}

// wordTable returns the register table for the given kind together with
// its mutex.
func (s *MemoryStore) wordTable(
	kind RegisterKind,
) ([]uint16, *sync.RWMutex, error) {
	switch kind {
	case KindHoldingRegisters:
		return s.holding, &s.mx[KindHoldingRegisters], nil
	case KindInputRegisters:
		return s.input, &s.mx[KindInputRegisters], nil
	default:
		return nil, nil, fmt.Errorf("%s is not a register table: %w",
			kind, ErrInvalidArgument)
	}
}

// ReadBits implements Storage.
func (s *MemoryStore) ReadBits(
	kind RegisterKind, start uint16, count int,
) ([]bool, error) {
	table, mx, err := s.bitTable(kind)
	if err != nil {
		return nil, err
	}
	if count < 1 || int(start)+count > len(table) {
		return nil, ExceptionIllegalDataAddress
	}
	mx.RLock()
	defer mx.RUnlock()
	values := make([]bool, count)
	copy(values, table[start:])
	return values, nil
}

// WriteBits implements Storage.
func (s *MemoryStore) WriteBits(
	kind RegisterKind, start uint16, values []bool,
) error {
	table, mx, err := s.bitTable(kind)
	if err != nil {
		return err
	}
	if len(values) < 1 || int(start)+len(values) > len(table) {
		return ExceptionIllegalDataAddress
	}
	mx.Lock()
	defer mx.Unlock()
	copy(table[start:], values)
	return nil
}

// ReadRegisters implements Storage.
func (s *MemoryStore) ReadRegisters(
	kind RegisterKind, start uint16, count int,
) ([]uint16, error) {
	table, mx, err := s.wordTable(kind)
	if err != nil {
		return nil, err
	}
	if count < 1 || int(start)+count > len(table) {
		return nil, ExceptionIllegalDataAddress
	}
	mx.RLock()
	defer mx.RUnlock()
	values := make([]uint16, count)
	copy(values, table[start:])
	return values, nil
}

// WriteRegisters implements Storage.
func (s *MemoryStore) WriteRegisters(
	kind RegisterKind, start uint16, values []uint16,
) error {
	table, mx, err := s.wordTable(kind)
	if err != nil {
		return err
	}
	if len(values) < 1 || int(start)+len(values) > len(table) {
		return ExceptionIllegalDataAddress
	}
	mx.Lock()
	defer mx.Unlock()
	copy(table[start:], values)
	return nil
}

// SetInt16 sets a single register to a 2's complement signed 16-bit
// integer value, for server-side state updates.
func (s *MemoryStore) SetInt16(
	kind RegisterKind, addr uint16, value int16,
) error {
	return s.WriteRegisters(kind, addr, []uint16{uint16(value)})
}

// SetUint16 sets a single register, for server-side state updates.
func (s *MemoryStore) SetUint16(
	kind RegisterKind, addr uint16, value uint16,
) error {
	return s.WriteRegisters(kind, addr, []uint16{value})
}

// SetInt32 sets two registers to a 2's complement signed 32-bit integer
// value in the given encoding.
func (s *MemoryStore) SetInt32(
	kind RegisterKind, addr uint16, value int32, bo ByteOrder, wo WordOrder,
) error {
	return s.WriteRegisters(kind, addr, wordsFromUint32(uint32(value), bo, wo))
}

// SetUint32 sets two registers to an unsigned 32-bit integer value in the
// given encoding.
func (s *MemoryStore) SetUint32(
	kind RegisterKind, addr uint16, value uint32, bo ByteOrder, wo WordOrder,
) error {
	return s.WriteRegisters(kind, addr, wordsFromUint32(value, bo, wo))
}

// SetInt64 sets four registers to a 2's complement signed 64-bit integer
// value in the given encoding.
func (s *MemoryStore) SetInt64(
	kind RegisterKind, addr uint16, value int64, bo ByteOrder, wo WordOrder,
) error {
	return s.WriteRegisters(kind, addr, wordsFromUint64(uint64(value), bo, wo))
}

// SetUint64 sets four registers to an unsigned 64-bit integer value in
// the given encoding.
func (s *MemoryStore) SetUint64(
	kind RegisterKind, addr uint16, value uint64, bo ByteOrder, wo WordOrder,
) error {
	return s.WriteRegisters(kind, addr, wordsFromUint64(value, bo, wo))
}

// SetFloat32 sets two registers to a single-precision floating point
// value in the given encoding.
func (s *MemoryStore) SetFloat32(
	kind RegisterKind, addr uint16, value float32, bo ByteOrder, wo WordOrder,
) error {
	return s.WriteRegisters(kind, addr, wordsFromFloat32(value, bo, wo))
}

// SetFloat64 sets four registers to a double-precision floating point
// value in the given encoding.
func (s *MemoryStore) SetFloat64(
	kind RegisterKind, addr uint16, value float64, bo ByteOrder, wo WordOrder,
) error {
	return s.WriteRegisters(kind, addr, wordsFromFloat64(value, bo, wo))
}

// SetString sets the registers starting at addr to the given string, two
// bytes per register. A string of odd length is padded with a NUL byte.
func (s *MemoryStore) SetString(
	kind RegisterKind, addr uint16, value string, bo ByteOrder,
) error {
	if len(value) < 1 {
		return fmt.Errorf("empty string: %w", ErrInvalidArgument)
	}
	return s.WriteRegisters(kind, addr, wordsFromString(value, bo))
}

// StoreSnapshot is a consistent copy of all four tables of a MemoryStore.
type StoreSnapshot struct {
	Coils            []bool
	DiscreteInputs   []bool
	HoldingRegisters []uint16
	InputRegisters   []uint16
}

// Snapshot atomically copies all four tables, e. g. for monitoring or for
// persisting simulator state. The tables are locked together, so the copy
// is consistent even while clients are writing.
func (s *MemoryStore) Snapshot() *StoreSnapshot {
	lockers := make([]sync.Locker, numRegisterKinds)
	for i := range lockers {
		lockers[i] = s.mx[i].RLocker()
	}
	ml := multilocker.New(lockers...)
	ml.Lock()
	defer ml.Unlock()
	snap := &StoreSnapshot{
		Coils:            make([]bool, len(s.coils)),
		DiscreteInputs:   make([]bool, len(s.discreteInputs)),
		HoldingRegisters: make([]uint16, len(s.holding)),
		InputRegisters:   make([]uint16, len(s.input)),
	}
	copy(snap.Coils, s.coils)
	copy(snap.DiscreteInputs, s.discreteInputs)
	copy(snap.HoldingRegisters, s.holding)
	copy(snap.InputRegisters, s.input)
	return snap
}

// Restore atomically replaces the contents of all four tables with the
// given snapshot. Elements beyond the length of a snapshot table are
// zeroed, excess snapshot elements are dropped.
func (s *MemoryStore) Restore(snap *StoreSnapshot) {
	lockers := make([]sync.Locker, numRegisterKinds)
	for i := range lockers {
		lockers[i] = &s.mx[i]
	}
	ml := multilocker.New(lockers...)
	ml.Lock()
	defer ml.Unlock()
	restoreBits(s.coils, snap.Coils)
	restoreBits(s.discreteInputs, snap.DiscreteInputs)
	restoreWords(s.holding, snap.HoldingRegisters)
	restoreWords(s.input, snap.InputRegisters)
}

// restoreBits overwrites dst with src, zeroing any excess dst elements.
func restoreBits(dst, src []bool) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = false
	}
}

// restoreWords overwrites dst with src, zeroing any excess dst elements.
func restoreWords(dst, src []uint16) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// allStoreFunctions is the list of function codes served by StoreHandler.
var allStoreFunctions = [...]FunctionCode{
	FunctionReadCoils,
	FunctionReadDiscreteInputs,
	FunctionReadHoldingRegisters,
	FunctionReadInputRegisters,
	FunctionWriteSingleCoil,
	FunctionWriteSingleRegister,
	FunctionWriteMultipleCoils,
	FunctionWriteMultipleRegisters,
}

// StoreHandler turns a Storage into a FunctionHandler covering the eight
// data functions. Malformed requests and requests beyond the storage
// capacity are answered with the matching Modbus exception.
func StoreHandler(storage Storage) FunctionHandler {
	return func(ctx context.Context, request Message, srv *Server) ([]byte, error) {
		var p Parser
		adu := request.ADU()
		data := adu.Data()
		switch adu.Function() {
		case FunctionReadCoils:
			return storeReadBits(&p, storage, KindCoils, data)
		case FunctionReadDiscreteInputs:
			return storeReadBits(&p, storage, KindDiscreteInputs, data)
		case FunctionReadHoldingRegisters:
			return storeReadWords(&p, storage, KindHoldingRegisters, data)
		case FunctionReadInputRegisters:
			return storeReadWords(&p, storage, KindInputRegisters, data)
		case FunctionWriteSingleCoil:
			addr, value, err := p.ParseWriteSingleCoil(data)
			if err != nil {
				return nil, err
			}
			if err := storage.WriteBits(KindCoils, addr, []bool{value}); err != nil {
				return nil, err
			}
			return data, nil
		case FunctionWriteSingleRegister:
			addr, value, err := p.ParseWriteSingleRegister(data)
			if err != nil {
				return nil, err
			}
			err = storage.WriteRegisters(KindHoldingRegisters, addr,
				[]uint16{value})
			if err != nil {
				return nil, err
			}
			return data, nil
		case FunctionWriteMultipleCoils:
			start, values, err := p.ParseWriteMultipleCoils(data)
			if err != nil {
				return nil, err
			}
			if err := storage.WriteBits(KindCoils, start, values); err != nil {
				return nil, err
			}
			return data[:4], nil
		case FunctionWriteMultipleRegisters:
			start, values, err := p.ParseWriteMultipleRegisters(data)
			if err != nil {
				return nil, err
			}
			err = storage.WriteRegisters(KindHoldingRegisters, start, values)
			if err != nil {
				return nil, err
			}
			return data[:4], nil
		default:
			return nil, ExceptionIllegalFunction
		}
	}
}

// storeReadBits answers a ReadCoils or ReadDiscreteInputs request from
// the given storage.
func storeReadBits(
	p *Parser, storage Storage, kind RegisterKind, data []byte,
) ([]byte, error) {
	start, n, err := p.ParseReadBits(data)
	if err != nil {
		return nil, err
	}
	values, err := storage.ReadBits(kind, start, n)
	if err != nil {
		return nil, err
	}
	packed := packBits(values)
	response := make([]byte, 1, 1+len(packed))
	response[0] = byte(len(packed))
	return append(response, packed...), nil
}

// storeReadWords answers a ReadHoldingRegisters or ReadInputRegisters
// request from the given storage.
func storeReadWords(
	p *Parser, storage Storage, kind RegisterKind, data []byte,
) ([]byte, error) {
	start, n, err := p.ParseReadWords(data)
	if err != nil {
		return nil, err
	}
	values, err := storage.ReadRegisters(kind, start, n)
	if err != nil {
		return nil, err
	}
	response := make([]byte, 1, 1+2*n)
	response[0] = byte(2 * n)
	for _, v := range values {
		response = append(response, byte(v>>8), byte(v))
	}
	return response, nil
}

// AddStorageToServer registers a StoreHandler for the given storage in
// the specified server for the given unit and all eight data functions.
// It is permissible to add a single storage to multiple servers or units.
func AddStorageToServer(srv *Server, storage Storage, unit UnitID) error {
	if srv == nil {
		return fmt.Errorf("nil server: %w", ErrInvalidArgument)
	}
	if storage == nil {
		return fmt.Errorf("nil storage: %w", ErrInvalidArgument)
	}
	return srv.SetFunctionHandler(StoreHandler(storage), unit,
		allStoreFunctions[:]...)
}
