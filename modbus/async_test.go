package modbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAsyncTransport is the context-aware counterpart of mockTransport.
type mockAsyncTransport struct {
	mx     sync.Mutex
	opened bool
	calls  []PDU

	reply func(ctx context.Context, unit UnitID, req PDU) (PDU, error)
}

// Open implements AsyncTransport.
func (m *mockAsyncTransport) Open(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.opened = true
	return nil
}

// Close implements AsyncTransport.
func (m *mockAsyncTransport) Close() error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.opened = false
	return nil
}

// IsOpen implements AsyncTransport.
func (m *mockAsyncTransport) IsOpen() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.opened
}

// Exchange implements AsyncTransport.
func (m *mockAsyncTransport) Exchange(
	ctx context.Context, unit UnitID, req PDU,
) (PDU, error) {
	m.mx.Lock()
	m.calls = append(m.calls, req)
	reply := m.reply
	m.mx.Unlock()
	if reply == nil {
		return PDU{}, &TimeoutError{Op: "read"}
	}
	return reply(ctx, unit, req)
}

// callCount returns the number of exchanges seen so far.
func (m *mockAsyncTransport) callCount() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.calls)
}

// asyncBankTransport adapts bankTransport to the context-aware interface.
func asyncBankTransport() *mockAsyncTransport {
	bank := bankTransport()
	return &mockAsyncTransport{
		reply: func(ctx context.Context, unit UnitID, req PDU) (PDU, error) {
			return bank.reply(unit, req)
		},
	}
}

func TestNewAsyncClientValidation(t *testing.T) {
	_, err := NewAsyncClient(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewAsyncClient(&mockAsyncTransport{}, WithByteOrder(7))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

// TestAsyncClientCallbackFiresOnce checks the completion contract: the
// callback is invoked exactly once, with the same typed result the call
// returns, before control comes back to the caller.
func TestAsyncClientCallbackFiresOnce(t *testing.T) {
	transport := &mockAsyncTransport{
		reply: func(ctx context.Context, unit UnitID, req PDU) (PDU, error) {
			return PDU{
				Function: FunctionReadHoldingRegisters,
				Data:     []byte{0x04, 0x02, 0x2B, 0x00, 0x64},
			}, nil
		},
	}
	c, err := NewAsyncClient(transport)
	require.NoError(t, err)

	var (
		fired    int
		notified []uint16
	)
	values, err := c.ReadHoldingRegisters(context.Background(), 1, 0x6B, 2,
		func(values []uint16, err error) {
			fired++
			notified = values
			assert.NoError(t, err)
		})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []uint16{0x022B, 0x0064}, values)
	assert.Equal(t, values, notified)
}

func TestAsyncClientNilCallback(t *testing.T) {
	c, err := NewAsyncClient(asyncBankTransport())
	require.NoError(t, err)
	require.NoError(t, c.WriteSingleRegister(context.Background(), 1, 4, 0xABCD, nil))
	values, err := c.ReadHoldingRegisters(context.Background(), 1, 4, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xABCD}, values)
}

// TestAsyncClientCallbackOnValidationError checks that a locally rejected
// request still completes its callback, with zero transport exchanges.
func TestAsyncClientCallbackOnValidationError(t *testing.T) {
	transport := &mockAsyncTransport{}
	c, err := NewAsyncClient(transport)
	require.NoError(t, err)

	var fired int
	_, err = c.ReadHoldingRegisters(context.Background(), 1, 0, 126,
		func(values []uint16, err error) {
			fired++
			assert.Nil(t, values)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1, fired)
	assert.Zero(t, transport.callCount())
}

func TestAsyncClientContextDeadline(t *testing.T) {
	transport := &mockAsyncTransport{
		reply: func(ctx context.Context, unit UnitID, req PDU) (PDU, error) {
			<-ctx.Done()
			return PDU{}, &TimeoutError{Op: "read"}
		},
	}
	c, err := NewAsyncClient(transport)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ReadCoils(ctx, 1, 0, 1, nil)
	var timeErr *TimeoutError
	assert.ErrorAs(t, err, &timeErr)
	assert.Equal(t, 1, transport.callCount())
}

func TestAsyncClientWriteCallbacks(t *testing.T) {
	c, err := NewAsyncClient(asyncBankTransport())
	require.NoError(t, err)
	ctx := context.Background()

	var fired int
	done := func(err error) {
		fired++
		assert.NoError(t, err)
	}
	require.NoError(t, c.WriteMultipleRegisters(ctx, 1, 0, []uint16{1, 2, 3}, done))
	require.NoError(t, c.WriteFloat32(ctx, 1, 10, 25.6, done))
	require.NoError(t, c.WriteFloat64(ctx, 1, 12, 2.5, done))
	require.NoError(t, c.WriteInt32(ctx, 1, 16, -42, done))
	require.NoError(t, c.WriteUint32(ctx, 1, 18, 42, done))
	require.NoError(t, c.WriteString(ctx, 1, 20, "ok", done))
	assert.Equal(t, 6, fired)
}

func TestAsyncClientExtendedReads(t *testing.T) {
	c, err := NewAsyncClient(asyncBankTransport())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.WriteFloat32(ctx, 1, 20, 25.6, nil))
	var notified float32
	f32, err := c.ReadFloat32(ctx, 1, 20, func(v float32, err error) {
		notified = v
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.InDelta(t, 25.6, f32, 1e-5)
	assert.Equal(t, f32, notified)

	require.NoError(t, c.WriteFloat64(ctx, 1, 24, 6.02e23, nil))
	f64, err := c.ReadFloat64(ctx, 1, 24, nil)
	require.NoError(t, err)
	assert.Equal(t, 6.02e23, f64)

	require.NoError(t, c.WriteInt32(ctx, 1, 30, -77, nil))
	i32, err := c.ReadInt32(ctx, 1, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(-77), i32)

	require.NoError(t, c.WriteUint32(ctx, 1, 32, 0xCAFEBABE, nil))
	u32, err := c.ReadUint32(ctx, 1, 32, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), u32)

	require.NoError(t, c.WriteString(ctx, 1, 40, "async", nil))
	s, err := c.ReadString(ctx, 1, 40, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, "async", s)
}

func TestAsyncClientSetEncoding(t *testing.T) {
	c, err := NewAsyncClient(asyncBankTransport())
	require.NoError(t, err)
	require.NoError(t, c.SetEncoding(LittleEndian, LowWordFirst))
	ctx := context.Background()

	require.NoError(t, c.WriteUint32(ctx, 1, 0, 0x12345678, nil))
	words, err := c.ReadHoldingRegisters(ctx, 1, 0, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x7856, 0x3412}, words)

	assert.ErrorIs(t, c.SetEncoding(9, HighWordFirst), ErrInvalidArgument)
}
