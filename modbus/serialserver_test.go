package modbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveTestSerial starts a serial listener over an in-memory pipe and
// returns a client core bound to the other end.
func serveTestSerial(
	t *testing.T, srv *Server, framing serialFraming,
	serve func(*Server, net.Conn, ...SerialOption) (*SerialListener, error),
	opts ...SerialOption,
) *serialCore {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	l, err := serve(srv, serverEnd, opts...)
	require.NoError(t, err)
	core, err := newSerialCore(SerialConfig{
		Device:   "pipe",
		BaudRate: 115200,
	}, framing, []TransportOption{
		WithExchangeTimeout(500 * time.Millisecond),
	})
	require.NoError(t, err)
	core.link = clientEnd
	core.opened = true
	t.Cleanup(func() {
		l.Close()
		clientEnd.Close()
	})
	return core
}

func TestServeRTUEndToEnd(t *testing.T) {
	srv, _ := storeServer(t)
	tr := &RTUTransport{core: serveTestSerial(t, srv, rtuFraming{}, ServeRTU,
		WithUnits(1))}
	c, err := NewClient(tr)
	require.NoError(t, err)

	require.NoError(t, c.WriteSingleRegister(1, 0, 0xABCD))
	values, err := c.ReadHoldingRegisters(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xABCD}, values)

	require.NoError(t, c.WriteMultipleCoils(1, 0, []bool{true, true, false, true}))
	bits, err := c.ReadCoils(1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false, true}, bits)

	require.NoError(t, c.WriteFloat32(1, 10, 25.6))
	f32, err := c.ReadFloat32(1, 10)
	require.NoError(t, err)
	assert.InDelta(t, 25.6, f32, 1e-5)

	_, err = c.ReadHoldingRegisters(1, 30, 5)
	assert.ErrorIs(t, err, ExceptionIllegalDataAddress)
}

func TestServeASCIIEndToEnd(t *testing.T) {
	srv, _ := storeServer(t)
	tr := &ASCIITransport{core: serveTestSerial(t, srv, asciiFraming{},
		ServeASCII, WithUnits(1))}
	c, err := NewClient(tr)
	require.NoError(t, err)

	require.NoError(t, c.WriteSingleRegister(1, 2, 0x5566))
	values, err := c.ReadHoldingRegisters(1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x5566}, values)

	_, err = c.ReadCoils(1, 30, 5)
	assert.ErrorIs(t, err, ExceptionIllegalDataAddress)
}

// TestServeRTUBroadcast checks that a broadcast write reaches every
// configured unit and is never answered.
func TestServeRTUBroadcast(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	store1, err := NewMemoryStore()
	require.NoError(t, err)
	store2, err := NewMemoryStore()
	require.NoError(t, err)
	require.NoError(t, AddStorageToServer(srv, store1, 1))
	require.NoError(t, AddStorageToServer(srv, store2, 2))
	tr := &RTUTransport{core: serveTestSerial(t, srv, rtuFraming{}, ServeRTU,
		WithUnits(1, 2))}
	c, err := NewClient(tr)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.WriteSingleCoil(UnitBroadcast, 3, true))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Eventually(t, func() bool {
		v1, err1 := store1.ReadBits(KindCoils, 3, 1)
		v2, err2 := store2.ReadBits(KindCoils, 3, 1)
		return err1 == nil && err2 == nil && v1[0] && v2[0]
	}, time.Second, 10*time.Millisecond)

	// After the turnaround delay the line carries requests as usual.
	require.NoError(t, c.WriteSingleCoil(1, 4, true))
	bits, err := c.ReadCoils(1, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, bits)
}

// TestServeRTUIgnoresOtherUnits checks that frames for units the listener
// does not own are left unanswered, so the addressed device can answer.
func TestServeRTUIgnoresOtherUnits(t *testing.T) {
	srv, _ := storeServer(t)
	tr := &RTUTransport{core: serveTestSerial(t, srv, rtuFraming{}, ServeRTU,
		WithUnits(1))}
	c, err := NewClient(tr)
	require.NoError(t, err)

	err = c.WriteSingleCoil(3, 0, true)
	var timeErr *TimeoutError
	assert.ErrorAs(t, err, &timeErr)

	// The line remains usable.
	require.NoError(t, c.WriteSingleCoil(1, 0, true))
}

// TestServeRTUResync checks that the listener recovers from a frame it
// cannot delimit by flushing the line.
func TestServeRTUResync(t *testing.T) {
	srv, _ := storeServer(t)
	core := serveTestSerial(t, srv, rtuFraming{}, ServeRTU, WithUnits(1))
	c, err := NewClient(&RTUTransport{core: core})
	require.NoError(t, err)

	_, err = core.link.Write([]byte{0xFF, 0x08})
	require.NoError(t, err)
	// Give the listener time to flush the line.
	time.Sleep(400 * time.Millisecond)
	require.NoError(t, c.WriteSingleCoil(1, 1, true))
	bits, err := c.ReadCoils(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, bits)
}

// TestServeASCIINoiseSkipped checks that line noise before the start
// colon is skipped without a resynchronization pause.
func TestServeASCIINoiseSkipped(t *testing.T) {
	srv, _ := storeServer(t)
	core := serveTestSerial(t, srv, asciiFraming{}, ServeASCII, WithUnits(1))
	c, err := NewClient(&ASCIITransport{core: core})
	require.NoError(t, err)

	_, err = core.link.Write([]byte("****"))
	require.NoError(t, err)
	require.NoError(t, c.WriteSingleCoil(1, 1, true))
	bits, err := c.ReadCoils(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, bits)
}

func TestServeRTUSlowHandler(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, srv.SetFunctionHandler(func(
		ctx context.Context, msg Message, s *Server,
	) ([]byte, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ExceptionServerDeviceFailure
	}, 1, FunctionReadCoils))
	tr := &RTUTransport{core: serveTestSerial(t, srv, rtuFraming{}, ServeRTU,
		WithUnits(1), WithSerialTimeout(50*time.Millisecond))}
	c, err := NewClient(tr)
	require.NoError(t, err)

	_, err = c.ReadCoils(1, 0, 1)
	assert.ErrorIs(t, err, ExceptionServerDeviceBusy)
}

func TestServeSerialValidation(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})

	_, err = ServeRTU(nil, serverEnd, WithUnits(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ServeRTU(srv, nil, WithUnits(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ServeRTU(srv, serverEnd)
	assert.Error(t, err)

	for _, opt := range []SerialOption{
		WithUnits(),
		WithUnits(UnitBroadcast),
		WithUnits(248),
		WithUnits(1, 1),
		WithSerialTimeout(-time.Second),
		WithSerialLogger(nil),
	} {
		_, err = ServeRTU(srv, serverEnd, WithUnits(2), opt)
		assert.Error(t, err)
	}

	// Listening on a real port validates the configuration first.
	_, err = ListenRTU(srv, SerialConfig{}, WithUnits(1))
	assert.Error(t, err)
	_, err = ListenASCII(srv, SerialConfig{}, WithUnits(1))
	assert.Error(t, err)
}

func TestSerialListenerClose(t *testing.T) {
	srv, _ := storeServer(t)
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() { clientEnd.Close() })
	l, err := ServeRTU(srv, serverEnd, WithUnits(1))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.EqualError(t, l.Close(), "already closed")
}
