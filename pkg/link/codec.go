package link

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robotalks/peridot.go/pkg/logging"
)

// Defaults of a Codec.
const (
	DefaultBitrate         = 115200
	DefaultMaxWrite        = 1024
	DefaultResponseTimeout = 3 * time.Second
)

// Idle command of the board, optionally with fast acknowledge.
const (
	CmdIdle    byte = 0x39
	CmdFastAck byte = 0x02
)

// Port is an open byte stream to the board.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens a Port.
type Dialer interface {
	Dial(ctx context.Context, path string, bitrate int) (Port, error)
}

// DialFunc is the func form of Dialer.
type DialFunc func(ctx context.Context, path string, bitrate int) (Port, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context, path string, bitrate int) (Port, error) {
	return f(ctx, path, bitrate)
}

// Estimator decides whether buf holds a complete response.
// offset is where the newly received bytes start. It returns the length
// of the complete frame, 0 to wait for more bytes, or an error to abort.
type Estimator func(buf []byte, offset int) (int, error)

// Options changes the side state of a Codec. nil fields are left unchanged.
type Options struct {
	FastAck    *bool
	Configured *bool
	Bitrate    *int
}

// Bool returns a pointer to v, for Options.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for Options.
func Int(v int) *int { return &v }

// Codec exchanges escaped commands and data with the board.
// At most one SendCommand or Exchange runs at a time.
type Codec struct {
	Dialer          Dialer
	MaxWrite        int
	ResponseTimeout time.Duration
	// OnClosed is called when the port closes without Close being called.
	OnClosed func(error)
	Log      *logging.Logger

	stateLock  sync.RWMutex
	port       Port
	readDone   chan struct{}
	bitrate    int
	fastAck    bool
	configured bool

	busy int32

	rxLock   sync.Mutex
	rxBuf    []byte
	rxErr    error
	rxNotify chan struct{}
	// desynced is set when a receive gave up, so a late response may
	// still arrive and must not be taken for the next one.
	desynced bool
}

// NewCodec creates a Codec using dialer.
func NewCodec(dialer Dialer) *Codec {
	return &Codec{
		Dialer:          dialer,
		MaxWrite:        DefaultMaxWrite,
		ResponseTimeout: DefaultResponseTimeout,
		Log:             logging.New("link"),
		bitrate:         DefaultBitrate,
		rxNotify:        make(chan struct{}, 1),
	}
}

// Connect opens the port at path.
func (c *Codec) Connect(ctx context.Context, path string) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.port != nil {
		return ErrAlreadyConnected
	}
	port, err := c.Dialer.Dial(ctx, path, c.bitrate)
	if err != nil {
		return &ConnectionError{Msg: "cannot open " + path, Err: err}
	}
	c.rxLock.Lock()
	c.rxBuf, c.rxErr, c.desynced = nil, nil, false
	c.rxLock.Unlock()
	c.port, c.readDone = port, make(chan struct{})
	go c.readLoop(port, c.readDone)
	c.Log.V(1).Infof("connected %s at %d bps", path, c.bitrate)
	return nil
}

// Close closes the port.
func (c *Codec) Close() error {
	c.stateLock.Lock()
	port, done := c.port, c.readDone
	c.port = nil
	c.stateLock.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	err := port.Close()
	<-done
	c.setRxErr(ErrNotConnected)
	c.Log.V(1).Infof("disconnected")
	return err
}

// Connected reports whether a session is active.
func (c *Codec) Connected() bool {
	return c.currentPort() != nil
}

// Bitrate returns the bitrate used by Connect.
func (c *Codec) Bitrate() int {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.bitrate
}

// FastAck reports the fast acknowledge flag.
func (c *Codec) FastAck() bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.fastAck
}

// Configured reports whether the FPGA is known to be configured.
func (c *Codec) Configured() bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.configured
}

// SetOptions applies opts. Changing FastAck on a live session sends the
// idle command with the new flag.
func (c *Codec) SetOptions(ctx context.Context, opts Options) error {
	if opts.FastAck != nil {
		if c.Connected() {
			cmd := CmdIdle
			if *opts.FastAck {
				cmd |= CmdFastAck
			}
			if _, err := c.SendCommand(ctx, cmd); err != nil {
				return err
			}
		}
	}
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if opts.FastAck != nil {
		c.fastAck = *opts.FastAck
	}
	if opts.Configured != nil {
		c.configured = *opts.Configured
	}
	if opts.Bitrate != nil {
		c.bitrate = *opts.Bitrate
	}
	return nil
}

// SendCommand sends a command byte and returns the single byte response.
func (c *Codec) SendCommand(ctx context.Context, cmd byte) (byte, error) {
	resp, err := c.exchange(ctx, []byte{CommandMarker, cmd}, func(buf []byte, offset int) (int, error) {
		return 1, nil
	})
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

// Exchange escapes and sends payload, then collects the response framed
// by est. With a nil est it returns once payload is written.
func (c *Codec) Exchange(ctx context.Context, payload []byte, est Estimator) ([]byte, error) {
	return c.exchange(ctx, Escape(payload), est)
}

func (c *Codec) exchange(ctx context.Context, raw []byte, est Estimator) ([]byte, error) {
	port := c.currentPort()
	if port == nil {
		return nil, ErrNotConnected
	}
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return nil, ErrOperationInProgress
	}
	defer atomic.StoreInt32(&c.busy, 0)

	c.dropStale()
	if err := c.write(port, raw); err != nil {
		return nil, err
	}
	if est == nil {
		return nil, nil
	}
	return c.receive(ctx, est)
}

func (c *Codec) currentPort() Port {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.port
}

func (c *Codec) write(port Port, data []byte) error {
	max := c.MaxWrite
	if max <= 0 {
		max = DefaultMaxWrite
	}
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		if _, err := port.Write(data[:n]); err != nil {
			return &ConnectionError{Msg: "write failed", Err: err}
		}
		if v := c.Log.V(2); v.Enabled() {
			v.Infof("TX %d bytes:\n%s", n, hex.Dump(data[:n]))
		}
		data = data[n:]
	}
	return nil
}

func (c *Codec) receive(ctx context.Context, est Estimator) ([]byte, error) {
	if c.ResponseTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, c.ResponseTimeout)
		defer cancel()
	}
	var buf []byte
	offset := 0
	for {
		c.rxLock.Lock()
		if len(c.rxBuf) > 0 {
			buf = append(buf, c.rxBuf...)
			c.rxBuf = nil
		}
		rxErr := c.rxErr
		c.rxLock.Unlock()

		if len(buf) > offset {
			n, err := est(buf, offset)
			if err != nil {
				return nil, err
			}
			if n > len(buf) {
				return nil, NewProtocolError("receive", "estimated %d bytes beyond %d received", n, len(buf))
			}
			if n > 0 {
				if n < len(buf) {
					c.retain(buf[n:])
				}
				return buf[:n], nil
			}
			offset = len(buf)
		}
		if rxErr != nil {
			return nil, rxErr
		}
		select {
		case <-c.rxNotify:
		case <-ctx.Done():
			c.rxLock.Lock()
			c.rxBuf = append(buf, c.rxBuf...)
			c.desynced = true
			c.rxLock.Unlock()
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &TimeoutError{Op: "receive", Timeout: c.ResponseTimeout}
			}
			return nil, ctx.Err()
		}
	}
}

func (c *Codec) dropStale() {
	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	if !c.desynced {
		return
	}
	if len(c.rxBuf) > 0 {
		c.Log.V(1).Infof("dropped %d stale bytes", len(c.rxBuf))
	}
	c.rxBuf, c.desynced = nil, false
}

func (c *Codec) retain(rest []byte) {
	c.rxLock.Lock()
	c.rxBuf = append(append([]byte(nil), rest...), c.rxBuf...)
	c.rxLock.Unlock()
	c.notify()
}

func (c *Codec) notify() {
	select {
	case c.rxNotify <- struct{}{}:
	default:
	}
}

func (c *Codec) setRxErr(err error) {
	c.rxLock.Lock()
	c.rxErr = err
	c.rxLock.Unlock()
	c.notify()
}

func (c *Codec) readLoop(port Port, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if v := c.Log.V(2); v.Enabled() {
				v.Infof("RX %d bytes:\n%s", n, hex.Dump(buf[:n]))
			}
			c.rxLock.Lock()
			c.rxBuf = append(c.rxBuf, buf[:n]...)
			c.rxLock.Unlock()
			c.notify()
		}
		if err != nil {
			c.detach(port, err)
			return
		}
	}
}

func (c *Codec) detach(port Port, err error) {
	c.stateLock.Lock()
	unexpected := c.port == port
	if unexpected {
		c.port = nil
	}
	c.stateLock.Unlock()
	if !unexpected {
		return
	}
	c.Log.Warningf("port closed: %v", err)
	port.Close()
	c.setRxErr(ErrNotConnected)
	if fn := c.OnClosed; fn != nil {
		fn(err)
	}
}
