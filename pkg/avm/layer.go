// Package avm implements Avalon-MM transactions on top of Avalon-ST packets.
//
// All operations of a Layer run one at a time in the order they were
// submitted. Each public operation has a blocking form and an Async form
// returning a Future.
package avm

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/logging"
)

// Transaction codes.
const (
	CodeIOWrite byte = 0x00
	CodeWrite   byte = 0x04
	CodeIORead  byte = 0x10
	CodeRead    byte = 0x14
)

// MaxTransactionSize is the payload limit of one transaction.
const MaxTransactionSize = 32768

const headerSize = 8

// ErrNotConfigured is returned when the FPGA holds no user design.
var ErrNotConfigured = &link.ConnectionError{Msg: "device is not configured"}

// PacketTransactor exchanges one packet for one response.
type PacketTransactor interface {
	Transact(ctx context.Context, channel byte, payload []byte, rxLen int) ([]byte, error)
}

// LinkState exposes the link flags the layer depends on.
type LinkState interface {
	Connected() bool
	Configured() bool
	SetOptions(ctx context.Context, opts link.Options) error
}

// Layer serializes Avalon-MM transactions.
type Layer struct {
	Packets PacketTransactor
	State   LinkState
	Channel byte
	Log     *logging.Logger

	lock sync.Mutex
	last chan struct{}
}

// New creates a Layer.
func New(packets PacketTransactor, state LinkState) *Layer {
	return &Layer{Packets: packets, State: state, Log: logging.New("avm")}
}

// Read reads n bytes from incrementing addresses starting at addr.
func (l *Layer) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	f := l.ReadAsync(ctx, addr, n)
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	return f.Data(), nil
}

// Write writes data to incrementing addresses starting at addr.
func (l *Layer) Write(ctx context.Context, addr uint32, data []byte) error {
	return l.WriteAsync(ctx, addr, data).Wait(ctx)
}

// IORead reads the 32-bit register at word offset off from addr.
func (l *Layer) IORead(ctx context.Context, addr uint32, off int) (uint32, error) {
	f := l.IOReadAsync(ctx, addr, off)
	if err := f.Wait(ctx); err != nil {
		return 0, err
	}
	return f.Value(), nil
}

// IOWrite writes the 32-bit register at word offset off from addr.
func (l *Layer) IOWrite(ctx context.Context, addr uint32, off int, v uint32) error {
	return l.IOWriteAsync(ctx, addr, off, v).Wait(ctx)
}

// SetOptions changes link options in queue order.
func (l *Layer) SetOptions(ctx context.Context, opts link.Options) error {
	return l.enqueue(ctx, func(ctx context.Context, f *Future) {
		f.err = l.State.SetOptions(ctx, opts)
	}).Wait(ctx)
}

// ReadAsync queues Read.
func (l *Layer) ReadAsync(ctx context.Context, addr uint32, n int) *Future {
	if err := l.guard(); err != nil {
		return failedFuture(err)
	}
	return l.enqueue(ctx, func(ctx context.Context, f *Future) {
		data := make([]byte, 0, n)
		for off := 0; off < n; off += MaxTransactionSize {
			size := chunkSize(n, off)
			chunk, err := l.transact(ctx, header(CodeRead, addr+uint32(off), size), size)
			if err != nil {
				f.err = err
				return
			}
			if len(chunk) != size {
				f.err = link.NewProtocolError("avm read", "received data length does not match")
				return
			}
			data = append(data, chunk...)
		}
		f.data = data
	})
}

// WriteAsync queues Write.
func (l *Layer) WriteAsync(ctx context.Context, addr uint32, data []byte) *Future {
	if err := l.guard(); err != nil {
		return failedFuture(err)
	}
	data = append([]byte(nil), data...)
	return l.enqueue(ctx, func(ctx context.Context, f *Future) {
		for off := 0; off < len(data); off += MaxTransactionSize {
			size := chunkSize(len(data), off)
			hdr := header(CodeWrite, addr+uint32(off), size)
			if f.err = l.write(ctx, hdr, data[off:off+size]); f.err != nil {
				return
			}
		}
	})
}

// IOReadAsync queues IORead.
func (l *Layer) IOReadAsync(ctx context.Context, addr uint32, off int) *Future {
	if err := l.guard(); err != nil {
		return failedFuture(err)
	}
	return l.enqueue(ctx, func(ctx context.Context, f *Future) {
		res, err := l.transact(ctx, header(CodeIORead, ioAddr(addr, off), 4), 4)
		if err != nil {
			f.err = err
			return
		}
		if len(res) != 4 {
			f.err = link.NewProtocolError("avm iord", "received data length does not match")
			return
		}
		f.value = binary.LittleEndian.Uint32(res)
	})
}

// IOWriteAsync queues IOWrite.
func (l *Layer) IOWriteAsync(ctx context.Context, addr uint32, off int, v uint32) *Future {
	if err := l.guard(); err != nil {
		return failedFuture(err)
	}
	return l.enqueue(ctx, func(ctx context.Context, f *Future) {
		var payload [4]byte
		binary.LittleEndian.PutUint32(payload[:], v)
		f.err = l.write(ctx, header(CodeIOWrite, ioAddr(addr, off), 4), payload[:])
	})
}

func (l *Layer) guard() error {
	if !l.State.Connected() {
		return link.ErrNotConnected
	}
	if !l.State.Configured() {
		return ErrNotConfigured
	}
	return nil
}

// enqueue runs fn after every previously queued operation settled.
func (l *Layer) enqueue(ctx context.Context, fn func(context.Context, *Future)) *Future {
	f := newFuture()
	l.lock.Lock()
	prev := l.last
	l.last = f.done
	l.lock.Unlock()
	go func() {
		defer close(f.done)
		if prev != nil {
			<-prev
		}
		if f.err = ctx.Err(); f.err != nil {
			return
		}
		fn(ctx, f)
	}()
	return f
}

func (l *Layer) write(ctx context.Context, hdr, data []byte) error {
	pkt := make([]byte, 0, len(hdr)+len(data))
	pkt = append(append(pkt, hdr...), data...)
	res, err := l.transact(ctx, pkt, 4)
	if err != nil {
		return err
	}
	if len(res) != 4 || res[0] != hdr[0]^0x80 || res[2] != hdr[2] || res[3] != hdr[3] {
		return link.NewProtocolError("avm write", "illegal write response")
	}
	return nil
}

func (l *Layer) transact(ctx context.Context, pkt []byte, rxLen int) ([]byte, error) {
	if v := l.Log.V(2); v.Enabled() {
		v.Infof("code %02x addr %08x len %d", pkt[0], binary.BigEndian.Uint32(pkt[4:]), binary.BigEndian.Uint16(pkt[2:]))
	}
	return l.Packets.Transact(ctx, l.Channel, pkt, rxLen)
}

func header(code byte, addr uint32, size int) []byte {
	hdr := make([]byte, headerSize)
	hdr[0] = code
	binary.BigEndian.PutUint16(hdr[2:], uint16(size))
	binary.BigEndian.PutUint32(hdr[4:], addr)
	return hdr
}

func ioAddr(addr uint32, off int) uint32 {
	return (addr &^ 3) + uint32(off)<<2
}

func chunkSize(total, off int) int {
	if n := total - off; n < MaxTransactionSize {
		return n
	}
	return MaxTransactionSize
}
