// Package board drives a PERIDOT board: connection, identity, FPGA
// configuration, reset and access to the user design.
package board

import (
	"context"
	"sync"

	"github.com/robotalks/peridot.go/pkg/avm"
	"github.com/robotalks/peridot.go/pkg/avs"
	"github.com/robotalks/peridot.go/pkg/i2c"
	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/logging"
	"github.com/robotalks/peridot.go/pkg/rpc"
	"github.com/robotalks/peridot.go/pkg/transport"
)

const (
	// EEPROMAddress is the 7-bit I2C address of the board EEPROM.
	EEPROMAddress = 0x50
	// DefaultSWIBase is the address of the SWI peripheral used by RPC.
	DefaultSWIBase uint32 = 0x10000000

	eepromBurst = 6
)

var eepromMagic = []byte("J7W")

// OpenOptions selects the accepted board and an optional bitstream written
// right after connecting.
type OpenOptions struct {
	Identity
	Bitstream []byte
}

// Board is a connection to one PERIDOT board.
type Board struct {
	Codec        *link.Codec
	I2C          *i2c.Bus
	Packets      *avs.Layer
	Transactions *avm.Layer
	RPC          *rpc.Client
	Log          *logging.Logger

	// OnClosed is called when the connection is lost unexpectedly.
	OnClosed func(error)

	infoLock sync.Mutex
	info     *Info

	configBarrier barrier
	resetBarrier  barrier
}

// New creates a Board connecting through dialer. A nil dialer uses
// transport.Dialer.
func New(dialer link.Dialer) *Board {
	if dialer == nil {
		dialer = transport.Dialer
	}
	log := logging.New("board")
	b := &Board{Log: log}
	b.Codec = link.NewCodec(dialer)
	b.Codec.Log = log.Sub("link")
	b.Codec.OnClosed = b.closed
	b.I2C = i2c.New(b.Codec)
	b.I2C.Log = log.Sub("i2c")
	b.Packets = avs.New(b.Codec)
	b.Packets.Log = log.Sub("avs")
	b.Transactions = avm.New(b.Packets, b.Codec)
	b.Transactions.Log = log.Sub("avm")
	b.RPC = rpc.New(b.Transactions)
	b.RPC.SWIBase = DefaultSWIBase
	b.RPC.Log = log.Sub("rpc")
	b.configBarrier.err = ErrConfigInProgress
	b.resetBarrier.err = ErrResetInProgress
	return b
}

// Enumerate lists the serial ports a board may be attached to.
func (b *Board) Enumerate() ([]transport.PortInfo, error) {
	return transport.Enumerate()
}

// Connected reports whether the link is open.
func (b *Board) Connected() bool {
	return b.Codec.Connected()
}

// Configured reports whether the FPGA holds a user design.
func (b *Board) Configured() bool {
	return b.Codec.Configured()
}

// Open connects to the board at path, reads its identity and optionally
// validates and configures it. The link is closed again on any failure.
func (b *Board) Open(ctx context.Context, path string, opts *OpenOptions) error {
	if err := b.Codec.Connect(ctx, path); err != nil {
		return err
	}
	if err := b.open(ctx, opts); err != nil {
		b.Codec.Close()
		b.setInfo(nil)
		return err
	}
	b.Log.Infof("opened %s", path)
	return nil
}

func (b *Board) open(ctx context.Context, opts *OpenOptions) error {
	header, err := b.ReadEEPROM(ctx, 0x00, 4)
	if err != nil {
		return err
	}
	for i, c := range eepromMagic {
		if header[i] != c {
			return link.NewProtocolError("open", "EEPROM header is invalid")
		}
	}
	b.setInfo(&Info{Version: int(header[3])})

	resp, err := b.Codec.SendCommand(ctx, link.CmdIdle)
	if err != nil {
		return err
	}
	if err := b.Codec.SetOptions(ctx, link.Options{Configured: link.Bool(resp&statusConfDone != 0)}); err != nil {
		return err
	}
	if opts == nil {
		return nil
	}
	if opts.ID != "" || opts.Serial != "" {
		id := opts.Identity
		if err := b.Validate(ctx, &id); err != nil {
			return err
		}
	}
	if len(opts.Bitstream) > 0 {
		return b.Configure(ctx, nil, opts.Bitstream)
	}
	return nil
}

// Close disconnects from the board.
func (b *Board) Close() error {
	err := b.Codec.Close()
	b.setInfo(nil)
	b.RPC.ResetConnection()
	if err == nil {
		b.Log.Infof("closed")
	}
	return err
}

// SetOptions changes link options.
func (b *Board) SetOptions(ctx context.Context, opts link.Options) error {
	return b.Transactions.SetOptions(ctx, opts)
}

// Call invokes a remote method on the RPC server of the user design,
// polling at the default interval.
func (b *Board) Call(ctx context.Context, method string, params, result interface{}) error {
	return b.RPC.Call(ctx, method, params, 0, result)
}

func (b *Board) closed(err error) {
	b.Log.Warningf("connection lost: %v", err)
	b.setInfo(nil)
	b.RPC.ResetConnection()
	if fn := b.OnClosed; fn != nil {
		fn(err)
	}
}
