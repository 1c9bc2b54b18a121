// Package i2c bit-bangs an I2C master through board line-state commands.
package i2c

import (
	"context"
	"time"

	"github.com/robotalks/peridot.go/pkg/deadline"
	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/logging"
)

// Line-state commands. Bit 5 releases SDA, bit 4 releases SCL.
const (
	cmdRelease byte = 0x3b
	cmdSDALow  byte = 0x1b
	cmdLow     byte = 0x0b
	cmdSCLLow  byte = 0x2b

	sdaBit byte = 0x20
	sclBit byte = 0x10
)

// Defaults of a Bus.
const (
	DefaultTimeout       = time.Second
	DefaultRetryInterval = time.Millisecond
)

// Commander sends single command bytes to the board.
type Commander interface {
	SendCommand(ctx context.Context, cmd byte) (byte, error)
	FastAck() bool
}

// Bus is a virtual I2C master.
type Bus struct {
	Commander     Commander
	Timeout       time.Duration
	RetryInterval time.Duration
	Log           *logging.Logger
}

// New creates a Bus on commander.
func New(commander Commander) *Bus {
	return &Bus{
		Commander:     commander,
		Timeout:       DefaultTimeout,
		RetryInterval: DefaultRetryInterval,
		Log:           logging.New("i2c"),
	}
}

// Start generates a start condition.
func (b *Bus) Start(ctx context.Context) error {
	d := deadline.New(b.Timeout)
	if _, err := b.poll(ctx, d, "i2c start", cmdRelease, sdaBit|sclBit, sdaBit|sclBit); err != nil {
		return err
	}
	if _, err := b.Commander.SendCommand(ctx, cmdSDALow); err != nil {
		return err
	}
	_, err := b.Commander.SendCommand(ctx, cmdLow)
	b.Log.V(3).Infof("START")
	return err
}

// Stop generates a stop condition.
func (b *Bus) Stop(ctx context.Context) error {
	d := deadline.New(b.Timeout)
	if _, err := b.Commander.SendCommand(ctx, cmdLow); err != nil {
		return err
	}
	if _, err := b.poll(ctx, d, "i2c stop", cmdSDALow, sdaBit|sclBit, sclBit); err != nil {
		return err
	}
	if _, err := b.poll(ctx, d, "i2c stop", cmdRelease, sdaBit|sclBit, sdaBit|sclBit); err != nil {
		return err
	}
	if !b.Commander.FastAck() {
		if _, err := b.Commander.SendCommand(ctx, link.CmdIdle); err != nil {
			return err
		}
	}
	b.Log.V(3).Infof("STOP")
	return nil
}

// ReadBit samples SDA on one clock.
func (b *Bus) ReadBit(ctx context.Context) (bool, error) {
	d := deadline.New(b.Timeout)
	resp, err := b.poll(ctx, d, "i2c read bit", cmdRelease, sclBit, sclBit)
	if err != nil {
		return false, err
	}
	if _, err = b.Commander.SendCommand(ctx, cmdSCLLow); err != nil {
		return false, err
	}
	return resp&sdaBit != 0, nil
}

// WriteBit drives SDA for one clock.
func (b *Bus) WriteBit(ctx context.Context, bit bool) error {
	d := deadline.New(b.Timeout)
	var mask byte
	if bit {
		mask = sdaBit
	}
	if _, err := b.Commander.SendCommand(ctx, cmdLow|mask); err != nil {
		return err
	}
	if _, err := b.poll(ctx, d, "i2c write bit", cmdSDALow|mask, sclBit, sclBit); err != nil {
		return err
	}
	_, err := b.Commander.SendCommand(ctx, cmdSCLLow)
	return err
}

// WriteByte shifts out v MSB first and reports whether the slave acknowledged.
func (b *Bus) WriteByte(ctx context.Context, v byte) (bool, error) {
	for n := 7; n >= 0; n-- {
		if err := b.WriteBit(ctx, v&(1<<uint(n)) != 0); err != nil {
			return false, err
		}
	}
	nak, err := b.ReadBit(ctx)
	if err != nil {
		return false, err
	}
	b.Log.V(3).Infof("W %02x %s", v, ackString(!nak))
	return !nak, nil
}

// ReadByte shifts in a byte MSB first, then sends ACK if ack is true, NAK otherwise.
func (b *Bus) ReadByte(ctx context.Context, ack bool) (byte, error) {
	var v byte
	for n := 0; n < 8; n++ {
		bit, err := b.ReadBit(ctx)
		if err != nil {
			return 0, err
		}
		v <<= 1
		if bit {
			v |= 1
		}
	}
	if err := b.WriteBit(ctx, !ack); err != nil {
		return 0, err
	}
	b.Log.V(3).Infof("R %02x %s", v, ackString(ack))
	return v, nil
}

func (b *Bus) poll(ctx context.Context, d deadline.Deadline, op string, cmd, mask, want byte) (resp byte, err error) {
	err = d.Retry(ctx, op, b.RetryInterval, func(ctx context.Context) error {
		r, err := b.Commander.SendCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if r&mask != want {
			return deadline.ErrRetry
		}
		resp = r
		return nil
	})
	return
}

func ackString(ack bool) string {
	if ack {
		return "ACK"
	}
	return "NAK"
}
