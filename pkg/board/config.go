package board

import (
	"context"
	"sync"
	"time"

	"github.com/robotalks/peridot.go/pkg/deadline"
	"github.com/robotalks/peridot.go/pkg/link"
)

// Timing of configuration and reset.
const (
	ConfigTimeout   = 3 * time.Second
	ReconfigTimeout = 3 * time.Second
	ResetDelay      = 100 * time.Millisecond
)

// Board commands.
const (
	cmdModeCheck   byte = 0x3b
	cmdConfigBegin byte = 0x32
	cmdConfigReady byte = 0x33
	cmdResetAssert byte = 0x31
)

// Status bits returned by board commands.
const (
	statusASMode   byte = 0x01
	statusNStatus  byte = 0x02
	statusConfDone byte = 0x04
	statusConfMask      = statusNStatus | statusConfDone
)

const configPollInterval = time.Millisecond

// barrier admits one holder at a time and refuses the others.
type barrier struct {
	lock sync.Mutex
	err  error
}

func (b *barrier) enter() error {
	if !b.lock.TryLock() {
		return b.err
	}
	return nil
}

func (b *barrier) leave() {
	b.lock.Unlock()
}

// Configure writes bitstream to the FPGA in passive serial mode. id restricts
// the accepted board and defaults to the standard board.
func (b *Board) Configure(ctx context.Context, id *Identity, bitstream []byte) error {
	if err := b.configBarrier.enter(); err != nil {
		return err
	}
	defer b.configBarrier.leave()

	if id == nil {
		id = &Identity{ID: IDStandard}
	}
	if err := b.Validate(ctx, id); err != nil {
		return err
	}
	resp, err := b.Codec.SendCommand(ctx, cmdModeCheck)
	if err != nil {
		return err
	}
	if resp&statusASMode != 0 {
		return &ConfigurationError{Msg: "not PS mode"}
	}

	if err := b.enterConfigMode(ctx, deadline.New(ConfigTimeout), "configure"); err != nil {
		return err
	}
	b.Log.V(1).Infof("writing %d bytes of bitstream", len(bitstream))
	if _, err := b.Codec.Exchange(ctx, bitstream, nil); err != nil {
		return err
	}

	if resp, err = b.Codec.SendCommand(ctx, cmdConfigReady); err != nil {
		return err
	}
	if resp&statusConfMask != statusConfMask {
		return &ConfigurationError{Msg: "FPGA configuration failed"}
	}
	if resp, err = b.Codec.SendCommand(ctx, link.CmdIdle); err != nil {
		return err
	}
	configured := resp&statusConfDone != 0
	if err := b.Codec.SetOptions(ctx, link.Options{Configured: link.Bool(configured)}); err != nil {
		return err
	}
	b.Log.Infof("FPGA configured")
	return nil
}

// Reconfig restarts the FPGA so it loads its design from the configuration
// flash. The standard board has no flash and refuses it.
func (b *Board) Reconfig(ctx context.Context) error {
	if err := b.configBarrier.enter(); err != nil {
		return err
	}
	defer b.configBarrier.leave()

	if !b.Codec.Connected() {
		return link.ErrNotConnected
	}
	info := b.Info()
	if info == nil || info.ID == "" {
		var err error
		if info, err = b.GetInfo(ctx); err != nil {
			return err
		}
	}
	if info.ID == IDStandard {
		return &ConfigurationError{Msg: "reconfig cannot be used on this board"}
	}
	if err := b.enterConfigMode(ctx, deadline.New(ReconfigTimeout), "reconfig"); err != nil {
		return err
	}
	b.Log.Infof("FPGA reconfiguration started")
	return nil
}

// enterConfigMode pulls nCONFIG low until the FPGA drops nSTATUS and
// CONF_DONE, then releases it until nSTATUS comes back.
func (b *Board) enterConfigMode(ctx context.Context, d deadline.Deadline, op string) error {
	err := d.Retry(ctx, op, configPollInterval, func(ctx context.Context) error {
		resp, err := b.Codec.SendCommand(ctx, cmdConfigBegin)
		if err != nil {
			return err
		}
		if resp&statusConfMask != 0 {
			return deadline.ErrRetry
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.Retry(ctx, op, configPollInterval, func(ctx context.Context) error {
		resp, err := b.Codec.SendCommand(ctx, cmdConfigReady)
		if err != nil {
			return err
		}
		if resp&statusConfMask != statusNStatus {
			return deadline.ErrRetry
		}
		return nil
	})
}

// Reset holds the user logic in reset for ResetDelay and returns the board
// status after releasing it.
func (b *Board) Reset(ctx context.Context) (byte, error) {
	if err := b.resetBarrier.enter(); err != nil {
		return 0, err
	}
	defer b.resetBarrier.leave()

	if _, err := b.Codec.SendCommand(ctx, cmdResetAssert); err != nil {
		return 0, err
	}
	timer := time.NewTimer(ResetDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return 0, ctx.Err()
	case <-timer.C:
	}
	resp, err := b.Codec.SendCommand(ctx, link.CmdIdle)
	if err != nil {
		return 0, err
	}
	b.Log.V(1).Infof("reset done, status %02x", resp)
	return resp, nil
}
