package sh

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/peridot.go/pkg/remotefile"
)

// DefaultFileReadLength is the number of bytes fread reads without LEN.
const DefaultFileReadLength = 256

func init() {
	AddCmds(
		&InfoCmd,
		&ConfigCmd,
		&ReconfigCmd,
		&ResetCmd,
		&IOReadCmd,
		&IOWriteCmd,
		&ReadCmd,
		&WriteCmd,
		&CallCmd,
		&FileReadCmd,
		&FileWriteCmd,
	)
}

var (
	// InfoCmd prints the board identity.
	InfoCmd = ishell.Cmd{
		Name:    "info",
		Aliases: []string{"i"},
		Help:    "",
		Func:    MustBeConnected(Command(Info)),
	}

	// ConfigCmd writes a bitstream into the FPGA.
	ConfigCmd = ishell.Cmd{
		Name: "config",
		Help: "BITSTREAM-FILE",
		Func: MustBeConnected(Command(Config)),
	}

	// ReconfigCmd reloads the FPGA from the board flash.
	ReconfigCmd = ishell.Cmd{
		Name: "reconfig",
		Help: "",
		Func: MustBeConnected(Command(Reconfig)),
	}

	// ResetCmd resets the user design.
	ResetCmd = ishell.Cmd{
		Name: "reset",
		Help: "",
		Func: MustBeConnected(Command(Reset)),
	}

	// IOReadCmd reads a 32-bit register.
	IOReadCmd = ishell.Cmd{
		Name: "iord",
		Help: "ADDR [OFFSET]",
		Func: MustBeConnected(Command(IORead)),
	}

	// IOWriteCmd writes a 32-bit register.
	IOWriteCmd = ishell.Cmd{
		Name: "iowr",
		Help: "ADDR OFFSET VALUE",
		Func: MustBeConnected(Command(IOWrite)),
	}

	// ReadCmd reads memory.
	ReadCmd = ishell.Cmd{
		Name: "read",
		Help: "ADDR LENGTH",
		Func: MustBeConnected(Command(Read)),
	}

	// WriteCmd writes memory.
	WriteCmd = ishell.Cmd{
		Name: "write",
		Help: "ADDR HEX-BYTES...",
		Func: MustBeConnected(Command(Write)),
	}

	// CallCmd invokes a remote procedure.
	CallCmd = ishell.Cmd{
		Name: "call",
		Help: "METHOD [JSON-PARAMS]",
		Func: MustBeConnected(Command(Call)),
	}

	// FileReadCmd reads a file on the board.
	FileReadCmd = ishell.Cmd{
		Name: "fread",
		Help: "PATH [LENGTH]",
		Func: MustBeConnected(Command(FileRead)),
	}

	// FileWriteCmd writes text into a file on the board.
	FileWriteCmd = ishell.Cmd{
		Name: "fwrite",
		Help: "PATH TEXT...",
		Func: MustBeConnected(Command(FileWrite)),
	}
)

func parseUint(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}

func parseArgs(args []string, names ...string) ([]uint32, error) {
	if len(args) < len(names) {
		return nil, fmt.Errorf("%s expected", strings.Join(names[len(args):], " "))
	}
	vals := make([]uint32, len(names))
	for n := range names {
		v, err := parseUint(args[n])
		if err != nil {
			return nil, err
		}
		vals[n] = v
	}
	return vals, nil
}

// Info reads the board identity.
func Info(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	return s.Board.GetInfo(ctx)
}

// Config configures the FPGA with the bitstream file in args.
func Config(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("bitstream file expected")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	opts, err := s.Config.OpenOptions()
	if err != nil {
		return nil, err
	}
	if opts.ID == "" && opts.Serial == "" {
		return nil, s.Board.Configure(ctx, nil, data)
	}
	return nil, s.Board.Configure(ctx, &opts.Identity, data)
}

// Reconfig reloads the FPGA from the board flash.
func Reconfig(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	return nil, s.Board.Reconfig(ctx)
}

// Reset resets the user design and returns the board status.
func Reset(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	return s.Board.Reset(ctx)
}

// IORead reads a register.
func IORead(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	if len(args) == 1 {
		args = append(args, "0")
	}
	vals, err := parseArgs(args, "ADDR", "OFFSET")
	if err != nil {
		return nil, err
	}
	return s.Board.Transactions.IORead(ctx, vals[0], int(vals[1]))
}

// IOWrite writes a register.
func IOWrite(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	vals, err := parseArgs(args, "ADDR", "OFFSET", "VALUE")
	if err != nil {
		return nil, err
	}
	return nil, s.Board.Transactions.IOWrite(ctx, vals[0], int(vals[1]), vals[2])
}

// Read reads memory.
func Read(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	vals, err := parseArgs(args, "ADDR", "LENGTH")
	if err != nil {
		return nil, err
	}
	return s.Board.Transactions.Read(ctx, vals[0], int(vals[1]))
}

// Write writes hex encoded bytes into memory.
func Write(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	vals, err := parseArgs(args, "ADDR")
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.Join(args[1:], ""))
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("data expected")
	}
	return nil, s.Board.Transactions.Write(ctx, vals[0], data)
}

// Call invokes a remote procedure with JSON parameters.
func Call(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("method expected")
	}
	var params interface{} = map[string]interface{}{}
	if len(args) > 1 {
		dec := json.NewDecoder(strings.NewReader(strings.Join(args[1:], " ")))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	result := make(map[string]interface{})
	if err := s.Board.RPC.Call(ctx, args[0], params, s.PollInterval, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Shell) openFile(ctx context.Context, path string, flags int) (*remotefile.File, error) {
	f, err := remotefile.Open(ctx, s.Board.RPC, path, flags, remotefile.DefaultMode)
	if err != nil {
		return nil, err
	}
	if s.PollInterval > 0 {
		f.Interval = s.PollInterval
	}
	return f, nil
}

// FileRead reads a file on the board.
func FileRead(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("path expected")
	}
	n := DefaultFileReadLength
	if len(args) > 1 {
		v, err := parseUint(args[1])
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	f, err := s.openFile(ctx, args[0], remotefile.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	data, err := f.Read(ctx, n, true)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

// FileWrite writes text into a file on the board and returns the number of
// bytes written.
func FileWrite(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("path and text expected")
	}
	f, err := s.openFile(ctx, args[0], remotefile.O_WRONLY|remotefile.O_CREAT|remotefile.O_TRUNC)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	n, err := f.Write(ctx, []byte(strings.Join(args[1:], " ")), true)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("%d bytes written", n), nil
}
