package sh

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/peridot.go/pkg/board"
	"github.com/robotalks/peridot.go/pkg/env"
)

// CommandTimeout bounds a single shell command.
const CommandTimeout = 10 * time.Second

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool

	Shell  *ishell.Shell
	Config *env.Config
	Board  *board.Board
	Port   string
	// PollInterval is passed to RPC calls, 0 for the default.
	PollInterval time.Duration
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&EnumCmd,
		&OpenCmd,
		&CloseCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) (*Shell, error) {
	b, err := conf.NewBoard(nil)
	if err != nil {
		return nil, err
	}
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
		Board:  b,
	}
	b.OnClosed = func(err error) {
		s.Shell.Printf("connection lost: %v\n", err)
		s.Shell.SetPrompt(unconnectedPrompt)
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s, nil
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if !ShellFrom(c).Board.Connected() {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// CommandFunc executes a command and returns the value to print.
type CommandFunc func(ctx context.Context, s *Shell, args []string) (interface{}, error)

// Command adapts fn to an ishell command func.
func Command(fn CommandFunc) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		s := ShellFrom(c)
		ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
		defer cancel()
		out, err := fn(ctx, s, c.Args)
		if err != nil {
			c.Err(err)
			return
		}
		if str, err := s.Format(out); err != nil {
			c.Err(err)
		} else if str != "" {
			c.Println(str)
		}
	}
}

// Format converts a command output for display.
func (s *Shell) Format(out interface{}) (string, error) {
	if s.OutputJSON {
		if out == nil {
			return "", nil
		}
		data, err := json.Marshal(out)
		return string(data), err
	}
	switch v := out.(type) {
	case nil:
		return "OK", nil
	case string:
		return v, nil
	case []byte:
		return hex.Dump(v), nil
	case uint32:
		return fmt.Sprintf("0x%08x", v), nil
	case byte:
		return fmt.Sprintf("0x%02x", v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	return string(data), err
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// Connect opens the board at port.
func (s *Shell) Connect(ctx context.Context, port string) error {
	opts, err := s.Config.OpenOptions()
	if err != nil {
		return err
	}
	if s.Board.Connected() {
		s.Disconnect()
	}
	if err := s.Board.Open(ctx, port, opts); err != nil {
		return err
	}
	s.Port = port
	if s.Shell != nil {
		s.Shell.SetPrompt(fmt.Sprintf("%s > ", port))
	}
	return nil
}

// Disconnect closes current board connection.
func (s *Shell) Disconnect() {
	s.Board.Close()
	s.Port = ""
	if s.Shell != nil {
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect && s.Config.Port != "" {
		if s.Interactive {
			s.Shell.Printf("Connecting %s ...\n", s.Config.Port)
		}
		ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
		err := s.Connect(ctx, s.Config.Port)
		cancel()
		if err != nil {
			log.Fatalf("connect %q failed: %v", s.Config.Port, err)
		}
	}
	defer s.Board.Close()

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// EnumCmd lists serial ports.
	EnumCmd = ishell.Cmd{
		Name:    "enum",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func:    Command(Enum),
	}

	// OpenCmd connects a board.
	OpenCmd = ishell.Cmd{
		Name:    "open",
		Aliases: []string{"connect", "c"},
		Help:    "[PORT]",
		Func:    Command(Open),
	}

	// CloseCmd disconnects current board.
	CloseCmd = ishell.Cmd{
		Name:    "close",
		Aliases: []string{"disconnect", "d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}
)

// Enum lists the ports a board may be attached to.
func Enum(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	ports, err := s.Board.Enumerate()
	if err != nil {
		return nil, err
	}
	if s.OutputJSON {
		return ports, nil
	}
	if len(ports) == 0 {
		return "No ports found", nil
	}
	var out string
	for n, p := range ports {
		if n > 0 {
			out += "\n"
		}
		out += p.Path
		if p.VendorID != "" {
			out += fmt.Sprintf(" [%s:%s]", p.VendorID, p.ProductID)
		}
		if p.SerialNumber != "" {
			out += " " + p.SerialNumber
		}
	}
	return out, nil
}

// Open connects the board at the port given in args or configuration.
func Open(ctx context.Context, s *Shell, args []string) (interface{}, error) {
	port := s.Config.Port
	if len(args) > 0 {
		port = args[0]
	}
	if port == "" {
		return nil, fmt.Errorf("port expected")
	}
	if err := s.Connect(ctx, port); err != nil {
		return nil, err
	}
	return s.Board.Info(), nil
}

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	s, err := New(env.NewConfig())
	if err != nil {
		log.Fatalln(err)
	}
	s.WithAutoConnect(true).Run(flag.Args()...)
}
