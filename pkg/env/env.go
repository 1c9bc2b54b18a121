// Package env builds board connections from environment variables and
// command line flags.
package env

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/robotalks/peridot.go/pkg/board"
	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/rpc"
)

// Config provides common options to open a board.
type Config struct {
	// Port is the board path, e.g. /dev/ttyUSB0, tcp://host:port or sim:J72N.
	Port    string
	Bitrate int
	SWIBase uint64
	// BoardID and Serial restrict the accepted board.
	BoardID string
	Serial  string
	// Bitstream is a file written to the FPGA after opening.
	Bitstream string
	// RPCCodec is "bson" or "proto".
	RPCCodec string

	// BrokerURL specifies the MQTT broker of the bridge.
	// e.g. mqtt://host:port/topic-prefix
	BrokerURL string
	// Name identifies the board on the bridge.
	Name string
}

var defaultConfig = Config{
	Bitrate:   link.DefaultBitrate,
	SWIBase:   uint64(board.DefaultSWIBase),
	RPCCodec:  "bson",
	BrokerURL: "mqtt://localhost:1883/peridot/",
}

func init() {
	loadEnv(&defaultConfig, os.Getenv)
	defaultConfig.Name = MachineID()
}

func loadEnv(c *Config, getenv func(string) string) {
	if val := getenv("PERIDOT_PORT"); val != "" {
		c.Port = val
	}
	if val := getenv("PERIDOT_BITRATE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Bitrate = n
		}
	}
	if val := getenv("PERIDOT_SWI_BASE"); val != "" {
		if n, err := strconv.ParseUint(val, 0, 32); err == nil {
			c.SWIBase = n
		}
	}
	if val := getenv("PERIDOT_BOARD_ID"); val != "" {
		c.BoardID = val
	}
	if val := getenv("PERIDOT_SERIAL"); val != "" {
		c.Serial = val
	}
	if val := getenv("PERIDOT_BITSTREAM"); val != "" {
		c.Bitstream = val
	}
	if val := getenv("PERIDOT_RPC_CODEC"); val != "" {
		c.RPCCodec = val
	}
	if val := getenv("PERIDOT_BROKER_URL"); val != "" {
		c.BrokerURL = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Port, "port", defaultConfig.Port, "Board port or URL.")
	flag.IntVar(&defaultConfig.Bitrate, "bitrate", defaultConfig.Bitrate, "Serial bitrate.")
	flag.Uint64Var(&defaultConfig.SWIBase, "swi-base", defaultConfig.SWIBase, "Address of the SWI peripheral.")
	flag.StringVar(&defaultConfig.BoardID, "board-id", defaultConfig.BoardID, "Expected board ID.")
	flag.StringVar(&defaultConfig.Serial, "serial", defaultConfig.Serial, "Expected board serial code.")
	flag.StringVar(&defaultConfig.Bitstream, "bitstream", defaultConfig.Bitstream, "Bitstream file to configure after opening.")
	flag.StringVar(&defaultConfig.RPCCodec, "rpc-codec", defaultConfig.RPCCodec, "RPC encoding: bson or proto.")
	flag.StringVar(&defaultConfig.BrokerURL, "mqtt", defaultConfig.BrokerURL, "MQTT broker URL.")
	flag.StringVar(&defaultConfig.Name, "name", defaultConfig.Name, "Board name on the bridge.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// OpenOptions builds the options of Board.Open, reading the bitstream file.
func (c *Config) OpenOptions() (*board.OpenOptions, error) {
	opts := &board.OpenOptions{Identity: board.Identity{ID: c.BoardID, Serial: c.Serial}}
	if c.Bitstream != "" {
		data, err := os.ReadFile(c.Bitstream)
		if err != nil {
			return nil, fmt.Errorf("read bitstream: %w", err)
		}
		opts.Bitstream = data
	}
	return opts, nil
}

// NewBoard creates a Board from the config without opening it.
func (c *Config) NewBoard(dialer link.Dialer) (*board.Board, error) {
	b := board.New(dialer)
	b.RPC.SWIBase = uint32(c.SWIBase)
	switch c.RPCCodec {
	case "", "bson":
		b.RPC.Codec = rpc.BSONCodec{}
	case "proto":
		b.RPC.Codec = rpc.ProtoCodec{}
	default:
		return nil, fmt.Errorf("unknown RPC codec: %q", c.RPCCodec)
	}
	if c.Bitrate > 0 {
		if err := b.SetOptions(context.Background(), link.Options{Bitrate: link.Int(c.Bitrate)}); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// OpenBoard creates and opens a Board.
func (c *Config) OpenBoard(ctx context.Context) (*board.Board, error) {
	if c.Port == "" {
		return nil, fmt.Errorf("board port must be specified")
	}
	opts, err := c.OpenOptions()
	if err != nil {
		return nil, err
	}
	b, err := c.NewBoard(nil)
	if err != nil {
		return nil, err
	}
	if err := b.Open(ctx, c.Port, opts); err != nil {
		return nil, err
	}
	return b, nil
}

// MustOpenBoard opens a Board and fails on error.
func (c *Config) MustOpenBoard(ctx context.Context) *board.Board {
	b, err := c.OpenBoard(ctx)
	if err != nil {
		log.Fatalln(err)
	}
	return b
}
