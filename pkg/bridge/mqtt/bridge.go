// Package mqtt exposes a board on an MQTT broker.
//
// The bridge publishes retained board metadata on <prefix><name>/meta and
// serves JSON requests received on <prefix><name>/cmd, replying on
// <prefix><name>/msg.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robotalks/peridot.go/pkg/board"
	"github.com/robotalks/peridot.go/pkg/framework"
	"github.com/robotalks/peridot.go/pkg/logging"
)

// DefaultTimeout bounds the handling of one request.
const DefaultTimeout = 10 * time.Second

// Request operations.
const (
	OpInfo     = "info"
	OpIORead   = "iord"
	OpIOWrite  = "iowr"
	OpRead     = "read"
	OpWrite    = "write"
	OpCall     = "call"
	OpConfig   = "config"
	OpReconfig = "reconfig"
	OpReset    = "reset"
)

// Request is a command sent to the bridge.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op"`
	Addr   uint32          `json:"addr,omitempty"`
	Offset int             `json:"offset,omitempty"`
	Value  uint32          `json:"value,omitempty"`
	Length int             `json:"length,omitempty"`
	Data   []byte          `json:"data,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply answers a Request.
type Reply struct {
	ID     string                 `json:"id,omitempty"`
	Op     string                 `json:"op"`
	Value  *uint32                `json:"value,omitempty"`
	Data   []byte                 `json:"data,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Info   *board.Info            `json:"info,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Meta is the retained description of the bridged board.
type Meta struct {
	Host       string      `json:"host"`
	Port       string      `json:"port"`
	Connected  bool        `json:"connected"`
	Configured bool        `json:"configured"`
	Info       *board.Info `json:"info,omitempty"`
}

// Bridge serves one board over MQTT.
type Bridge struct {
	Board     *board.Board
	Queue     *Queue
	BoardName string
	Port      string
	Host      string
	Timeout   time.Duration
	// PollInterval is passed to RPC calls, 0 for the default.
	PollInterval time.Duration
	Log          *logging.Logger
}

// New creates a Bridge for b, opened at port, on the broker at brokerURL.
func New(b *board.Board, brokerURL, name, port, host string) (*Bridge, error) {
	opts, topicPrefix, err := ClientOptionsFromURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	opts.SetBinaryWill(topicPrefix+name+"/meta", nil, 1, true)
	if opts.ClientID == "" {
		opts.SetClientID("peridot:" + name)
	}
	br := &Bridge{
		Board:     b,
		Queue:     NewQueue(opts, topicPrefix),
		BoardName: name,
		Port:      port,
		Host:      host,
		Timeout:   DefaultTimeout,
		Log:       logging.New("bridge").Sub(name),
	}
	br.Queue.Log = br.Log.Sub("mqtt")
	br.Queue.OnConnect = func(*Queue) { br.PublishMeta() }
	br.Queue.Sub(name+"/cmd", br.received)
	b.OnClosed = func(err error) { br.PublishMeta() }
	return br, nil
}

// Name implements framework.Named.
func (br *Bridge) Name() string {
	return "bridge:" + br.BoardName
}

// Run implements framework.Runnable. The bridge is closed when Run returns.
func (br *Bridge) Run(ctx context.Context) error {
	if token := br.Queue.Connect(); token.Wait() && token.Error() != nil {
		br.Close()
		return token.Error()
	}
	return framework.RunWithContextCloser(ctx, br, func() error {
		<-br.Queue.Done()
		return nil
	})
}

// Close clears the retained meta, disconnects from the broker and closes
// the board.
func (br *Bridge) Close() error {
	if br.Queue.Client.IsConnected() {
		br.Queue.PubWith(br.BoardName+"/meta", nil, 1, true).Wait()
	}
	var errs framework.AggregatedError
	return errs.Add(br.Queue.Close(), br.Board.Close()).Aggregate()
}

// Meta describes the board.
func (br *Bridge) Meta() *Meta {
	return &Meta{
		Host:       br.Host,
		Port:       br.Port,
		Connected:  br.Board.Connected(),
		Configured: br.Board.Configured(),
		Info:       br.Board.Info(),
	}
}

// PublishMeta publishes the retained board metadata.
func (br *Bridge) PublishMeta() {
	data, err := json.Marshal(br.Meta())
	if err != nil {
		br.Log.Errorf("encode meta: %v", err)
		return
	}
	br.Queue.PubWith(br.BoardName+"/meta", data, 1, true)
}

func (br *Bridge) received(topic string, payload []byte) {
	go br.serve(payload)
}

func (br *Bridge) serve(payload []byte) {
	var req Request
	reply := &Reply{}
	if err := json.Unmarshal(payload, &req); err != nil {
		reply.Error = "invalid request: " + err.Error()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), br.Timeout)
		reply = br.Handle(ctx, &req)
		cancel()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		br.Log.Errorf("encode reply: %v", err)
		return
	}
	br.Queue.Pub(br.BoardName+"/msg", data)
}

// Handle executes req on the board.
func (br *Bridge) Handle(ctx context.Context, req *Request) *Reply {
	reply := &Reply{ID: req.ID, Op: req.Op}
	br.Log.V(1).Infof("%s %s", req.ID, req.Op)
	if err := br.handle(ctx, req, reply); err != nil {
		br.Log.V(1).Infof("%s %s failed: %v", req.ID, req.Op, err)
		reply.Error = err.Error()
	}
	return reply
}

func (br *Bridge) handle(ctx context.Context, req *Request, reply *Reply) error {
	b := br.Board
	switch req.Op {
	case OpInfo:
		info, err := b.GetInfo(ctx)
		if err != nil {
			return err
		}
		reply.Info = info
	case OpIORead:
		v, err := b.Transactions.IORead(ctx, req.Addr, req.Offset)
		if err != nil {
			return err
		}
		reply.Value = &v
	case OpIOWrite:
		return b.Transactions.IOWrite(ctx, req.Addr, req.Offset, req.Value)
	case OpRead:
		data, err := b.Transactions.Read(ctx, req.Addr, req.Length)
		if err != nil {
			return err
		}
		reply.Data = data
	case OpWrite:
		return b.Transactions.Write(ctx, req.Addr, req.Data)
	case OpCall:
		params, err := decodeParams(req.Params)
		if err != nil {
			return err
		}
		result := make(map[string]interface{})
		if err := b.RPC.Call(ctx, req.Method, params, br.PollInterval, &result); err != nil {
			return err
		}
		reply.Result = result
	case OpConfig:
		if err := b.Configure(ctx, nil, req.Data); err != nil {
			return err
		}
		br.PublishMeta()
	case OpReconfig:
		return b.Reconfig(ctx)
	case OpReset:
		status, err := b.Reset(ctx)
		if err != nil {
			return err
		}
		v := uint32(status)
		reply.Value = &v
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
	return nil
}

func decodeParams(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var params interface{}
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return params, nil
}
