package sim

import (
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// Default layout of an RPCServer mailbox.
const (
	DefaultMailbox  uint32 = 0x00200000
	DefaultBufLen          = 1024
	rpcIfVersion    uint32 = 0x0101
	swiRegMessage          = 6
	swiRegInterrupt        = 7
)

// ErrNoResponse makes a Handler leave the request unanswered.
var ErrNoResponse = errors.New("no response")

// RPCError is returned by a Handler to send a JSON-RPC error.
type RPCError struct {
	Code    int    `bson:"code"`
	Message string `bson:"message"`
}

// Error implements error.
func (e *RPCError) Error() string {
	return e.Message
}

// Handler serves one method. params is the raw BSON params value.
type Handler func(params bson.RawValue) (interface{}, error)

// RPCServer serves BSON JSON-RPC requests from the memory of a Board,
// the way the user design does. It runs when the host writes the SWI
// register.
type RPCServer struct {
	Board   *Board
	SWIBase uint32
	Mailbox uint32
	Version uint32
	ReqLen  int
	ResLen  int

	lock     sync.Mutex
	handlers map[string]Handler
	requests int
}

// NewRPCServer installs a server on b announcing its mailbox at the SWI
// peripheral at swiBase.
func NewRPCServer(b *Board, swiBase uint32) *RPCServer {
	s := &RPCServer{
		Board:    b,
		SWIBase:  swiBase,
		Mailbox:  DefaultMailbox,
		Version:  rpcIfVersion,
		ReqLen:   DefaultBufLen,
		ResLen:   DefaultBufLen,
		handlers: make(map[string]Handler),
	}
	s.Start()
	b.lock.Lock()
	b.OnWrite = s.written
	b.lock.Unlock()
	return s
}

// Handle registers h for method.
func (s *RPCServer) Handle(method string, h Handler) {
	s.lock.Lock()
	s.handlers[method] = h
	s.lock.Unlock()
}

// Start writes the mailbox with a cleared host ID and announces it.
func (s *RPCServer) Start() {
	m := s.Board.Memory
	m.SetWord(s.Mailbox, s.Version)
	m.SetWord(s.Mailbox+4, 0)
	m.SetWord(s.Mailbox+8, 0)
	m.SetWord(s.Mailbox+12, uint32(s.ReqLen))
	m.SetWord(s.Mailbox+16, s.reqPtr())
	m.SetWord(s.Mailbox+20, uint32(s.ResLen))
	m.SetWord(s.Mailbox+24, s.resPtr())
	m.SetWord(s.reqPtr(), 0)
	m.SetWord(s.resPtr(), 0)
	m.SetWord(s.SWIBase+swiRegMessage*4, s.Mailbox)
}

// Stop withdraws the mailbox.
func (s *RPCServer) Stop() {
	s.Board.Memory.SetWord(s.SWIBase+swiRegMessage*4, 0)
}

// HostID returns the host ID claimed by the client.
func (s *RPCServer) HostID() (uint32, uint32) {
	m := s.Board.Memory
	return m.Word(s.Mailbox + 4), m.Word(s.Mailbox + 8)
}

// Requests returns how many requests were served.
func (s *RPCServer) Requests() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.requests
}

func (s *RPCServer) reqPtr() uint32 {
	return s.Mailbox + 0x100
}

func (s *RPCServer) resPtr() uint32 {
	return s.reqPtr() + uint32(s.ReqLen)
}

func (s *RPCServer) written(addr uint32, n int) {
	if addr == s.SWIBase+swiRegInterrupt*4 {
		s.serve()
	}
}

type rpcRequest struct {
	JSONRPC string        `bson:"jsonrpc"`
	Method  string        `bson:"method"`
	Params  bson.RawValue `bson:"params"`
	ID      bson.RawValue `bson:"id"`
}

func (s *RPCServer) serve() {
	m := s.Board.Memory
	size := m.Word(s.reqPtr())
	if size == 0 || m.Word(s.resPtr()) != 0 {
		return
	}
	raw := m.Read(s.reqPtr(), int(size))
	m.SetWord(s.reqPtr(), 0)

	var req rpcRequest
	resp := bson.D{{Key: "jsonrpc", Value: "2.0"}}
	if err := bson.Unmarshal(raw, &req); err != nil {
		resp = append(resp, bson.E{Key: "error", Value: &RPCError{Code: -32700, Message: "Parse error"}})
	} else {
		resp = append(resp, bson.E{Key: "id", Value: req.ID})
		s.lock.Lock()
		h := s.handlers[req.Method]
		s.requests++
		s.lock.Unlock()
		if h == nil {
			resp = append(resp, bson.E{Key: "error", Value: &RPCError{Code: -32601, Message: "Method not found"}})
		} else {
			result, err := h(req.Params)
			var rpcErr *RPCError
			switch {
			case errors.Is(err, ErrNoResponse):
				return
			case errors.As(err, &rpcErr):
				resp = append(resp, bson.E{Key: "error", Value: rpcErr})
			case err != nil:
				resp = append(resp, bson.E{Key: "error", Value: &RPCError{Code: -32603, Message: err.Error()}})
			default:
				resp = append(resp, bson.E{Key: "result", Value: result})
			}
		}
	}
	doc, err := bson.Marshal(resp)
	if err != nil || len(doc) > s.ResLen {
		return
	}
	m.Write(s.resPtr()+4, doc[4:])
	m.Write(s.resPtr(), doc[:4])
}
