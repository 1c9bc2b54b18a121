// Package rpc calls JSON-RPC methods served by the user design.
//
// Requests and responses are exchanged through a mailbox in board memory
// which the host polls over Avalon-MM transactions. The server announces
// the mailbox in the message register of its SWI peripheral and is woken
// by writing the SWI register.
package rpc

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/logging"
)

// Polling interval bounds.
const (
	MinPollInterval = 50 * time.Millisecond
	MaxPollInterval = 1000 * time.Millisecond
)

// InterfaceVersion is the mailbox layout version understood by the client.
const InterfaceVersion = 0x0101

// SWI register offsets, in words.
const (
	RegMessage = 6
	RegSWI     = 7
)

const mailboxSize = 7 * 4

// Transactor is the memory access needed by the client.
type Transactor interface {
	Read(ctx context.Context, addr uint32, n int) ([]byte, error)
	Write(ctx context.Context, addr uint32, data []byte) error
	IORead(ctx context.Context, addr uint32, off int) (uint32, error)
	IOWrite(ctx context.Context, addr uint32, off int, v uint32) error
}

// ParamsFunc builds params once the request buffer size is known.
// maxLen is the space left for params.
type ParamsFunc func(maxLen int) interface{}

type mailbox struct {
	ptr    uint32
	hostID [2]uint32
	reqLen uint32
	reqPtr uint32
	resLen uint32
	resPtr uint32
}

type call struct {
	tag      uint64
	method   string
	params   interface{}
	interval time.Duration
	elem     *list.Element
	settled  bool
	result   Result
	err      error
	done     chan struct{}
}

// Client issues calls to the RPC server. Calls are sent in submission order.
type Client struct {
	Transactor Transactor
	Codec      Codec
	SWIBase    uint32
	Log        *logging.Logger

	lock     sync.Mutex
	pending  *list.List
	inflight map[uint64]*call
	lastTag  uint64
	mbox     *mailbox
	closed   bool

	interval time.Duration
	stop     chan struct{}

	pollLock   sync.Mutex
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// New creates a Client using BSONCodec.
func New(t Transactor) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Transactor: t,
		Codec:      BSONCodec{},
		Log:        logging.New("rpc"),
		pending:    list.New(),
		inflight:   make(map[uint64]*call),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Call invokes method and decodes its result into result, which may be nil.
// interval is the polling period wanted while the call is outstanding,
// MaxPollInterval when 0. params is a document, an array or a ParamsFunc.
func (c *Client) Call(ctx context.Context, method string, params interface{}, interval time.Duration, result interface{}) error {
	if interval <= 0 {
		interval = MaxPollInterval
	}
	cl := &call{method: method, params: params, interval: interval, done: make(chan struct{})}
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrClosed
	}
	cl.tag = c.newTagLocked()
	cl.elem = c.pending.PushBack(cl)
	c.updateTimerLocked()
	c.lock.Unlock()
	c.Log.V(2).Infof("call #%d %s", cl.tag, method)

	select {
	case <-cl.done:
	case <-ctx.Done():
		c.withdraw(cl, ctx.Err())
		<-cl.done
	}
	if cl.err != nil {
		if cl.err == context.DeadlineExceeded {
			return &link.TimeoutError{Op: "rpc " + method, Err: cl.err}
		}
		return cl.err
	}
	if result != nil && cl.result != nil {
		return cl.result.Unmarshal(result)
	}
	return nil
}

// ResetConnection rejects all calls and forgets the server mailbox.
func (c *Client) ResetConnection() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.abortLocked(ErrClientReset)
	c.mbox = nil
	c.updateTimerLocked()
}

// Close rejects all calls and stops polling. The Client is unusable afterwards.
func (c *Client) Close() error {
	c.lock.Lock()
	c.closed = true
	c.abortLocked(ErrClosed)
	c.mbox = nil
	c.updateTimerLocked()
	c.lock.Unlock()
	c.cancelFunc()
	return nil
}

// Poll runs one polling cycle unless another one is running.
func (c *Client) Poll(ctx context.Context) error {
	if !c.pollLock.TryLock() {
		return nil
	}
	defer c.pollLock.Unlock()
	return c.poll(ctx)
}

func (c *Client) poll(ctx context.Context) error {
	mb, err := c.connect(ctx)
	if err != nil {
		return err
	}
	raiseIRQ := false

	if c.hasPending() {
		size, err := c.Transactor.IORead(ctx, mb.reqPtr, 0)
		if err != nil {
			return err
		}
		if size != 0 {
			raiseIRQ = true
		} else if cl := c.popPending(); cl != nil {
			if err := c.send(ctx, mb, cl); err != nil {
				c.finish(cl, nil, err)
			} else {
				raiseIRQ = true
			}
		}
	}

	size, err := c.Transactor.IORead(ctx, mb.resPtr, 0)
	if err != nil {
		return err
	}
	if size == 0 {
		raiseIRQ = true
	} else {
		if err := c.receive(ctx, mb, size); err != nil {
			c.Log.Warningf("receiving response: %v", err)
		}
		if err := c.Transactor.IOWrite(ctx, mb.resPtr, 0, 0); err != nil {
			c.Log.Warningf("deleting response: %v", err)
		} else {
			raiseIRQ = true
		}
	}

	if raiseIRQ {
		return c.Transactor.IOWrite(ctx, c.SWIBase, RegSWI, 1)
	}
	return nil
}

// connect verifies the cached mailbox, or locates the server and claims
// its mailbox with a new host ID.
func (c *Client) connect(ctx context.Context) (*mailbox, error) {
	c.lock.Lock()
	mb := c.mbox
	c.lock.Unlock()
	if mb != nil {
		data, err := c.Transactor.Read(ctx, mb.ptr+4, mailboxSize-4)
		if err == nil {
			words := decodeWords(data)
			if words[0] != mb.hostID[0] || words[1] != mb.hostID[1] {
				err = ErrServerReset
			} else {
				return &mailbox{
					ptr:    mb.ptr,
					hostID: mb.hostID,
					reqLen: words[2],
					reqPtr: words[3],
					resLen: words[4],
					resPtr: words[5],
				}, nil
			}
		}
		c.Log.Warningf("mailbox lost: %v", err)
		c.lock.Lock()
		c.abortLocked(err)
		c.mbox = nil
		c.updateTimerLocked()
		c.lock.Unlock()
	}

	ptr, err := c.Transactor.IORead(ctx, c.SWIBase, RegMessage)
	if err != nil {
		return nil, err
	}
	if ptr == 0 {
		cancelled := newCancelledError()
		c.lock.Lock()
		c.abortInflightLocked(cancelled)
		c.updateTimerLocked()
		c.lock.Unlock()
		return nil, cancelled
	}
	data, err := c.Transactor.Read(ctx, ptr, mailboxSize)
	if err != nil {
		return nil, err
	}
	words := decodeWords(data)
	if words[0]&0xffff != InterfaceVersion {
		err := link.NewProtocolError("rpc", "unsupported remote version %04x", words[0]&0xffff)
		c.lock.Lock()
		c.abortLocked(err)
		c.updateTimerLocked()
		c.lock.Unlock()
		return nil, err
	}

	now := uint64(time.Now().UnixNano() / int64(time.Millisecond))
	mb = &mailbox{
		ptr:    ptr,
		hostID: [2]uint32{uint32(now), uint32(now >> 32)},
		reqLen: words[3],
		reqPtr: words[4],
		resLen: words[5],
		resPtr: words[6],
	}
	id := make([]byte, 8)
	binary.LittleEndian.PutUint32(id, mb.hostID[0])
	binary.LittleEndian.PutUint32(id[4:], mb.hostID[1])
	if err := c.Transactor.Write(ctx, ptr+4, id); err != nil {
		return nil, err
	}
	c.lock.Lock()
	c.mbox = mb
	c.lock.Unlock()
	c.Log.V(1).Infof("connected to server at %08x, host ID %08x%08x", ptr, mb.hostID[1], mb.hostID[0])
	return mb, nil
}

func (c *Client) send(ctx context.Context, mb *mailbox, cl *call) error {
	doc, err := c.encode(mb, cl)
	if err != nil {
		return err
	}
	if err := c.Transactor.Write(ctx, mb.reqPtr+4, doc[4:]); err != nil {
		return err
	}
	if err := c.Transactor.Write(ctx, mb.reqPtr, doc[:4]); err != nil {
		return err
	}
	c.lock.Lock()
	if !cl.settled {
		c.inflight[cl.tag] = cl
	}
	c.lock.Unlock()
	c.Log.V(2).Infof("sent #%d %s (%d bytes)", cl.tag, cl.method, len(doc))
	return nil
}

func (c *Client) encode(mb *mailbox, cl *call) ([]byte, error) {
	req := &Request{Method: cl.method, Params: cl.params, ID: cl.tag}
	if fn, ok := cl.params.(ParamsFunc); ok {
		req.Params = nil
		doc, err := c.Codec.EncodeRequest(req)
		if err != nil {
			return nil, err
		}
		req.Params = fn(int(mb.reqLen) - len(doc))
	}
	if !validParams(req.Params) {
		return nil, ErrInvalidParams
	}
	doc, err := c.Codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if len(doc) > int(mb.reqLen) {
		return nil, ErrRequestTooLarge
	}
	return doc, nil
}

func (c *Client) receive(ctx context.Context, mb *mailbox, size uint32) error {
	if size > mb.resLen {
		return fmt.Errorf("invalid response length %d", size)
	}
	data, err := c.Transactor.Read(ctx, mb.resPtr, int(size))
	if err != nil {
		return err
	}
	resp, err := c.Codec.DecodeResponse(data)
	if err != nil {
		return err
	}
	if resp.Version != Version {
		return fmt.Errorf("invalid JSON-RPC response version %q", resp.Version)
	}
	if !resp.HasID {
		return errors.New("no valid id")
	}
	c.lock.Lock()
	cl := c.inflight[resp.ID]
	delete(c.inflight, resp.ID)
	c.updateTimerLocked()
	c.lock.Unlock()
	if cl == nil {
		return fmt.Errorf("no RPC request tagged #%d", resp.ID)
	}
	c.Log.V(2).Infof("received #%d", resp.ID)
	if resp.Error != nil {
		c.finish(cl, nil, resp.Error)
	} else {
		c.finish(cl, resp.Result, nil)
	}
	return nil
}

func (c *Client) hasPending() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pending.Len() > 0
}

func (c *Client) popPending() *call {
	c.lock.Lock()
	defer c.lock.Unlock()
	front := c.pending.Front()
	if front == nil {
		return nil
	}
	cl := c.pending.Remove(front).(*call)
	cl.elem = nil
	return cl
}

func (c *Client) finish(cl *call, result Result, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.finishLocked(cl, result, err)
	c.updateTimerLocked()
}

func (c *Client) finishLocked(cl *call, result Result, err error) {
	if cl.settled {
		return
	}
	cl.settled, cl.result, cl.err = true, result, err
	close(cl.done)
}

func (c *Client) withdraw(cl *call, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if cl.elem != nil {
		c.pending.Remove(cl.elem)
		cl.elem = nil
	}
	delete(c.inflight, cl.tag)
	c.finishLocked(cl, nil, err)
	c.updateTimerLocked()
}

func (c *Client) abortLocked(err error) {
	for e := c.pending.Front(); e != nil; e = e.Next() {
		cl := e.Value.(*call)
		cl.elem = nil
		c.finishLocked(cl, nil, err)
	}
	c.pending.Init()
	c.abortInflightLocked(err)
}

func (c *Client) abortInflightLocked(err error) {
	for tag, cl := range c.inflight {
		delete(c.inflight, tag)
		c.finishLocked(cl, nil, err)
	}
}

func (c *Client) newTagLocked() uint64 {
	tag := uint64(time.Now().UnixNano() / int64(time.Millisecond))
	if tag <= c.lastTag {
		tag = c.lastTag + 1
	}
	c.lastTag = tag
	return tag
}

// updateTimerLocked reprograms the polling goroutine for the shortest
// interval wanted by outstanding calls.
func (c *Client) updateTimerLocked() {
	var interval time.Duration
	adjust := func(cl *call) {
		if interval == 0 || cl.interval < interval {
			interval = cl.interval
		}
	}
	for e := c.pending.Front(); e != nil; e = e.Next() {
		adjust(e.Value.(*call))
	}
	for _, cl := range c.inflight {
		adjust(cl)
	}
	if interval != 0 {
		if interval < MinPollInterval {
			interval = MinPollInterval
		} else if interval > MaxPollInterval {
			interval = MaxPollInterval
		}
	}
	if interval == c.interval {
		return
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.interval = interval
	if interval != 0 {
		c.stop = make(chan struct{})
		go c.run(interval, c.stop)
	}
}

func (c *Client) run(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Poll(c.ctx); err != nil && c.ctx.Err() == nil {
				c.Log.V(1).Infof("poll: %v", err)
			}
		}
	}
}

func decodeWords(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words
}

func validParams(params interface{}) bool {
	switch params.(type) {
	case nil:
		return false
	case bson.Raw:
		return true
	}
	v := reflect.ValueOf(params)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Struct, reflect.Array:
		return true
	case reflect.Slice:
		return v.Type().Elem().Kind() != reflect.Uint8
	}
	return false
}
