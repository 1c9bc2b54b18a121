package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// Request is one outgoing call.
type Request struct {
	Method string
	Params interface{}
	ID     uint64
}

// Result is the undecoded result of a call.
type Result interface {
	Unmarshal(v interface{}) error
}

// Response is one decoded reply.
type Response struct {
	Version string
	ID      uint64
	HasID   bool
	Result  Result
	Error   *RemoteError
}

// Codec converts requests and responses to the bytes placed in the
// mailbox buffers. The first little-endian word of an encoded message is
// its total length.
type Codec interface {
	EncodeRequest(req *Request) ([]byte, error)
	DecodeResponse(data []byte) (*Response, error)
}

// BSONCodec encodes messages as BSON documents with the id as a BSON
// timestamp.
type BSONCodec struct{}

type bsonRequest struct {
	JSONRPC string              `bson:"jsonrpc"`
	Method  string              `bson:"method"`
	Params  interface{}         `bson:"params"`
	ID      primitive.Timestamp `bson:"id"`
}

type bsonResponse struct {
	JSONRPC string               `bson:"jsonrpc"`
	ID      *primitive.Timestamp `bson:"id"`
	Result  bson.RawValue        `bson:"result"`
	Error   *RemoteError         `bson:"error"`
}

type bsonResult struct {
	bson.RawValue
}

func (r bsonResult) Unmarshal(v interface{}) error {
	if r.Type == 0 || r.Type == bsontype.Null {
		return nil
	}
	return r.RawValue.Unmarshal(v)
}

// EncodeRequest implements Codec.
func (BSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	return bson.Marshal(&bsonRequest{
		JSONRPC: Version,
		Method:  req.Method,
		Params:  req.Params,
		ID:      primitive.Timestamp{T: uint32(req.ID >> 32), I: uint32(req.ID)},
	})
}

// DecodeResponse implements Codec.
func (BSONCodec) DecodeResponse(data []byte) (*Response, error) {
	var msg bsonResponse
	if err := bson.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	resp := &Response{
		Version: msg.JSONRPC,
		Result:  bsonResult{msg.Result},
		Error:   msg.Error,
	}
	if msg.ID != nil {
		resp.ID, resp.HasID = uint64(msg.ID.T)<<32|uint64(msg.ID.I), true
	}
	return resp, nil
}

// ProtoCodec encodes messages as a google.protobuf.Struct behind a length
// word, for servers built with nanopb.
type ProtoCodec struct{}

type jsonResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *float64        `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RemoteError    `json:"error"`
}

type jsonResult json.RawMessage

func (r jsonResult) Unmarshal(v interface{}) error {
	if len(r) == 0 {
		return nil
	}
	return json.Unmarshal(r, v)
}

// EncodeRequest implements Codec.
func (ProtoCodec) EncodeRequest(req *Request) ([]byte, error) {
	encoded, err := json.Marshal(map[string]interface{}{
		"jsonrpc": Version,
		"method":  req.Method,
		"params":  req.Params,
		"id":      req.ID,
	})
	if err != nil {
		return nil, err
	}
	var msg structpb.Struct
	if err := jsonpb.Unmarshal(bytes.NewReader(encoded), &msg); err != nil {
		return nil, err
	}
	body, err := proto.Marshal(&msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:], body)
	return out, nil
}

// DecodeResponse implements Codec.
func (ProtoCodec) DecodeResponse(data []byte) (*Response, error) {
	if len(data) < 4 || int(binary.LittleEndian.Uint32(data)) != len(data) {
		return nil, errors.New("invalid message length")
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(data[4:], &msg); err != nil {
		return nil, err
	}
	encoded, err := (&jsonpb.Marshaler{}).MarshalToString(&msg)
	if err != nil {
		return nil, err
	}
	var decoded jsonResponse
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		return nil, err
	}
	resp := &Response{
		Version: decoded.JSONRPC,
		Result:  jsonResult(decoded.Result),
		Error:   decoded.Error,
	}
	if decoded.ID != nil {
		resp.ID, resp.HasID = uint64(*decoded.ID), true
	}
	return resp, nil
}
