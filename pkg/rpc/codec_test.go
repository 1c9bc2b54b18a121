package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testTag uint64 = 0x0000018b_12345678

func TestBSONCodecRequest(t *testing.T) {
	doc, err := BSONCodec{}.EncodeRequest(&Request{Method: "fs.open", Params: bson.M{"path": "/a"}, ID: testTag})
	require.NoError(t, err)
	require.Equal(t, uint32(len(doc)), binary.LittleEndian.Uint32(doc))

	raw := bson.Raw(doc)
	require.Equal(t, "2.0", raw.Lookup("jsonrpc").StringValue())
	require.Equal(t, "fs.open", raw.Lookup("method").StringValue())
	require.Equal(t, "/a", raw.Lookup("params", "path").StringValue())
	ts, inc := raw.Lookup("id").Timestamp()
	require.Equal(t, uint32(0x18b), ts)
	require.Equal(t, uint32(0x12345678), inc)
}

func TestBSONCodecResponse(t *testing.T) {
	id := primitive.Timestamp{T: 0x18b, I: 0x12345678}
	t.Run("result", func(t *testing.T) {
		doc, err := bson.Marshal(bson.D{
			{Key: "jsonrpc", Value: "2.0"},
			{Key: "id", Value: id},
			{Key: "result", Value: bson.M{"fd": 3}},
		})
		require.NoError(t, err)
		resp, err := BSONCodec{}.DecodeResponse(doc)
		require.NoError(t, err)
		require.True(t, resp.HasID)
		require.Equal(t, testTag, resp.ID)
		require.Nil(t, resp.Error)
		var out struct {
			FD int `bson:"fd"`
		}
		require.NoError(t, resp.Result.Unmarshal(&out))
		require.Equal(t, 3, out.FD)
	})
	t.Run("error", func(t *testing.T) {
		doc, err := bson.Marshal(bson.D{
			{Key: "jsonrpc", Value: "2.0"},
			{Key: "id", Value: id},
			{Key: "error", Value: bson.M{"code": EAGAIN, "message": "again"}},
		})
		require.NoError(t, err)
		resp, err := BSONCodec{}.DecodeResponse(doc)
		require.NoError(t, err)
		require.Equal(t, EAGAIN, resp.Error.Code)
		require.Equal(t, "again", resp.Error.Error())
		var out map[string]interface{}
		require.NoError(t, resp.Result.Unmarshal(&out))
		require.Nil(t, out)
	})
	t.Run("no id", func(t *testing.T) {
		doc, err := bson.Marshal(bson.M{"jsonrpc": "2.0"})
		require.NoError(t, err)
		resp, err := BSONCodec{}.DecodeResponse(doc)
		require.NoError(t, err)
		require.False(t, resp.HasID)
	})
}

func TestProtoCodec(t *testing.T) {
	doc, err := ProtoCodec{}.EncodeRequest(&Request{
		Method: "fs.write",
		Params: map[string]interface{}{"fd": 3, "data": []byte{1, 2, 3}},
		ID:     testTag,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(len(doc)), binary.LittleEndian.Uint32(doc))

	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(doc[4:], &msg))
	require.Equal(t, "fs.write", msg.Fields["method"].GetStringValue())
	require.Equal(t, float64(testTag), msg.Fields["id"].GetNumberValue())
	params := msg.Fields["params"].GetStructValue()
	require.Equal(t, float64(3), params.Fields["fd"].GetNumberValue())
	require.Equal(t, "AQID", params.Fields["data"].GetStringValue())

	var resp structpb.Struct
	require.NoError(t, jsonpb.Unmarshal(bytes.NewReader([]byte(
		`{"jsonrpc":"2.0","id":1700000000000,"result":{"length":3,"data":"AQID"}}`)), &resp))
	body, err := proto.Marshal(&resp)
	require.NoError(t, err)
	encoded := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(encoded, uint32(len(encoded)))
	copy(encoded[4:], body)

	decoded, err := ProtoCodec{}.DecodeResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, Version, decoded.Version)
	require.Equal(t, uint64(1700000000000), decoded.ID)
	var out struct {
		Length int    `json:"length"`
		Data   []byte `json:"data"`
	}
	require.NoError(t, decoded.Result.Unmarshal(&out))
	require.Equal(t, 3, out.Length)
	require.Equal(t, []byte{1, 2, 3}, out.Data)

	_, err = ProtoCodec{}.DecodeResponse(encoded[:len(encoded)-1])
	require.Error(t, err)
}

func TestValidParams(t *testing.T) {
	tests := []struct {
		params interface{}
		valid  bool
	}{
		{bson.M{}, true},
		{bson.D{}, true},
		{bson.A{1}, true},
		{[]int{1}, true},
		{&struct{ A int }{}, true},
		{bson.Raw{5, 0, 0, 0, 0}, true},
		{nil, false},
		{"text", false},
		{[]byte{1}, false},
		{(*struct{})(nil), false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.valid, validParams(tc.params), "%#v", tc.params)
	}
}

func TestRemoteError(t *testing.T) {
	require.Equal(t, "Operation would block", NewRemoteError(EAGAIN).Error())
	require.Equal(t, "Method not found", (&RemoteError{Code: MethodNotFound}).Error())
	require.Equal(t, "remote error 999", (&RemoteError{Code: 999}).Error())

	var err error = newCancelledError()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, ECANCELED, remote.Code)
	require.Equal(t, "Operation cancelled", err.Error())
}
