package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/patdz/aria2rpc/helper"
	"github.com/patdz/aria2rpc/proto"
)

const (
	// Maximum time allowed to write one request frame.
	writeWait = 10 * time.Second

	// Time allowed for the websocket handshake with the engine.
	handshakeTimeout = 5 * time.Second
)

// Endpoint returns the engine's loopback JSON-RPC websocket address.
func Endpoint(port int) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/jsonrpc", port)
}

type clientCodec struct {
	conn *websocket.Conn
}

// NewClientCodec returns a proto.ClientCodec speaking JSON-RPC text frames
// on conn.
func NewClientCodec(conn *websocket.Conn) proto.ClientCodec {
	return &clientCodec{conn: conn}
}

func (c *clientCodec) WriteRequest(r *proto.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	logrus.Debugf("=> %s", data)
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks until the next data frame arrives. Any error it returns
// means the connection is unusable.
func (c *clientCodec) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		logrus.Debugf("<= %s", data)
		return data, nil
	}
}

func (c *clientCodec) Close() error {
	return c.conn.Close()
}

// Dialer opens websocket connections to one fixed endpoint.
type Dialer struct {
	URL string
}

func (d Dialer) Dial(ctx context.Context) (proto.ClientCodec, error) {
	dialer := websocket.Dialer{
		Proxy:            nil, // loopback only
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}
	return NewClientCodec(conn), nil
}

// DecodeFrame classifies one inbound frame. A frame with a numeric id is a
// reply; a frame with a method and no id is a notification. Anything else is
// reported as an error and must be dropped by the caller.
func DecodeFrame(data []byte, r *proto.Response) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "invalid frame")
	}

	mp, ok := raw.(map[string]interface{})
	if !ok {
		return errors.New("invalid response type")
	}

	if id, ok := helper.Interface2Uint64(mp["id"]); ok {
		r.ID = id
		r.IsReply = true
		if errVal, present := mp["error"]; present && errVal != nil {
			b, _ := helper.Interface2JsonBytes(errVal)
			r.Error = &proto.Error{}
			if err := json.Unmarshal(b, r.Error); err != nil {
				r.Error = nil
				r.CheckError = &proto.Error{
					Code:    proto.ErrorCodeInvalidResponse,
					Message: fmt.Sprintf("parse error field failed: %v", err),
				}
			}
			return nil
		}
		if res, present := mp["result"]; present {
			r.Result, _ = helper.Interface2JsonBytes(res)
			return nil
		}
		r.CheckError = &proto.Error{
			Code:    proto.ErrorCodeInvalidResponse,
			Message: "no result and error field",
		}
		return nil
	}

	method, _ := helper.Interface2String(mp["method"])
	if method == "" {
		return errors.New("frame is neither a reply nor a notification")
	}
	r.Method = method
	if params, present := mp["params"]; present {
		r.Params, _ = helper.Interface2JsonBytes(params)
	}
	return nil
}
