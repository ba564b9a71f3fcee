package proto

import (
	"encoding/json"
	"fmt"
)

// Client-side error codes. The engine's own codes never fall in this range.
const (
	ErrorCodeInvalidResponse = -42700
	ErrorShutdown            = -42701
	ErrorDisconnected        = -42702
	ErrorTimeout             = -42703
	ErrorSendFailed          = -42704
	ErrorTerminated          = -42705
	ErrorNotInitialized      = -42706
)

// Request is a JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Response is an inbound frame after decoding. When IsReply is set it is
// correlated to a request by ID; otherwise Method and Params describe a
// notification.
type Response struct {
	ID      uint64
	IsReply bool
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *Error

	// CheckError is set when the frame is a reply but carries neither a
	// result nor an error.
	CheckError *Error
}

// Error is an error descriptor, either sent by the engine or produced by the
// client. Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code <= ErrorCodeInvalidResponse && e.Code > ErrorCodeInvalidResponse-100 {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.Code == e.Code
}

// A ClientCodec writes requests to and reads raw frames from one live
// connection. WriteRequest and ReadFrame are called from different
// goroutines; each one is only ever called from a single goroutine.
type ClientCodec interface {
	WriteRequest(*Request) error
	ReadFrame() ([]byte, error)

	Close() error
}

// Notification is a push frame that is not correlated to any request.
type Notification struct {
	Method string              `json:"method"`
	Params []NotificationParam `json:"params"`
}

type NotificationParam struct {
	GID string `json:"gid"`
}
