package aria2rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"github.com/patdz/aria2rpc/codec"
	"github.com/patdz/aria2rpc/proto"
)

// Namespace is prepended to every method name passed to Call.
const Namespace = "aria2."

const (
	DefaultCallTimeout       = 30 * time.Second
	DefaultReconnectAttempts = 10
	DefaultReconnectDelay    = 2 * time.Second

	requestQueueSize = 100
)

var (
	ErrShutdown        = &proto.Error{Code: proto.ErrorShutdown, Message: "connection is shut down"}
	ErrDisconnected    = &proto.Error{Code: proto.ErrorDisconnected, Message: "engine connection lost"}
	ErrTimeout         = &proto.Error{Code: proto.ErrorTimeout, Message: "rpc call timed out"}
	ErrInvalidResponse = &proto.Error{Code: proto.ErrorCodeInvalidResponse, Message: "invalid response"}
	ErrSendFailed      = &proto.Error{Code: proto.ErrorSendFailed, Message: "failed to send request"}
	ErrTerminated      = &proto.Error{Code: proto.ErrorTerminated, Message: "engine connection gave up reconnecting"}
	ErrNotInitialized  = &proto.Error{Code: proto.ErrorNotInitialized, Message: "engine client not initialized"}
)

// Request ids are unique for the lifetime of the process, across clients
// and reconnects, so a stale reply can never be matched to a new call.
var lastID uint64

func nextID() uint64 {
	return atomic.AddUint64(&lastID, 1)
}

// A Dialer opens a fresh connection to the engine.
type Dialer interface {
	Dial(ctx context.Context) (proto.ClientCodec, error)
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Dialer Dialer
	Secret string
	Sink   EventSink
	Clock  clock.Clock

	CallTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Sink == nil {
		o.Sink = discardSink{}
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	return o
}

// State is the connection state of a Client.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateReconnecting
	StateTerminated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Call represents an active RPC.
type Call struct {
	ID     uint64
	Method string
	Params []interface{}
	Result json.RawMessage
	Error  error
	Done   chan *Call // buffered, receives the call once it is resolved
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		logrus.Debugf("rpc: discarding duplicate resolution of call %d", call.ID)
	}
}

// Client is a multiplexed JSON-RPC client for the engine. A single goroutine
// owns the connection and the table of pending calls; any number of
// goroutines may issue calls concurrently.
type Client struct {
	secret string
	opts   Options

	requests chan *Call

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	dead   chan struct{} // closed when the loop has exited
	err    error         // why the loop exited, valid once dead is closed

	mutex   sync.Mutex // protects following
	state   State
	attempt int
}

// Dial connects to the engine once and starts the connection loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	conn, err := opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return NewClientWithCodec(conn, opts), nil
}

// NewClientWithCodec starts a client on an already established connection.
// opts.Dialer is used for reconnecting.
func NewClientWithCodec(conn proto.ClientCodec, opts Options) *Client {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		secret:   opts.Secret,
		opts:     opts,
		requests: make(chan *Call, requestQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		dead:     make(chan struct{}),
		state:    StateConnected,
	}
	go client.loop(conn)
	return client
}

// State returns the connection state and, while reconnecting, the current
// attempt number.
func (client *Client) State() (State, int) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.state, client.attempt
}

func (client *Client) setState(s State, attempt int) {
	client.mutex.Lock()
	client.state = s
	client.attempt = attempt
	client.mutex.Unlock()
}

// Done is closed once the client can no longer serve calls, either because
// it was closed or because reconnecting failed.
func (client *Client) Done() <-chan struct{} {
	return client.dead
}

// Err returns why the client stopped, or nil while it is running.
func (client *Client) Err() error {
	select {
	case <-client.dead:
		return client.err
	default:
		return nil
	}
}

// Close stops the connection loop and fails every pending call. Closing an
// already closed client returns ErrShutdown.
func (client *Client) Close() error {
	if client.ctx.Err() != nil {
		<-client.dead
		return ErrShutdown
	}
	client.cancel()
	<-client.dead
	return nil
}

// Call invokes aria2.<method> with the secret token prepended to params and
// waits for the reply, the call timeout, ctx or the end of the client,
// whichever comes first. A reply arriving after the timeout is dropped.
func (client *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	full := make([]interface{}, 0, len(params)+1)
	full = append(full, "token:"+client.secret)
	full = append(full, params...)
	call := &Call{
		Method: Namespace + method,
		Params: full,
		Done:   make(chan *Call, 1),
	}

	timer := client.opts.Clock.NewTimer(client.opts.CallTimeout)
	defer timer.Stop()

	select {
	case client.requests <- call:
	case <-client.dead:
		return nil, client.err
	case <-timer.Chan():
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-timer.Chan():
		logrus.Debugf("rpc: %s timed out after %v", call.Method, client.opts.CallTimeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-client.dead:
		select {
		case <-call.Done:
			return call.Result, call.Error
		default:
		}
		return nil, client.err
	}
}

type reader struct {
	frames chan []byte
	errc   chan error
	stop   chan struct{}
}

// startReader pumps frames from conn until it fails or stop is closed. It is
// the only goroutine that ever reads from conn.
func startReader(conn proto.ClientCodec) *reader {
	rd := &reader{
		frames: make(chan []byte),
		errc:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
	go func() {
		for {
			data, err := conn.ReadFrame()
			if err != nil {
				rd.errc <- err
				return
			}
			select {
			case rd.frames <- data:
			case <-rd.stop:
				return
			}
		}
	}()
	return rd
}

type redialResult struct {
	conn proto.ClientCodec
	err  error
}

func (client *Client) loop(conn proto.ClientCodec) {
	pending := make(map[uint64]*Call)
	rd := startReader(conn)
	var redial <-chan redialResult

	// frames and readErr are nil while there is no live connection.
	frames, readErr := rd.frames, rd.errc

	for {
		select {
		case call := <-client.requests:
			if conn == nil {
				call.Error = ErrDisconnected
				call.done()
				continue
			}
			client.send(conn, pending, call)

		case data := <-frames:
			client.input(pending, data)

		case err := <-readErr:
			logrus.Errorf("engine connection error: %v, attempting reconnect", err)
			_ = conn.Close()
			conn, rd, frames, readErr = nil, nil, nil, nil
			client.setState(StateDisconnected, 0)
			client.opts.Sink.ConnectionChanged(proto.StatusDisconnected)
			terminatePending(pending, ErrDisconnected)
			redial = client.redial()

		case res := <-redial:
			redial = nil
			if client.ctx.Err() != nil {
				if res.conn != nil {
					_ = res.conn.Close()
				}
				terminatePending(pending, ErrShutdown)
				client.finish(StateClosed, ErrShutdown)
				return
			}
			if res.err != nil {
				logrus.Errorf("failed to reconnect after %d attempts, giving up: %v",
					client.opts.ReconnectAttempts, retry.LastError(res.err))
				client.finish(StateTerminated, ErrTerminated)
				return
			}
			conn = res.conn
			rd = startReader(conn)
			frames, readErr = rd.frames, rd.errc
			client.setState(StateConnected, 0)
			logrus.Infof("engine connection re-established")
			client.opts.Sink.ConnectionChanged(proto.StatusConnected)

		case <-client.ctx.Done():
			if conn != nil {
				close(rd.stop)
				_ = conn.Close()
			}
			if redial != nil {
				// The redial goroutine stops with ctx; a dial that
				// completed in the meantime still hands over its conn.
				if res := <-redial; res.conn != nil {
					_ = res.conn.Close()
				}
			}
			terminatePending(pending, ErrShutdown)
			client.finish(StateClosed, ErrShutdown)
			return
		}
	}
}

func (client *Client) send(conn proto.ClientCodec, pending map[uint64]*Call, call *Call) {
	call.ID = nextID()
	pending[call.ID] = call

	req := &proto.Request{
		JSONRPC: "2.0",
		ID:      call.ID,
		Method:  call.Method,
		Params:  call.Params,
	}
	if err := conn.WriteRequest(req); err != nil {
		logrus.Errorf("failed to send %s: %v", call.Method, err)
		delete(pending, call.ID)
		call.Error = &proto.Error{
			Code:    proto.ErrorSendFailed,
			Message: fmt.Sprintf("send %s: %v", call.Method, err),
		}
		call.done()
	}
}

func (client *Client) input(pending map[uint64]*Call, data []byte) {
	var resp proto.Response
	if err := codec.DecodeFrame(data, &resp); err != nil {
		logrus.Warnf("dropping unrecognised frame: %v", err)
		return
	}
	if !resp.IsReply {
		var n proto.Notification
		n.Method = resp.Method
		if len(resp.Params) > 0 {
			if err := json.Unmarshal(resp.Params, &n.Params); err != nil {
				logrus.Warnf("dropping malformed %s notification: %v", resp.Method, err)
				return
			}
		}
		Dispatch(client.opts.Sink, &n)
		return
	}

	call := pending[resp.ID]
	delete(pending, resp.ID)

	switch {
	case call == nil:
		logrus.Debugf("dropping reply for unknown request %d", resp.ID)
	case resp.Error != nil:
		call.Error = resp.Error
		call.done()
	case resp.CheckError != nil:
		call.Error = resp.CheckError
		call.done()
	default:
		call.Result = resp.Result
		call.done()
	}
}

// redial reconnects in its own goroutine so the loop keeps failing new
// calls fast while the engine is unreachable.
func (client *Client) redial() <-chan redialResult {
	ch := make(chan redialResult, 1)
	go func() {
		select {
		case <-client.opts.Clock.After(client.opts.ReconnectDelay):
		case <-client.ctx.Done():
			ch <- redialResult{err: client.ctx.Err()}
			return
		}

		var conn proto.ClientCodec
		attempt := 0
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				attempt++
				client.setState(StateReconnecting, attempt)
				c, err := client.opts.Dialer.Dial(client.ctx)
				if err != nil {
					return err
				}
				conn = c
				return nil
			},
			NotifyFunc: func(err error, attempt int) {
				logrus.Warnf("reconnect attempt %d/%d failed: %v", attempt, client.opts.ReconnectAttempts, err)
			},
			Attempts: client.opts.ReconnectAttempts,
			Delay:    client.opts.ReconnectDelay,
			Clock:    client.opts.Clock,
			Stop:     client.ctx.Done(),
		})
		ch <- redialResult{conn: conn, err: err}
	}()
	return ch
}

func terminatePending(pending map[uint64]*Call, err error) {
	for id, call := range pending {
		delete(pending, id)
		call.Error = err
		call.done()
	}
}

// finish records why the loop stopped and fails every call still queued.
func (client *Client) finish(s State, err error) {
	client.err = err
	client.setState(s, 0)
	close(client.dead)
	for {
		select {
		case call := <-client.requests:
			call.Error = err
			call.done()
		default:
			return
		}
	}
}
