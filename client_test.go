package aria2rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patdz/aria2rpc/proto"
)

const waitTimeout = 5 * time.Second

type fakeCodec struct {
	written  chan *proto.Request
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	writeErr error
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		written:  make(chan *proto.Request, 100),
		incoming: make(chan []byte, 100),
		closed:   make(chan struct{}),
	}
}

func (f *fakeCodec) WriteRequest(r *proto.Request) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written <- r
	return nil
}

func (f *fakeCodec) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeCodec) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeCodec) next(t *testing.T) *proto.Request {
	t.Helper()
	select {
	case r := <-f.written:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("no request written")
		return nil
	}
}

func (f *fakeCodec) reply(id uint64, result string) {
	f.incoming <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

type fakeDialer struct {
	mutex sync.Mutex
	dials int
	conns chan *fakeCodec
}

func newFakeDialer(conns ...*fakeCodec) *fakeDialer {
	d := &fakeDialer{conns: make(chan *fakeCodec, 10)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context) (proto.ClientCodec, error) {
	d.mutex.Lock()
	d.dials++
	d.mutex.Unlock()
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errors.New("connection refused")
	}
}

func (d *fakeDialer) count() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.dials
}

func newTestClient(t *testing.T, conn *fakeCodec, opts Options) *Client {
	t.Helper()
	if opts.Dialer == nil {
		opts.Dialer = newFakeDialer()
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Millisecond
	}
	opts.Secret = "s3cret"
	client := NewClientWithCodec(conn, opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitStatus(t *testing.T, sink *ChanSink, want proto.ConnectionStatus) {
	t.Helper()
	select {
	case got := <-sink.StatusChan:
		assert.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("no %s status", want)
	}
}

type callResult struct {
	raw json.RawMessage
	err error
}

func goCall(client *Client, method string, params ...interface{}) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		raw, err := client.Call(context.Background(), method, params...)
		ch <- callResult{raw, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("call did not return")
		return callResult{}
	}
}

func TestCallPrependsTokenAndNamespace(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	res := goCall(client, "tellStatus", "abc")
	req := conn.next(t)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "aria2.tellStatus", req.Method)
	assert.Equal(t, []interface{}{"token:s3cret", "abc"}, req.Params)

	conn.reply(req.ID, `{"gid":"abc","status":"active"}`)
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"gid":"abc","status":"active"}`, string(r.raw))
}

func TestConcurrentCallsMatchOutOfOrderReplies(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	const n = 20
	results := make([]<-chan callResult, n)
	for i := 0; i < n; i++ {
		results[i] = goCall(client, "tellStatus", fmt.Sprintf("gid-%d", i))
	}

	reqs := make([]*proto.Request, n)
	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		reqs[i] = conn.next(t)
		assert.False(t, seen[reqs[i].ID], "id %d reused", reqs[i].ID)
		seen[reqs[i].ID] = true
	}
	for i := n - 1; i >= 0; i-- {
		conn.reply(reqs[i].ID, fmt.Sprintf(`{"gid":%q}`, reqs[i].Params[1]))
	}

	for i := 0; i < n; i++ {
		r := wait(t, results[i])
		require.NoError(t, r.err)
		assert.JSONEq(t, fmt.Sprintf(`{"gid":"gid-%d"}`, i), string(r.raw))
	}
}

func TestProtocolErrorSurfacedVerbatim(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	res := goCall(client, "pause", "missing")
	req := conn.next(t)
	conn.incoming <- []byte(fmt.Sprintf(`{"id":%d,"error":{"code":1,"message":"GID missing is not found"}}`, req.ID))

	r := wait(t, res)
	var perr *proto.Error
	require.True(t, errors.As(r.err, &perr))
	assert.Equal(t, 1, perr.Code)
	assert.Equal(t, "GID missing is not found", perr.Message)
}

func TestStringResultDecodeError(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	go func() {
		req := conn.next(t)
		conn.reply(req.ID, `42`)
	}()
	_, err := client.Pause(context.Background(), "abc")
	assert.True(t, errors.Is(err, ErrInvalidResponse))
}

func TestSendFailureResolvesImmediately(t *testing.T) {
	conn := newFakeCodec()
	conn.writeErr = errors.New("broken pipe")
	client := newTestClient(t, conn, Options{})

	_, err := client.Call(context.Background(), "getVersion")
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestTimeoutIgnoresLateReply(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{CallTimeout: 50 * time.Millisecond})

	_, err := client.Call(context.Background(), "getVersion")
	assert.True(t, errors.Is(err, ErrTimeout))
	late := conn.next(t)
	conn.reply(late.ID, `"late"`)

	res := goCall(client, "getVersion")
	req := conn.next(t)
	assert.Greater(t, req.ID, late.ID)
	conn.reply(req.ID, `{"version":"1.37.0"}`)
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"version":"1.37.0"}`, string(r.raw))

	state, _ := client.State()
	assert.Equal(t, StateConnected, state)
}

func TestDropFailsEveryPendingCall(t *testing.T) {
	conn := newFakeCodec()
	sink := NewChanSink(10)
	client := newTestClient(t, conn, Options{Sink: sink, ReconnectAttempts: 1})

	const n = 5
	results := make([]<-chan callResult, n)
	for i := 0; i < n; i++ {
		results[i] = goCall(client, "tellStatus", fmt.Sprintf("gid-%d", i))
		conn.next(t)
	}
	_ = conn.Close()

	for i := 0; i < n; i++ {
		r := wait(t, results[i])
		assert.True(t, errors.Is(r.err, ErrDisconnected), "call %d: %v", i, r.err)
	}
	waitStatus(t, sink, proto.StatusDisconnected)
}

func TestCallWhileDisconnectedFailsFast(t *testing.T) {
	conn := newFakeCodec()
	sink := NewChanSink(10)
	client := newTestClient(t, conn, Options{
		Sink:              sink,
		ReconnectAttempts: 1,
		ReconnectDelay:    time.Second,
	})

	_ = conn.Close()
	waitStatus(t, sink, proto.StatusDisconnected)

	start := time.Now()
	_, err := client.Pause(context.Background(), "abc")
	assert.True(t, errors.Is(err, ErrDisconnected))
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, conn.written, 0)
}

func TestReconnectUsesFreshIDsAndEmptyTable(t *testing.T) {
	first, second := newFakeCodec(), newFakeCodec()
	sink := NewChanSink(10)
	client := newTestClient(t, first, Options{Sink: sink, Dialer: newFakeDialer(second)})

	res := goCall(client, "getVersion")
	before := first.next(t)
	first.reply(before.ID, `"one"`)
	require.NoError(t, wait(t, res).err)

	stale := goCall(client, "getGlobalStat")
	staleReq := first.next(t)
	_ = first.Close()
	assert.True(t, errors.Is(wait(t, stale).err, ErrDisconnected))

	waitStatus(t, sink, proto.StatusDisconnected)
	waitStatus(t, sink, proto.StatusConnected)
	state, _ := client.State()
	assert.Equal(t, StateConnected, state)

	// A reply to a call from the old connection must not resolve anything.
	second.reply(staleReq.ID, `"stale"`)

	res = goCall(client, "getVersion")
	after := second.next(t)
	assert.Greater(t, after.ID, staleReq.ID)
	second.reply(after.ID, `"two"`)
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.JSONEq(t, `"two"`, string(r.raw))
}

func TestReconnectGivesUpAfterTenAttempts(t *testing.T) {
	conn := newFakeCodec()
	dialer := newFakeDialer()
	sink := NewChanSink(10)
	client := newTestClient(t, conn, Options{Sink: sink, Dialer: dialer})

	_ = conn.Close()
	select {
	case <-client.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client did not give up")
	}

	assert.Equal(t, DefaultReconnectAttempts, dialer.count())
	state, _ := client.State()
	assert.Equal(t, StateTerminated, state)
	assert.True(t, errors.Is(client.Err(), ErrTerminated))

	_, err := client.Call(context.Background(), "getVersion")
	assert.True(t, errors.Is(err, ErrTerminated))

	waitStatus(t, sink, proto.StatusDisconnected)
	assert.Len(t, sink.StatusChan, 0)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	conn := newFakeCodec()
	sink := NewChanSink(10)
	client := newTestClient(t, conn, Options{Sink: sink})

	conn.incoming <- []byte(`garbage`)
	conn.incoming <- []byte(`{"method":"aria2.onDownloadStart","params":"nope"}`)
	conn.incoming <- []byte(`{"method":"aria2.onFutureEvent","params":[{"gid":"1"}]}`)
	conn.incoming <- []byte(`{"jsonrpc":"2.0","method":"aria2.onDownloadComplete","params":[{"gid":"2089b05ecca3d829"}]}`)

	select {
	case ev := <-sink.EventChan:
		assert.Equal(t, proto.Event{Kind: proto.EventDownloadComplete, GID: "2089b05ecca3d829"}, ev)
	case <-time.After(waitTimeout):
		t.Fatal("no event")
	}
	assert.Len(t, sink.EventChan, 0)

	res := goCall(client, "getVersion")
	req := conn.next(t)
	conn.reply(req.ID, `{}`)
	require.NoError(t, wait(t, res).err)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	res := goCall(client, "getVersion")
	conn.next(t)

	require.NoError(t, client.Close())
	assert.True(t, errors.Is(wait(t, res).err, ErrShutdown))

	_, err := client.Call(context.Background(), "getVersion")
	assert.True(t, errors.Is(err, ErrShutdown))
	assert.Equal(t, ErrShutdown, client.Close())

	state, _ := client.State()
	assert.Equal(t, StateClosed, state)
}

func TestCallHonoursContext(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		conn.next(t)
		cancel()
	}()
	_, err := client.Call(ctx, "getVersion")
	assert.Equal(t, context.Canceled, err)
}

func TestTaskListMergesActiveAndWaiting(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	go func() {
		active := conn.next(t)
		assert.Equal(t, "aria2.tellActive", active.Method)
		conn.reply(active.ID, `[{"gid":"a"}]`)
		waiting := conn.next(t)
		assert.Equal(t, "aria2.tellWaiting", waiting.Method)
		assert.Equal(t, []interface{}{"token:s3cret", 0, waitingListLimit}, waiting.Params)
		conn.reply(waiting.ID, `[{"gid":"w1"},{"gid":"w2"}]`)
	}()

	tasks, err := client.TaskList(context.Background(), ListActive)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "a", tasks[0].(map[string]interface{})["gid"])
	assert.Equal(t, "w2", tasks[2].(map[string]interface{})["gid"])
}

func TestAddTorrentShapesParams(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	go func() {
		req := conn.next(t)
		assert.Equal(t, "aria2.addTorrent", req.Method)
		assert.Equal(t, []interface{}{"token:s3cret", "ZDQ6aW5mb2Vl", []string{}, TaskOptions{"dir": "/tmp"}}, req.Params)
		conn.reply(req.ID, `"2089b05ecca3d829"`)
	}()

	gid, err := client.AddTorrent(context.Background(), "ZDQ6aW5mb2Vl", TaskOptions{"dir": "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "2089b05ecca3d829", gid)
}

func TestShutdownSavesSessionFirst(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	go func() {
		save := conn.next(t)
		assert.Equal(t, "aria2.saveSession", save.Method)
		conn.incoming <- []byte(fmt.Sprintf(`{"id":%d,"error":{"code":1,"message":"no session file"}}`, save.ID))
		stop := conn.next(t)
		assert.Equal(t, "aria2.shutdown", stop.Method)
		conn.reply(stop.ID, `"OK"`)
	}()

	raw, err := client.Shutdown(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"OK"`, string(raw))
}

func TestTaskListRejectsNonArrayResult(t *testing.T) {
	conn := newFakeCodec()
	client := newTestClient(t, conn, Options{})

	go func() {
		active := conn.next(t)
		conn.reply(active.ID, `[{"gid":"a"}]`)
		waiting := conn.next(t)
		conn.reply(waiting.ID, `{"not":"array"}`)
	}()

	tasks, err := client.TaskList(context.Background(), ListActive)
	assert.Nil(t, tasks)
	assert.True(t, errors.Is(err, ErrInvalidResponse), "got %v", err)
}

func TestWrapperMethodsAndParams(t *testing.T) {
	opts := TaskOptions{"max-download-limit": "1M"}
	tests := []struct {
		name   string
		call   func(ctx context.Context, client *Client) (interface{}, error)
		method string
		params []interface{}
		reply  string
		want   interface{}
		err    error
	}{
		{
			name: "add metalink",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.AddMetalink(ctx, "bWV0YQ==", opts)
			},
			method: "aria2.addMetalink",
			params: []interface{}{"token:s3cret", "bWV0YQ==", opts},
			reply:  `["0000000000000001","0000000000000002"]`,
			want:   []string{"0000000000000001", "0000000000000002"},
		},
		{
			name: "add metalink without options",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.AddMetalink(ctx, "bWV0YQ==", nil)
			},
			method: "aria2.addMetalink",
			params: []interface{}{"token:s3cret", "bWV0YQ=="},
			reply:  `["0000000000000001"]`,
			want:   []string{"0000000000000001"},
		},
		{
			name: "add metalink with non-string gid",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.AddMetalink(ctx, "bWV0YQ==", nil)
			},
			method: "aria2.addMetalink",
			params: []interface{}{"token:s3cret", "bWV0YQ=="},
			reply:  `["0000000000000001",7]`,
			err:    ErrInvalidResponse,
		},
		{
			name: "change position",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.ChangePosition(ctx, "2089b05ecca3d829", -2, PosCur)
			},
			method: "aria2.changePosition",
			params: []interface{}{"token:s3cret", "2089b05ecca3d829", -2, "POS_CUR"},
			reply:  `3`,
			want:   json.RawMessage(`3`),
		},
		{
			name: "change option",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.ChangeOption(ctx, "2089b05ecca3d829", opts)
			},
			method: "aria2.changeOption",
			params: []interface{}{"token:s3cret", "2089b05ecca3d829", opts},
			reply:  `"OK"`,
			want:   json.RawMessage(`"OK"`),
		},
		{
			name: "remove download result",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.RemoveDownloadResult(ctx, "2089b05ecca3d829")
			},
			method: "aria2.removeDownloadResult",
			params: []interface{}{"token:s3cret", "2089b05ecca3d829"},
			reply:  `"OK"`,
			want:   json.RawMessage(`"OK"`),
		},
		{
			name: "get peers",
			call: func(ctx context.Context, client *Client) (interface{}, error) {
				return client.GetPeers(ctx, "2089b05ecca3d829")
			},
			method: "aria2.getPeers",
			params: []interface{}{"token:s3cret", "2089b05ecca3d829"},
			reply:  `[{"ip":"10.0.0.2","port":"6881"}]`,
			want:   json.RawMessage(`[{"ip":"10.0.0.2","port":"6881"}]`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeCodec()
			client := newTestClient(t, conn, Options{})

			type outcome struct {
				got interface{}
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				got, err := tt.call(context.Background(), client)
				done <- outcome{got, err}
			}()

			req := conn.next(t)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.params, req.Params)
			conn.reply(req.ID, tt.reply)

			select {
			case out := <-done:
				if tt.err != nil {
					assert.True(t, errors.Is(out.err, tt.err), "got %v", out.err)
					return
				}
				require.NoError(t, out.err)
				if raw, ok := tt.want.(json.RawMessage); ok {
					assert.JSONEq(t, string(raw), string(out.got.(json.RawMessage)))
				} else {
					assert.Equal(t, tt.want, out.got)
				}
			case <-time.After(waitTimeout):
				t.Fatal("call did not return")
			}
		})
	}
}

// lateDialer blocks until the client is closed and then completes the dial
// anyway, as a handshake racing the close would.
type lateDialer struct {
	dialing chan struct{}
	conn    *fakeCodec
}

func (d *lateDialer) Dial(ctx context.Context) (proto.ClientCodec, error) {
	close(d.dialing)
	<-ctx.Done()
	return d.conn, nil
}

func TestCloseReleasesConnDialedDuringClose(t *testing.T) {
	first := newFakeCodec()
	dialer := &lateDialer{dialing: make(chan struct{}), conn: newFakeCodec()}
	client := newTestClient(t, first, Options{Dialer: dialer})

	_ = first.Close()
	select {
	case <-dialer.dialing:
	case <-time.After(waitTimeout):
		t.Fatal("no reconnect attempt")
	}

	require.NoError(t, client.Close())
	select {
	case <-dialer.conn.closed:
	default:
		t.Fatal("conn dialed during Close was not closed")
	}
	state, _ := client.State()
	assert.Equal(t, StateClosed, state)
}
