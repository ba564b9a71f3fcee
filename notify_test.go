package aria2rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patdz/aria2rpc/proto"
)

func TestDispatchKnownMethods(t *testing.T) {
	cases := map[string]proto.EventKind{
		"aria2.onDownloadStart":      proto.EventDownloadStart,
		"aria2.onDownloadPause":      proto.EventDownloadPause,
		"aria2.onDownloadStop":       proto.EventDownloadStop,
		"aria2.onDownloadComplete":   proto.EventDownloadComplete,
		"aria2.onDownloadError":      proto.EventDownloadError,
		"aria2.onBtDownloadComplete": proto.EventBtDownloadComplete,
	}
	for method, kind := range cases {
		sink := NewChanSink(4)
		ok := Dispatch(sink, &proto.Notification{
			Method: method,
			Params: []proto.NotificationParam{{GID: "2089b05ecca3d829"}, {GID: "ignored"}},
		})
		assert.True(t, ok, method)
		if assert.Len(t, sink.EventChan, 1, method) {
			assert.Equal(t, proto.Event{Kind: kind, GID: "2089b05ecca3d829"}, <-sink.EventChan)
		}
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	sink := NewChanSink(1)
	assert.False(t, Dispatch(sink, &proto.Notification{
		Method: "aria2.onSomethingNew",
		Params: []proto.NotificationParam{{GID: "1"}},
	}))
	assert.Len(t, sink.EventChan, 0)
}

func TestDispatchWithoutParams(t *testing.T) {
	sink := NewChanSink(1)
	assert.False(t, Dispatch(sink, &proto.Notification{Method: "aria2.onDownloadStart"}))
	assert.False(t, Dispatch(sink, &proto.Notification{
		Method: "aria2.onDownloadStart",
		Params: []proto.NotificationParam{{}},
	}))
	assert.Len(t, sink.EventChan, 0)
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	sink := NewChanSink(1)
	sink.ConnectionChanged(proto.StatusDisconnected)
	sink.ConnectionChanged(proto.StatusConnected)
	assert.Equal(t, proto.StatusDisconnected, <-sink.StatusChan)
	assert.Len(t, sink.StatusChan, 0)
}
