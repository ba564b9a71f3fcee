package aria2rpc

import (
	"github.com/sirupsen/logrus"

	"github.com/patdz/aria2rpc/proto"
)

// EventSink receives connection status changes and task events. It is
// called from the connection loop and must not block.
type EventSink interface {
	ConnectionChanged(proto.ConnectionStatus)
	TaskEvent(proto.Event)
}

var eventKinds = map[string]proto.EventKind{
	"aria2.onDownloadStart":      proto.EventDownloadStart,
	"aria2.onDownloadPause":      proto.EventDownloadPause,
	"aria2.onDownloadStop":       proto.EventDownloadStop,
	"aria2.onDownloadComplete":   proto.EventDownloadComplete,
	"aria2.onDownloadError":      proto.EventDownloadError,
	"aria2.onBtDownloadComplete": proto.EventBtDownloadComplete,
}

// Dispatch turns a recognised notification into one event for sink. Unknown
// methods and notifications without a task id are dropped. It reports
// whether an event was emitted.
func Dispatch(sink EventSink, n *proto.Notification) bool {
	kind, ok := eventKinds[n.Method]
	if !ok {
		logrus.Debugf("unknown engine notification: %s", n.Method)
		return false
	}
	if len(n.Params) == 0 || n.Params[0].GID == "" {
		logrus.Debugf("dropping %s notification without gid", n.Method)
		return false
	}

	ev := proto.Event{Kind: kind, GID: n.Params[0].GID}
	logrus.Infof("engine event %s for gid %s", ev.Kind, ev.GID)
	sink.TaskEvent(ev)
	return true
}

// ChanSink delivers events on buffered channels. When a channel is full the
// value is dropped rather than stalling the connection loop.
type ChanSink struct {
	StatusChan chan proto.ConnectionStatus
	EventChan  chan proto.Event
}

func NewChanSink(size int) *ChanSink {
	return &ChanSink{
		StatusChan: make(chan proto.ConnectionStatus, size),
		EventChan:  make(chan proto.Event, size),
	}
}

func (s *ChanSink) ConnectionChanged(status proto.ConnectionStatus) {
	select {
	case s.StatusChan <- status:
	default:
		logrus.Warnf("event sink full, dropping connection status %s", status)
	}
}

func (s *ChanSink) TaskEvent(ev proto.Event) {
	select {
	case s.EventChan <- ev:
	default:
		logrus.Warnf("event sink full, dropping %s for gid %s", ev.Kind, ev.GID)
	}
}

type discardSink struct{}

func (discardSink) ConnectionChanged(proto.ConnectionStatus) {}
func (discardSink) TaskEvent(proto.Event)                    {}
