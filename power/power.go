// Package power keeps the machine awake while downloads are running.
package power

import (
	"context"
	"os"
	"sync"

	godbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	appName     = "aria2rpc"
	inhibitWhy  = "Downloading files"
	login1Dest  = "org.freedesktop.login1"
	login1Path  = "/org/freedesktop/login1"
	inhibitCall = "org.freedesktop.login1.Manager.Inhibit"
)

// A Locker takes a sleep lock and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context) (release func() error, err error)
}

// Inhibitor tracks whether sleep is currently prevented. Prevent and Allow
// are idempotent.
type Inhibitor struct {
	locker Locker

	mutex   sync.Mutex
	release func() error
}

func NewInhibitor(locker Locker) *Inhibitor {
	return &Inhibitor{locker: locker}
}

func (in *Inhibitor) Prevent(ctx context.Context) error {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	if in.release != nil {
		return nil
	}
	release, err := in.locker.Lock(ctx)
	if err != nil {
		return errors.Wrap(err, "prevent sleep")
	}
	in.release = release
	logrus.Info("power: sleep prevention enabled")
	return nil
}

func (in *Inhibitor) Allow() error {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	if in.release == nil {
		return nil
	}
	release := in.release
	in.release = nil
	if err := release(); err != nil {
		return errors.Wrap(err, "allow sleep")
	}
	logrus.Info("power: sleep prevention disabled")
	return nil
}

// Prevented reports whether a sleep lock is held.
func (in *Inhibitor) Prevented() bool {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return in.release != nil
}

// Logind takes "sleep" block locks from systemd-logind over the system bus.
// The lock lasts as long as the returned file descriptor stays open.
type Logind struct {
	conn *godbus.Conn
}

func NewLogind() (*Logind, error) {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	return &Logind{conn: conn}, nil
}

func (l *Logind) Lock(ctx context.Context) (func() error, error) {
	var fd godbus.UnixFD
	obj := l.conn.Object(login1Dest, login1Path)
	call := obj.CallWithContext(ctx, inhibitCall, 0, "sleep", appName, inhibitWhy, "block")
	if err := call.Store(&fd); err != nil {
		return nil, errors.Wrap(err, "failed to call Inhibit")
	}
	f := os.NewFile(uintptr(fd), "logind-inhibit")
	return f.Close, nil
}

func (l *Logind) Close() error {
	return l.conn.Close()
}
