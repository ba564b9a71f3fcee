// Package engine starts the download engine, connects an RPC client to it
// and tears both down again.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/patdz/aria2rpc"
	"github.com/patdz/aria2rpc/codec"
	"github.com/patdz/aria2rpc/config"
)

const (
	DefaultBinary          = "aria2c"
	DefaultConnectAttempts = 10
	DefaultConnectDelay    = 500 * time.Millisecond
)

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	// Binary overrides the configured engine path.
	Binary string
	// DataDir overrides the configured data directory, which holds the
	// session, DHT and conf files.
	DataDir string

	ConnectAttempts int
	ConnectDelay    time.Duration
	Clock           clock.Clock

	Spawner Spawner
	Sink    aria2rpc.EventSink
	// Dialer defaults to the local endpoint on the configured RPC port.
	Dialer aria2rpc.Dialer
	// Client carries the call timeout and reconnect budget of the client.
	// Its Dialer, Secret and Sink are filled in by the Supervisor.
	Client aria2rpc.Options
}

// Supervisor owns the engine process and the client connected to it.
type Supervisor struct {
	cfg  *config.Config
	opts Options

	// lifecycle serializes Start and Shutdown. running is true from a
	// successful Start until the following Shutdown.
	lifecycle sync.Mutex
	running   bool

	mutex  sync.RWMutex // protects client
	client *aria2rpc.Client

	procMutex sync.Mutex // protects process
	process   Process
}

func New(cfg *config.Config, opts Options) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = cfg.EnginePath
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.DataDir == "" {
		opts.DataDir = cfg.DataDir
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = DefaultConnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Dialer == nil {
		opts.Dialer = codec.Dialer{URL: codec.Endpoint(cfg.RPCPort)}
	}
	opts.Client.Dialer = opts.Dialer
	opts.Client.Secret = cfg.RPCSecret
	opts.Client.Sink = opts.Sink
	if opts.Client.Clock == nil {
		opts.Client.Clock = opts.Clock
	}
	return &Supervisor{cfg: cfg, opts: opts}
}

// Start launches the engine, connects to it and publishes the client.
// Nothing is published when any step fails, and a spawned engine is stopped
// again. Start may be called again after Shutdown, or once the published
// client has given up reconnecting; the old engine is stopped first and the
// new client replaces the old one.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running {
		s.mutex.RLock()
		old := s.client
		s.mutex.RUnlock()
		select {
		case <-old.Done():
		default:
			return errors.New("engine already started")
		}
		logrus.Infof("engine: restarting, previous client stopped: %v", old.Err())
		if err := s.stopProcess(); err != nil {
			logrus.Warnf("engine: stop previous engine: %v", err)
		}
		s.running = false
	}

	if err := s.launch(ctx); err != nil {
		s.unpublish()
		return err
	}
	s.running = true
	return nil
}

func (s *Supervisor) launch(ctx context.Context) error {
	if err := prepareDataDir(s.opts.DataDir); err != nil {
		return err
	}
	args, err := buildArgs(s.cfg, s.opts.DataDir)
	if err != nil {
		return err
	}

	proc, err := s.opts.Spawner.Spawn(s.opts.Binary, args)
	if err != nil {
		return errors.Wrap(err, "spawn engine")
	}
	logrus.Infof("engine: started %s (pid %d)", s.opts.Binary, proc.Pid())
	s.procMutex.Lock()
	s.process = proc
	s.procMutex.Unlock()

	client, err := s.connect(ctx, proc)
	if err != nil {
		_ = s.stopProcess()
		return err
	}

	s.mutex.Lock()
	old := s.client
	s.client = client
	s.mutex.Unlock()
	if old != nil {
		_ = old.Close()
	}
	logrus.Infof("engine: connected on port %d", s.cfg.RPCPort)

	if s.cfg.ResumeAllOnLaunch {
		if _, err := client.UnpauseAll(ctx); err != nil {
			logrus.Warnf("engine: resume all on launch: %v", err)
		}
	}
	return nil
}

// connect dials until the engine accepts the connection, the attempt budget
// is spent, ctx ends or the engine exits.
func (s *Supervisor) connect(ctx context.Context, proc Process) (*aria2rpc.Client, error) {
	stop := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		defer close(stop)
		select {
		case <-ctx.Done():
		case <-proc.Exited():
		case <-finished:
		}
	}()

	var client *aria2rpc.Client
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := aria2rpc.Dial(ctx, s.opts.Client)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			logrus.Debugf("engine: connect attempt %d/%d failed: %v", attempt, s.opts.ConnectAttempts, err)
		},
		Attempts: s.opts.ConnectAttempts,
		Delay:    s.opts.ConnectDelay,
		Clock:    s.opts.Clock,
		Stop:     stop,
	})
	if err != nil {
		select {
		case <-proc.Exited():
			return nil, errors.Wrap(retry.LastError(err), "engine exited before accepting connections")
		default:
		}
		return nil, errors.Wrap(retry.LastError(err), "connect to engine")
	}
	return client, nil
}

// Client returns the published client, or aria2rpc.ErrNotInitialized before
// Start has succeeded and after Shutdown.
func (s *Supervisor) Client() (*aria2rpc.Client, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.client == nil {
		return nil, aria2rpc.ErrNotInitialized
	}
	return s.client, nil
}

// Shutdown saves the session, asks the engine to quit, closes the client
// and stops the process. It does nothing when no engine has been started
// since the last Shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.mutex.Lock()
	client := s.client
	s.client = nil
	s.mutex.Unlock()

	if client != nil {
		// Shutdown saves the session before asking the engine to exit.
		if _, err := client.Shutdown(ctx); err != nil {
			logrus.Warnf("engine: shutdown request: %v", err)
		}
		if err := client.Close(); err != nil {
			logrus.Debugf("engine: close client: %v", err)
		}
	}
	err := s.stopProcess()
	logrus.Info("engine: shut down")
	return err
}

// unpublish drops and closes the published client, if any.
func (s *Supervisor) unpublish() {
	s.mutex.Lock()
	client := s.client
	s.client = nil
	s.mutex.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

func (s *Supervisor) stopProcess() error {
	s.procMutex.Lock()
	proc := s.process
	s.process = nil
	s.procMutex.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

// Exited is closed when the engine process is gone; nil before Start.
func (s *Supervisor) Exited() <-chan struct{} {
	s.procMutex.Lock()
	defer s.procMutex.Unlock()
	if s.process == nil {
		return nil
	}
	return s.process.Exited()
}
