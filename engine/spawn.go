package engine

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// stopGrace is how long Stop waits after the interrupt before killing.
const stopGrace = 3 * time.Second

// Spawner starts the engine executable.
type Spawner interface {
	Spawn(name string, args []string) (Process, error)
}

// Process is a running engine. Stop must be safe to call more than once.
type Process interface {
	Pid() int
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
	Stop() error
}

// ExecSpawner runs the engine with os/exec, its output going to the
// supervisor's own stdout and stderr.
type ExecSpawner struct {
	Env []string
}

func (s ExecSpawner) Spawn(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", name)
	}
	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error

	stopOnce sync.Once
}

func (p *execProcess) wait() {
	p.err = p.cmd.Wait()
	if p.err != nil {
		logrus.Infof("engine: process %d exited: %v", p.cmd.Process.Pid, p.err)
	} else {
		logrus.Infof("engine: process %d exited", p.cmd.Process.Pid)
	}
	close(p.exited)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Exited() <-chan struct{} {
	return p.exited
}

// Stop interrupts the process and kills it if it has not exited within
// stopGrace.
func (p *execProcess) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		if serr := p.cmd.Process.Signal(os.Interrupt); serr != nil {
			logrus.Debugf("engine: interrupt %d: %v", p.Pid(), serr)
		}
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			logrus.Warnf("engine: process %d ignored interrupt, killing", p.Pid())
			if kerr := p.cmd.Process.Kill(); kerr != nil {
				err = errors.Wrap(kerr, "kill engine")
				return
			}
			<-p.exited
		}
	})
	return err
}
