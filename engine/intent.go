package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Intent is a user action that originates outside the RPC call surface,
// such as a tray menu entry or a signal.
type Intent int

const (
	IntentPauseAll Intent = iota
	IntentResumeAll
	IntentQuit
)

func (i Intent) String() string {
	switch i {
	case IntentPauseAll:
		return "pause-all"
	case IntentResumeAll:
		return "resume-all"
	case IntentQuit:
		return "quit"
	}
	return fmt.Sprintf("Intent(%d)", int(i))
}

// HandleIntent performs i against the running engine. IntentQuit shuts the
// engine down.
func (s *Supervisor) HandleIntent(ctx context.Context, i Intent) error {
	if i == IntentQuit {
		return s.Shutdown(ctx)
	}

	client, err := s.Client()
	if err != nil {
		return err
	}
	switch i {
	case IntentPauseAll:
		_, err = client.PauseAll(ctx)
	case IntentResumeAll:
		_, err = client.UnpauseAll(ctx)
	default:
		return errors.Errorf("unknown intent %v", i)
	}
	return errors.WithMessagef(err, "%v", i)
}
