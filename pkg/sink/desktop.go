package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"tandem/pkg/protocol"
)

// Desktop shows selected events as desktop notifications via beeep
// (notify-send/D-Bus on Linux, AppleScript on macOS, WinRT on Windows).
type Desktop struct {
	// Types limits which event types are shown; empty uses DesktopTypes.
	Types []string
	// Timeout bounds one notification; zero uses DesktopTimeout.
	Timeout time.Duration

	// notifyFn sends the notification; injectable for testing.
	notifyFn func(title, message string, icon any) error
}

// DesktopTypes are the events worth interrupting someone for.
var DesktopTypes = []string{
	protocol.EvIterationDone,
	protocol.EvMergeConflict,
	protocol.EvIntegrated,
}

// DesktopTimeout bounds a notification when the desktop bus does not answer.
const DesktopTimeout = 5 * time.Second

// NewDesktop returns a desktop notifier for DesktopTypes.
func NewDesktop() *Desktop {
	return &Desktop{notifyFn: beeep.Notify}
}

// Notify implements Notifier. A notification that does not finish within
// the timeout is abandoned and reported as an error.
func (d *Desktop) Notify(ctx context.Context, ev Event) error {
	types := d.Types
	if len(types) == 0 {
		types = DesktopTypes
	}
	for _, t := range types {
		if t == ev.Type {
			return d.send(ctx, ev.Message)
		}
	}
	return nil
}

func (d *Desktop) send(ctx context.Context, message string) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DesktopTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safely(func() error { return d.notifyFn("tandem", message, "") })
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("desktop notification: %w", ctx.Err())
	}
}
