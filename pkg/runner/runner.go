package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

// State is the phase of a LifecycleRunner.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

var stateNames = [...]string{"new", "starting", "running", "draining", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ShuttingDown reports whether the runner no longer accepts work.
func (s State) ShuttingDown() bool {
	return s == StateDraining || s == StateStopped
}

// Hooks run around the serving phase. OnStart gets the serving context; a
// failure skips straight to shutdown. OnStop gets a shutdown deadline.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

// Drainer closes live work before OnStop runs.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Version is overridden at build time with -ldflags.
var Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"TUTORCALL\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
