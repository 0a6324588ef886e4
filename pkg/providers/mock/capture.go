package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/tutorcall/pkg/adapters/tts"
	"github.com/harunnryd/tutorcall/pkg/turn"
)

// Capture is a scripted capture source. Tests push events with Emit.
type Capture struct {
	mu       sync.Mutex
	events   chan turn.CaptureEvent
	startErr error
	running  bool
	paused   bool
	starts   int
	stops    int
	pauses   int
	resumes  int
}

func NewCapture() *Capture {
	return &Capture{events: make(chan turn.CaptureEvent, 32)}
}

// FailStart makes subsequent Start calls return err (nil clears it).
func (c *Capture) FailStart(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

func (c *Capture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	c.paused = false
	return nil
}

func (c *Capture) Pause() {
	c.mu.Lock()
	c.pauses++
	c.paused = true
	c.mu.Unlock()
}

func (c *Capture) Resume() {
	c.mu.Lock()
	c.resumes++
	c.paused = false
	c.mu.Unlock()
}

func (c *Capture) Stop() {
	c.mu.Lock()
	c.stops++
	c.running = false
	c.mu.Unlock()
}

func (c *Capture) Events() <-chan turn.CaptureEvent { return c.events }

// Emit queues an event as if the microphone produced it.
func (c *Capture) Emit(ev turn.CaptureEvent) { c.events <- ev }

// CaptureStats is a point-in-time view of the calls made on a Capture.
type CaptureStats struct {
	Running, Paused                bool
	Starts, Stops, Pauses, Resumes int
}

func (c *Capture) Stats() CaptureStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CaptureStats{
		Running: c.running,
		Paused:  c.paused,
		Starts:  c.starts,
		Stops:   c.stops,
		Pauses:  c.pauses,
		Resumes: c.resumes,
	}
}

// Player records played clips. With Hold set, Play blocks until Release or
// ctx cancellation.
type Player struct {
	Hold bool
	Err  error

	mu        sync.Mutex
	played    []tts.Audio
	cancelled int
	release   chan struct{}
	started   chan struct{}
}

func NewPlayer() *Player {
	return &Player{release: make(chan struct{}, 1), started: make(chan struct{}, 8)}
}

func (p *Player) Play(ctx context.Context, audio tts.Audio) error {
	p.mu.Lock()
	p.played = append(p.played, audio)
	hold, err := p.Hold, p.Err
	p.mu.Unlock()
	select {
	case p.started <- struct{}{}:
	default:
	}
	if hold {
		select {
		case <-p.release:
		case <-ctx.Done():
			p.mu.Lock()
			p.cancelled++
			p.mu.Unlock()
			return ctx.Err()
		}
	}
	return err
}

// Started is signalled each time Play begins.
func (p *Player) Started() <-chan struct{} { return p.started }

// Release lets one held Play return.
func (p *Player) Release() { p.release <- struct{}{} }

func (p *Player) Played() []tts.Audio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Audio(nil), p.played...)
}

func (p *Player) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

var (
	_ turn.Capture = (*Capture)(nil)
	_ turn.Player  = (*Player)(nil)
)
