package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

type State int

const (
	Idle State = iota
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether a done event has been written.
func (s State) Terminal() bool { return s == Completed || s == Failed }

var ErrClosed = errors.New("stream: emitter already terminated")

// Sink receives encoded events. Implementations must be safe for one writer.
type Sink interface {
	WriteEvent(ev Event) error
}

// Emitter enforces the event grammar (token | policy)* then at most one error then exactly one done.
// Writes after the done event are rejected; sink failures are remembered and reported once.
type Emitter struct {
	mu       sync.Mutex
	sink     Sink
	state    State
	status   Status
	threadID string
	text     strings.Builder
	sinkErr  error

	onFirstToken func()
	sawToken     bool
}

func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// OnFirstToken registers fn to run once when the first token is written.
func (e *Emitter) OnFirstToken(fn func()) {
	e.mu.Lock()
	e.onFirstToken = fn
	e.mu.Unlock()
}

func (e *Emitter) SetThreadID(id string) {
	e.mu.Lock()
	e.threadID = id
	e.mu.Unlock()
}

func (e *Emitter) ThreadID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threadID
}

func (e *Emitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the status carried by the done event, or "" before it.
func (e *Emitter) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Text returns the concatenation of all token events written so far.
func (e *Emitter) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text.String()
}

// Start moves Idle to Streaming. It is a no-op once streaming.
func (e *Emitter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	e.state = Streaming
	return nil
}

func (e *Emitter) Token(text string) error {
	if text == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	e.state = Streaming
	e.text.WriteString(text)
	if !e.sawToken {
		e.sawToken = true
		if e.onFirstToken != nil {
			e.onFirstToken()
		}
	}
	return e.write(Token{Text: text})
}

func (e *Emitter) Policy(stage, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	e.state = Streaming
	return e.write(Policy{Stage: stage, Reason: reason})
}

// Block writes a policy event followed by done(blocked).
func (e *Emitter) Block(stage, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	e.write(Policy{Stage: stage, Reason: reason})
	return e.finish(Completed, StatusBlocked)
}

// Fail writes an error event followed by done(failed).
func (e *Emitter) Fail(code, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	e.write(Error{Code: code, Message: message})
	return e.finish(Failed, StatusFailed)
}

// Complete writes done(completed).
func (e *Emitter) Complete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	return e.finish(Completed, StatusCompleted)
}

func (e *Emitter) finish(next State, status Status) error {
	e.state = next
	e.status = status
	return e.write(Done{ThreadID: e.threadID, Status: status})
}

// write must be called with mu held.
func (e *Emitter) write(ev Event) error {
	if e.sinkErr != nil {
		return e.sinkErr
	}
	if err := e.sink.WriteEvent(ev); err != nil {
		e.sinkErr = err
		return err
	}
	return nil
}
