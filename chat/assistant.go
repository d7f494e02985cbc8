// Package chat assembles streamed assistant replies into a conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// State is the phase of the assistant's current turn.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// genericFailure is shown when the request or the stream broke without a
// usable error body.
const genericFailure = "Failed to get a response from the assistant. Please try again."

const readSize = 4 << 10

// Update is delivered to observers on every state change and every delta.
type Update struct {
	State State
	// Delta is the text appended by this update, empty for state changes.
	Delta string
	// Message is the assistant message after the delta was applied.
	Message *Message
	// Err is the user-facing failure description when State is StateFailed.
	Err string
}

// Assistant drives one conversation against a Streamer.
//
// Send must not be called concurrently; callers reject new input while
// State is StateSending or StateStreaming.
type Assistant struct {
	conv   *Conversation
	client Streamer
	logger *log.Logger

	mu        sync.Mutex
	state     State
	lastErr   string
	nextObs   int
	observers map[int]func(Update)
}

// NewAssistant creates an idle assistant with a fresh conversation.
func NewAssistant(client Streamer, logger *log.Logger) *Assistant {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Assistant{
		conv:      NewConversation(),
		client:    client,
		logger:    logger,
		state:     StateIdle,
		observers: make(map[int]func(Update)),
	}
}

// Conversation exposes the underlying message list.
func (a *Assistant) Conversation() *Conversation { return a.conv }

// State returns the current phase.
func (a *Assistant) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the description of the most recent failure.
func (a *Assistant) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// OnUpdate registers fn and returns a function that removes it.
func (a *Assistant) OnUpdate(fn func(Update)) (cancel func()) {
	a.mu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// Reset clears the conversation back to the greeting.
func (a *Assistant) Reset() {
	a.conv.Reset()
	a.mu.Lock()
	a.lastErr = ""
	a.mu.Unlock()
}

func (a *Assistant) emit(u Update) {
	a.mu.Lock()
	if u.Delta == "" {
		a.state = u.State
		if u.State == StateFailed {
			a.lastErr = u.Err
		}
	}
	fns := make([]func(Update), 0, len(a.observers))
	for _, fn := range a.observers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Send appends text as a user message, requests a reply and applies the
// streamed deltas to the conversation. It returns once the turn has completed
// or failed; the assistant is idle again either way.
func (a *Assistant) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	a.conv.AddUser(text)
	a.emit(Update{State: StateSending})

	body, err := a.client.Stream(ctx, a.conv.History())
	if err != nil {
		desc := genericFailure
		var se *StatusError
		if errors.As(err, &se) {
			desc = se.Message
		}
		a.logger.WithError(err).Warn("chat request failed")
		a.fail(desc)
		return err
	}
	defer body.Close()

	a.emit(Update{State: StateStreaming})
	if err := a.consume(body); err != nil {
		a.conv.Finish()
		a.logger.WithError(err).Warn("chat stream interrupted")
		a.fail(genericFailure)
		return fmt.Errorf("read chat stream: %w", err)
	}

	a.conv.Finish()
	a.emit(Update{State: StateCompleted})
	a.emit(Update{State: StateIdle})
	return nil
}

func (a *Assistant) fail(desc string) {
	a.emit(Update{State: StateFailed, Err: desc})
	a.emit(Update{State: StateIdle})
}

func (a *Assistant) consume(body io.Reader) error {
	var dec Decoder
	buf := make([]byte, readSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			deltas, done := dec.Feed(buf[:n])
			a.apply(deltas)
			if done {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			a.apply(dec.Flush())
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (a *Assistant) apply(deltas []string) {
	for _, d := range deltas {
		m := a.conv.ApplyDelta(d)
		a.emit(Update{State: StateStreaming, Delta: d, Message: &m})
	}
}
