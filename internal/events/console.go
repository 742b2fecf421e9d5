package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ConsoleMode selects how a ConsoleSink renders events.
type ConsoleMode int

const (
	// ConsolePlain prints FormatWithTimestamp lines.
	ConsolePlain ConsoleMode = iota
	// ConsoleStyled prints FormatStyled lines for terminals.
	ConsoleStyled
	// ConsoleJSON prints one JSON object per event.
	ConsoleJSON
)

// ConsoleSink writes events to a writer, usually stdout. Heartbeats are
// suppressed unless ShowHeartbeats is set.
type ConsoleSink struct {
	w              io.Writer
	mode           ConsoleMode
	ShowHeartbeats bool

	mu   sync.Mutex
	done chan struct{}
	last Event
}

// NewConsoleSink creates a ConsoleSink writing to w.
func NewConsoleSink(w io.Writer, mode ConsoleMode) *ConsoleSink {
	return &ConsoleSink{w: w, mode: mode, done: make(chan struct{})}
}

// Start begins processing events until ctx is done or events closes.
func (s *ConsoleSink) Start(ctx context.Context, events <-chan Event) error {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.write(ev)
			}
		}
	}()
	return nil
}

func (s *ConsoleSink) write(ev Event) {
	if ev.Type() == EventHeartbeat && !s.ShowHeartbeats && s.mode != ConsoleJSON {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = ev

	switch s.mode {
	case ConsoleJSON:
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(s.w, "%s\n", data)
	case ConsoleStyled:
		fmt.Fprintln(s.w, FormatStyled(ev))
	default:
		fmt.Fprintln(s.w, FormatWithTimestamp(ev))
	}
}

// Last returns the most recent event written.
func (s *ConsoleSink) Last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Stop waits for the processing goroutine to exit.
func (s *ConsoleSink) Stop() error {
	<-s.done
	return nil
}
