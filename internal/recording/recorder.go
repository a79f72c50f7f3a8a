// Package recording writes session transcripts in asciicast v2 format, so a
// failed run can be replayed with asciinema.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/acolita/console-e2e/internal/ports"
)

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
)

// Header is the asciicast v2 header line.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Type, e.Data})
}

// Meta describes the session being recorded.
type Meta struct {
	SessionID string
	Scenario  string
	Command   string
	Width     int
	Height    int
	Term      string
}

// Transcript appends timestamped input and output events to a .cast file.
type Transcript struct {
	mu     sync.Mutex
	file   ports.FileHandle
	start  time.Time
	clock  ports.Clock
	closed bool

	// Trailing bytes of an incomplete rune, per event type, held until the
	// rest of the rune is written.
	pending map[string][]byte
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Create opens a new transcript under dir named after the scenario and session.
func Create(dir string, meta Meta, fs ports.FileSystem, clock ports.Clock) (*Transcript, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	now := clock.Now()
	name := meta.SessionID
	if meta.Scenario != "" {
		name = unsafeName.ReplaceAllString(meta.Scenario, "_") + "_" + name
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.cast", name, now.Format("20060102_150405")))

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	width, height := meta.Width, meta.Height
	if width <= 0 {
		width = 120
	}
	if height <= 0 {
		height = 24
	}
	term := meta.Term
	if term == "" {
		term = "dumb"
	}

	header, err := json.Marshal(Header{
		Version:   2,
		Width:     width,
		Height:    height,
		Timestamp: now.Unix(),
		Command:   meta.Command,
		Title:     meta.Scenario,
		Env:       map[string]string{"TERM": term},
	})
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(header, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &Transcript{file: file, start: now, clock: clock, pending: make(map[string][]byte)}, nil
}

// Output returns a writer that records everything written to it as output events.
// A rune split across writes is recorded whole, in the event of the later write.
func (t *Transcript) Output() io.Writer {
	return eventWriter{t: t, kind: EventOutput}
}

// Input returns a writer that records everything written to it as input events.
func (t *Transcript) Input() io.Writer {
	return eventWriter{t: t, kind: EventInput}
}

// Record appends one event. Events after Close are dropped.
func (t *Transcript) Record(kind, data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	return t.record(kind, data)
}

// writeChunk records p after any held-back bytes of kind, holding back a
// trailing partial rune in turn.
func (t *Transcript) writeChunk(kind string, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	data := append(t.pending[kind], p...)
	n := completeRunes(data)
	if n < len(data) {
		t.pending[kind] = append([]byte(nil), data[n:]...)
	} else {
		delete(t.pending, kind)
	}
	if n == 0 {
		return nil
	}
	return t.record(kind, string(data[:n]))
}

func (t *Transcript) record(kind, data string) error {
	line, err := json.Marshal(Event{
		Time: t.clock.Now().Sub(t.start).Seconds(),
		Type: kind,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := t.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the file. It is safe to call more than once.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	// Whatever is still held back will never be completed.
	var errs []error
	for _, kind := range []string{EventOutput, EventInput} {
		if rest, ok := t.pending[kind]; ok {
			errs = append(errs, t.record(kind, string(rest)))
			delete(t.pending, kind)
		}
	}
	t.closed = true
	errs = append(errs, t.file.Close())
	return errors.Join(errs...)
}

// Path returns the transcript file path.
func (t *Transcript) Path() string {
	return t.file.Name()
}

type eventWriter struct {
	t    *Transcript
	kind string
}

func (w eventWriter) Write(p []byte) (int, error) {
	if err := w.t.writeChunk(w.kind, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// completeRunes returns the length of p without a trailing partial UTF-8 sequence.
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
