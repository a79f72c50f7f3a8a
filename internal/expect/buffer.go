package expect

import (
	"io"
	"sync"
	"unicode/utf8"
)

// Buffer accumulates subprocess output for matching.
//
// Bytes are only ever appended at the tail and consumed from the head. A
// single reader goroutine appends; one expectation at a time consumes.
// Every change closes the current change channel and installs a new one,
// which is how waiters are woken without polling.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	closed   bool
	err      error
	total    int64 // bytes ever appended
	consumed int64 // bytes ever consumed
	changed  chan struct{}
}

// view is a consistent snapshot of the buffer used by one match attempt.
type view struct {
	text    string
	closed  bool
	err     error
	changed <-chan struct{}
}

// NewBuffer returns an empty, open buffer.
func NewBuffer() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

// Write appends p. Writes after CloseWithError are rejected with io.ErrClosedPipe.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.total += int64(len(p))
	b.broadcast()
	return len(p), nil
}

// CloseWithError marks the end of the stream. A nil err is recorded as io.EOF.
// Only the first call has an effect.
func (b *Buffer) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.broadcast()
}

// Closed reports whether the stream has ended, and the error it ended with.
func (b *Buffer) Closed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.err
}

// String returns the unconsumed bytes.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Stats returns the number of bytes ever appended and ever consumed.
func (b *Buffer) Stats() (total, consumed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.consumed
}

// snapshot returns the matchable text. While the stream is open a trailing
// incomplete UTF-8 sequence is held back until the rest of it arrives.
func (b *Buffer) snapshot() view {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.data)
	if !b.closed {
		n = completeRunes(b.data)
	}
	return view{
		text:    string(b.data[:n]),
		closed:  b.closed,
		err:     b.err,
		changed: b.changed,
	}
}

// consume discards the first n bytes.
func (b *Buffer) consume(n int) {
	if n <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.data) {
		n = len(b.data)
	}
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
	b.consumed += int64(n)
}

// broadcast wakes every waiter. Callers hold b.mu.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
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
