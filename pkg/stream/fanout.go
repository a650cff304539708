// A cache entry's serialized output is produced once but consumed by several independent parties:
// the render that triggered the computation, the durable cache handler persisting it, and during
// prerendering the resume cache keeping it for a later attempt. This module implements the fan-out
// buffer backing that duplication: one producer appends chunks to a shared append-only buffer, and
// any number of cursors read over it independently. A cursor can be split (teed) at any offset into
// two cursors that each observe the exact same remaining bytes.
//
// The buffer is terminal-state aware: a producer either closes it cleanly or closes it with an
// error, and every cursor observes that terminal state at the same logical offset, after having
// seen all chunks appended before the close. A buffer is never left half-written in an ambiguous
// state; aborting producers must use CloseWithError.

package stream

import (
	"io"
	"sync"

	"github.com/nobletooth/stash/pkg/utils"
)

// Buffer is the shared append-only chunk buffer. Construct with NewBuffer; the zero value is not
// usable. Safe for one producer and any number of concurrent readers.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
	err    error // Terminal error; nil when the buffer was closed cleanly.
}

// NewBuffer creates an empty open buffer.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds a chunk to the buffer and wakes all waiting cursors. Appending to a closed buffer is
// a bug in the producer; the chunk is dropped.
func (b *Buffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		utils.RaiseInvariant("stream", "append_after_close", "A chunk was appended to a closed buffer.")
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.cond.Broadcast()
}

// Close marks the buffer as cleanly terminated. Cursors that reach the end observe io.EOF.
// Closing twice is idempotent; the first terminal state wins.
func (b *Buffer) Close() {
	b.closeWith(nil)
}

// CloseWithError puts the buffer into a terminal error state. Every cursor that reaches the end of
// the buffered chunks observes `err` instead of io.EOF. Passing a nil error is equivalent to Close.
func (b *Buffer) CloseWithError(err error) {
	b.closeWith(err)
}

func (b *Buffer) closeWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.cond.Broadcast()
}

// NewReader returns a cursor positioned at the start of the buffer. Readers created after chunks
// were appended (or after close) still observe the full content from offset zero.
func (b *Buffer) NewReader() *Reader {
	return &Reader{buf: b}
}

// Err returns the terminal error of the buffer, or nil if it is still open or was closed cleanly.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Reader is an independent cursor over a Buffer. Not safe for concurrent use by multiple
// goroutines; tee the reader instead of sharing it.
type Reader struct {
	buf    *Buffer
	offset int
}

// Next blocks until a chunk is available at the cursor's offset, or the buffer reaches a terminal
// state. It returns io.EOF after the last chunk of a cleanly closed buffer, and the terminal error
// of an errored buffer. The returned chunk is shared; callers must not mutate it.
func (r *Reader) Next() ([]byte, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if r.offset < len(b.chunks) {
			chunk := b.chunks[r.offset]
			r.offset++
			return chunk, nil
		}
		if b.closed {
			if b.err != nil {
				return nil, b.err
			}
			return nil, io.EOF
		}
		b.cond.Wait()
	}
}

// Tee splits the cursor into two independent cursors at the same logical offset. The receiver must
// not be used afterwards; the two returned cursors each observe the exact remaining content.
func (r *Reader) Tee() (*Reader, *Reader) {
	return &Reader{buf: r.buf, offset: r.offset}, &Reader{buf: r.buf, offset: r.offset}
}

// Drain consumes the cursor to its terminal state and returns all remaining chunks. A clean end
// returns a nil error; an errored buffer returns its terminal error alongside the chunks read
// before it.
func (r *Reader) Drain() ([][]byte, error) {
	var chunks [][]byte
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

// FromChunks builds a closed buffer holding the given chunks. Used when re-materializing an entry
// that was read back from a durable handler.
func FromChunks(chunks [][]byte) *Buffer {
	b := NewBuffer()
	b.chunks = append(b.chunks, chunks...)
	b.closed = true
	return b
}
