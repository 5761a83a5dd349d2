package window

import (
	"errors"
	"sync"
	"time"

	"github.com/you/multichat/internal/core"
)

var ErrWriterClosed = errors.New("window: buffered writer closed")

type Writer interface {
	Write(core.ChatMessage) error
}

// BufferedWriter batches writes to a base Writer. A batch is flushed when it
// reaches BatchSize or FlushInterval after its first message, whichever comes
// first. Errors from timer flushes are returned by the next Write or Close.
type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []core.ChatMessage
	timer   *time.Timer
	closed  bool
	lastErr error
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *BufferedWriter) Write(msg core.ChatMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, msg)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}

	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	msgs := b.takeLocked()
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.writeAll(msgs); err != nil {
		return err
	}
	return pendingErr
}

// Flush writes anything buffered now.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	b.stopTimerLocked()
	msgs := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeAll(msgs); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.Flush()
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	if b.closed || len(b.buffer) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	msgs := b.takeLocked()
	b.timer = nil
	b.mu.Unlock()

	if err := b.writeAll(msgs); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedWriter) takeLocked() []core.ChatMessage {
	if len(b.buffer) == 0 {
		return nil
	}
	msgs := append([]core.ChatMessage(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	return msgs
}

func (b *BufferedWriter) startTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// writeAll keeps going after a failure so one bad row does not lose the batch.
func (b *BufferedWriter) writeAll(msgs []core.ChatMessage) error {
	var first error
	for _, msg := range msgs {
		if err := b.base.Write(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
