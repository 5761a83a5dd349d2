package window

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/multichat/internal/core"
)

type recordingWriter struct {
	mu        sync.Mutex
	messages  []core.ChatMessage
	failAfter int
	calls     int
}

func (r *recordingWriter) Write(msg core.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return errors.New("boom")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.ChatMessage{ID: "1"}); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.Write(core.ChatMessage{ID: "2"}); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.Write(core.ChatMessage{ID: "interval"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for base.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected timer flush, got %d", base.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferedWriterCloseFlushesAndRejects(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10})

	if err := bw.Write(core.ChatMessage{ID: "pending"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 1 {
		t.Fatalf("close should flush, got %d", base.Count())
	}
	if err := bw.Write(core.ChatMessage{ID: "late"}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.Write(core.ChatMessage{ID: "err"}); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

func TestBufferedWriterIntoStore(t *testing.T) {
	s := openTestStore(t, 10)
	bw := NewBufferedWriter(s, BufferedOptions{BatchSize: 3, FlushInterval: time.Hour})

	for _, id := range []string{"a", "b"} {
		if err := bw.Write(msg(id, core.Twitch, "u", "m", 1)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, err := s.List(t.Context(), Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows after flush, got %d", len(got))
	}
	_ = bw.Close()
}
