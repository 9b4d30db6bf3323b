package streaming

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Interval:       time.Millisecond,
		MinBytes:       10,
		MinResultChars: 5,
		PassTimeout:    time.Second,
	}
}

// fakeTranscriber counts calls and optionally blocks until released.
type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	result  string
	err     error
	release chan struct{} // nil means return immediately
	started chan struct{} // signaled once per call
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestAppendBelowMinBytesNeverTriggersPass(t *testing.T) {
	ft := &fakeTranscriber{result: "should not run"}
	s := NewStore(ft, testConfig(), testLogger())

	for i := 0; i < 5; i++ {
		s.Append("s1", []byte{1}, nil)
	}

	time.Sleep(20 * time.Millisecond)
	if got := ft.callCount(); got != 0 {
		t.Errorf("transcriber called %d times below the size gate, want 0", got)
	}
}

func TestPassResultSupersedesAndPublishes(t *testing.T) {
	ft := &fakeTranscriber{result: "hello from the pass"}
	s := NewStore(ft, testConfig(), testLogger())

	published := make(chan string, 1)
	chunk := make([]byte, 20) // over MinBytes in one append

	text := s.Append("s1", chunk, func(transcript string) {
		published <- transcript
	})
	if text != "" {
		t.Errorf("pre-pass accumulated text = %q, want empty", text)
	}

	select {
	case got := <-published:
		if got != "hello from the pass" {
			t.Errorf("published %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("pass result never published")
	}

	if got := s.GetOrCreate("s1").AccumulatedText(); got != "hello from the pass" {
		t.Errorf("accumulated text = %q", got)
	}
}

func TestSingleFlightUnderConcurrentAppends(t *testing.T) {
	ft := &fakeTranscriber{
		result:  "some long enough result",
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := NewStore(ft, testConfig(), testLogger())

	chunk := make([]byte, 20)
	s.Append("s1", chunk, nil)
	<-ft.started // first pass is now in flight

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append("s1", chunk, nil)
		}()
	}
	wg.Wait()

	if got := ft.callCount(); got != 1 {
		t.Errorf("%d passes in flight, want exactly 1", got)
	}
	close(ft.release)
}

func TestTrivialResultKeptOut(t *testing.T) {
	ft := &fakeTranscriber{result: "hi", started: make(chan struct{}, 1)}
	s := NewStore(ft, testConfig(), testLogger())

	publishCalled := false
	s.Append("s1", make([]byte, 20), func(string) { publishCalled = true })
	<-ft.started

	// Give the goroutine time to finish past the result check.
	time.Sleep(20 * time.Millisecond)

	if got := s.GetOrCreate("s1").AccumulatedText(); got != "" {
		t.Errorf("trivial result stored: %q", got)
	}
	if publishCalled {
		t.Error("trivial result should not be published")
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ft := &fakeTranscriber{}
	s := NewStore(ft, testConfig(), testLogger())

	b := s.GetOrCreate("s1")
	b.mu.Lock()
	b.accumulatedText = "final words"
	b.audio.Write(make([]byte, 100))
	b.mu.Unlock()

	first := s.Finalize("s1")
	if first != "final words" {
		t.Fatalf("Finalize = %q", first)
	}
	if b.Size() != 0 {
		t.Error("raw accumulator not released on finalize")
	}

	second := s.Finalize("s1")
	if second != first {
		t.Errorf("second Finalize = %q, want %q", second, first)
	}
}

func TestAppendAfterFinalizeReturnsFinalText(t *testing.T) {
	ft := &fakeTranscriber{result: "late result", started: make(chan struct{}, 1)}
	s := NewStore(ft, testConfig(), testLogger())

	b := s.GetOrCreate("s1")
	b.mu.Lock()
	b.accumulatedText = "locked in"
	b.mu.Unlock()
	s.Finalize("s1")

	text := s.Append("s1", make([]byte, 100), nil)
	if text != "locked in" {
		t.Errorf("append after finalize = %q, want the final text", text)
	}
	if got := ft.callCount(); got != 0 {
		t.Errorf("pass triggered after finalize: %d calls", got)
	}
}

func TestLatePassResultDiscardedAfterFinalize(t *testing.T) {
	ft := &fakeTranscriber{
		result:  "arrives too late",
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := NewStore(ft, testConfig(), testLogger())

	published := false
	s.Append("s1", make([]byte, 20), func(string) { published = true })
	<-ft.started

	final := s.Finalize("s1")
	close(ft.release)
	time.Sleep(20 * time.Millisecond)

	if got := s.GetOrCreate("s1").AccumulatedText(); got != final {
		t.Errorf("late pass result overwrote finalized text: %q", got)
	}
	if published {
		t.Error("late pass result should not be published after finalize")
	}
}

func TestFinalizeUnknownSession(t *testing.T) {
	s := NewStore(&fakeTranscriber{}, testConfig(), testLogger())
	if got := s.Finalize("never-seen"); got != "" {
		t.Errorf("Finalize of unknown session = %q, want empty", got)
	}
}

func TestReleaseDropsBuffer(t *testing.T) {
	s := NewStore(&fakeTranscriber{}, testConfig(), testLogger())
	s.GetOrCreate("s1")
	if s.Count() != 1 {
		t.Fatalf("count = %d", s.Count())
	}
	s.Release("s1")
	if s.Count() != 0 {
		t.Errorf("count = %d after release, want 0", s.Count())
	}
}

func TestOnPassObserver(t *testing.T) {
	ft := &fakeTranscriber{result: "a good long result"}
	s := NewStore(ft, testConfig(), testLogger())

	outcome := make(chan bool, 1)
	s.OnPass(func(failed bool) { outcome <- failed })

	s.Append("s1", make([]byte, 20), nil)

	select {
	case failed := <-outcome:
		if failed {
			t.Error("successful pass reported as failed")
		}
	case <-time.After(time.Second):
		t.Fatal("pass observer never invoked")
	}
}
