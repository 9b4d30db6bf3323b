package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/preetecool/archimed/internal/protocol"
	"github.com/preetecool/archimed/internal/session"
	"github.com/preetecool/archimed/internal/streaming"
)

// fakeSender records every event in delivery order.
type fakeSender struct {
	mu     sync.Mutex
	events []any
}

func (f *fakeSender) Send(clientID string, message any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, message)
}

func (f *fakeSender) SendWithRetry(clientID string, message any) bool {
	f.Send(clientID, message)
	return true
}

func (f *fakeSender) recorded() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.events))
	copy(out, f.events)
	return out
}

type fakeNoteGen struct {
	mu            sync.Mutex
	calls         int
	gotTranscript string
	gotReasons    []string
	note          string
	err           error
}

func (f *fakeNoteGen) GenerateNote(ctx context.Context, transcript string, reasons []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotTranscript = transcript
	f.gotReasons = reasons
	return f.note, f.err
}

func (f *fakeNoteGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFullTranscriber struct {
	mu     sync.Mutex
	calls  int
	result string
	err    error
}

func (f *fakeFullTranscriber) Transcribe(ctx context.Context, audio []byte, formatHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeFullTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testFinalizer(t *testing.T, transcriber *fakeFullTranscriber, noteGen *fakeNoteGen) (*Finalizer, *session.Registry, *streaming.Store, *fakeSender) {
	t.Helper()

	logger := testLogger()
	registry := session.NewRegistry(logger)
	streams := streaming.NewStore(transcriber, streaming.DefaultConfig(), logger)
	sender := &fakeSender{}

	f := NewFinalizer(registry, streams, sender, transcriber, noteGen,
		Config{
			NoteTimeout:       time.Second,
			FullPassTimeout:   time.Second,
			HeartbeatInterval: time.Hour, // keep heartbeats out of event order checks
		}, logger, nil)

	return f, registry, streams, sender
}

func TestRunHappyPath(t *testing.T) {
	noteGen := &fakeNoteGen{note: "## Generated note"}
	f, registry, _, sender := testFinalizer(t, &fakeFullTranscriber{}, noteGen)

	id := registry.Create("client-1", map[string]any{"reasons": []string{"fever"}})
	transcript := strongText(60)
	if err := registry.SetTranscript(id, transcript); err != nil {
		t.Fatal(err)
	}
	if err := registry.BeginProcessing(id); err != nil {
		t.Fatal(err)
	}

	f.Run(id, "client-1")

	snap, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != session.StatusCompleted {
		t.Errorf("status = %s, want %s", snap.Status, session.StatusCompleted)
	}
	if snap.MedicalNote != "## Generated note" {
		t.Errorf("note = %q", snap.MedicalNote)
	}
	if snap.Transcript != transcript {
		t.Errorf("transcript = %q", snap.Transcript)
	}

	if noteGen.callCount() != 1 {
		t.Errorf("note generator called %d times, want 1", noteGen.callCount())
	}
	noteGen.mu.Lock()
	if noteGen.gotTranscript != transcript {
		t.Errorf("note generator got transcript %q", noteGen.gotTranscript)
	}
	if len(noteGen.gotReasons) != 1 || noteGen.gotReasons[0] != "fever" {
		t.Errorf("note generator got reasons %v", noteGen.gotReasons)
	}
	noteGen.mu.Unlock()

	assertEventOrder(t, sender.recorded(), []string{
		protocol.EventProcessingStatus, // 25
		protocol.EventProcessingStatus, // 50
		protocol.EventProcessingStatus, // 60
		protocol.EventMedicalNote,
		protocol.EventProcessingStatus, // completed, 100
		protocol.EventSessionEnded,
	})

	events := sender.recorded()
	first, ok := events[0].(protocol.ProcessingStatus)
	if !ok || first.Progress != 25 {
		t.Errorf("first event = %+v, want processing-status with progress 25", events[0])
	}
	last, ok := events[len(events)-1].(protocol.SessionEnded)
	if !ok || last.Status != "complete" {
		t.Errorf("last event = %+v, want session-ended complete", events[len(events)-1])
	}
}

func TestRunUsesFullRetranscriptionWhenPartialsAreWeak(t *testing.T) {
	transcriber := &fakeFullTranscriber{result: strongText(70)}
	noteGen := &fakeNoteGen{note: "note"}
	f, registry, _, _ := testFinalizer(t, transcriber, noteGen)

	id := registry.Create("client-1", nil)
	if err := registry.AppendAudio(id, make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	if err := registry.BeginProcessing(id); err != nil {
		t.Fatal(err)
	}

	f.Run(id, "client-1")

	if transcriber.callCount() != 1 {
		t.Fatalf("full re-transcription ran %d times, want 1", transcriber.callCount())
	}
	snap, _ := registry.Get(id)
	if snap.Transcript != strongText(70) {
		t.Errorf("transcript = %q, want the full pass result", snap.Transcript)
	}
	if snap.Status != session.StatusCompleted {
		t.Errorf("status = %s", snap.Status)
	}
}

func TestRunPlaceholderTranscriptSkipsNoteGenerator(t *testing.T) {
	noteGen := &fakeNoteGen{note: "should not be used"}
	f, registry, _, _ := testFinalizer(t, &fakeFullTranscriber{}, noteGen)

	// No audio, no partial transcripts of any kind.
	id := registry.Create("client-1", nil)
	if err := registry.BeginProcessing(id); err != nil {
		t.Fatal(err)
	}

	f.Run(id, "client-1")

	if noteGen.callCount() != 0 {
		t.Errorf("note generator called %d times for a placeholder transcript, want 0", noteGen.callCount())
	}
	snap, _ := registry.Get(id)
	if snap.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	if snap.Transcript != TranscriptUnavailable {
		t.Errorf("transcript = %q", snap.Transcript)
	}
	if !strings.Contains(snap.MedicalNote, "Note Médicale") {
		t.Errorf("expected the fallback note, got %q", snap.MedicalNote)
	}
}

func TestRunNoteGenerationFailureFallsBack(t *testing.T) {
	noteGen := &fakeNoteGen{err: errors.New("generator down")}
	f, registry, _, _ := testFinalizer(t, &fakeFullTranscriber{}, noteGen)

	id := registry.Create("client-1", nil)
	transcript := strongText(60)
	_ = registry.SetTranscript(id, transcript)
	if err := registry.BeginProcessing(id); err != nil {
		t.Fatal(err)
	}

	f.Run(id, "client-1")

	snap, _ := registry.Get(id)
	if snap.Status != session.StatusCompleted {
		t.Errorf("note failure must not fail the pipeline, status = %s", snap.Status)
	}
	if !strings.Contains(snap.MedicalNote, transcript) {
		t.Error("fallback note should embed the transcript")
	}
	if !strings.Contains(snap.MedicalNote, "Note Médicale") {
		t.Errorf("expected the fallback note, got %q", snap.MedicalNote)
	}
}

func TestRunUnknownSessionStillDeliversTerminalEvents(t *testing.T) {
	noteGen := &fakeNoteGen{note: "unused"}
	f, _, _, sender := testFinalizer(t, &fakeFullTranscriber{}, noteGen)

	f.Run("no-such-session", "client-1")

	assertEventOrder(t, sender.recorded(), []string{
		protocol.EventMedicalNote,
		protocol.EventProcessingStatus,
		protocol.EventSessionEnded,
	})

	events := sender.recorded()
	status, ok := events[1].(protocol.ProcessingStatus)
	if !ok || status.Status != "error" || status.Progress != 100 {
		t.Errorf("error status event = %+v", events[1])
	}
	if !strings.HasPrefix(status.Message, "Error during processing: ") {
		t.Errorf("error message = %q", status.Message)
	}
	ended, ok := events[2].(protocol.SessionEnded)
	if !ok || ended.Status != "error" {
		t.Errorf("session-ended event = %+v", events[2])
	}
}

func TestRunReleasesBuffers(t *testing.T) {
	noteGen := &fakeNoteGen{note: "note"}
	f, registry, streams, _ := testFinalizer(t, &fakeFullTranscriber{}, noteGen)

	id := registry.Create("client-1", nil)
	_ = registry.SetTranscript(id, strongText(60))
	_ = registry.AppendAudio(id, make([]byte, 100))
	streams.GetOrCreate(id)
	if err := registry.BeginProcessing(id); err != nil {
		t.Fatal(err)
	}

	f.Run(id, "client-1")

	raw, err := registry.AudioBytes(id)
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Error("raw audio buffer not released after finalization")
	}
	if streams.Count() != 0 {
		t.Errorf("streaming buffer not released, count = %d", streams.Count())
	}
}

// assertEventOrder checks the delivered event type names in order.
func assertEventOrder(t *testing.T, events []any, expected []string) {
	t.Helper()

	if len(events) != len(expected) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(expected), events)
	}
	for i, e := range events {
		var typ string
		switch v := e.(type) {
		case protocol.ProcessingStatus:
			typ = v.Type
		case protocol.ProcessingHeartbeat:
			typ = v.Type
		case protocol.MedicalNote:
			typ = v.Type
		case protocol.SessionEnded:
			typ = v.Type
		default:
			t.Fatalf("unexpected event at %d: %+v", i, e)
		}
		if typ != expected[i] {
			t.Errorf("event %d = %s, want %s", i, typ, expected[i])
		}
	}
}
