package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calmline/calmline/internal/crisis"
	"github.com/calmline/calmline/internal/logstore"
)

// captureLog redirects the standard logger for the duration of the test.
func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	return buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingStore struct {
	name string
}

func (s failingStore) Name() string { return "failing:" + s.name }
func (s failingStore) Cap() int     { return 1 }
func (s failingStore) Append(context.Context, json.RawMessage) error {
	return errors.New("quota exceeded")
}
func (s failingStore) List(context.Context) ([]json.RawMessage, error) {
	return nil, errors.New("storage unavailable")
}
func (s failingStore) Replace(context.Context, []json.RawMessage) error {
	return errors.New("storage unavailable")
}
func (s failingStore) Close() error { return nil }

type recordingSink struct {
	name string
	err  error

	mu      sync.Mutex
	entries []*Entry
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Deliver(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}
func (s *recordingSink) Close(context.Context) error { return nil }
func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }
func (s *blockingSink) Deliver(ctx context.Context, _ *Entry) error {
	select {
	case <-s.wait:
	case <-ctx.Done():
	}
	return nil
}
func (s *blockingSink) Close(context.Context) error { return nil }

func emergencyAssessment() crisis.Assessment {
	return crisis.Detect("I want to kill myself")
}

func TestLogDetectionWritesBothStores(t *testing.T) {
	captureLog(t)
	l := New(Config{})
	defer l.Close(context.Background())

	ctx := WithClient(context.Background(), Client{UserAgent: "test-agent", URL: "https://app.example/chat", Timezone: "Europe/Paris"})
	a := emergencyAssessment()
	l.LogDetection(ctx, a, "", map[string]any{"source": "chat"})

	general := l.StoredLogs(ctx)
	critical := l.CriticalLogs(ctx)
	if len(general) != 1 || len(critical) != 1 {
		t.Fatalf("expected one entry in each store, got general=%d critical=%d", len(general), len(critical))
	}
	e := critical[0]
	if e.Kind != KindDetection || e.Severity != SeverityCritical || !e.RequiresImmediateAttention {
		t.Fatalf("unexpected detection entry header: %+v", e)
	}
	if e.UserID != AnonymousUser {
		t.Fatalf("expected anonymous user, got %q", e.UserID)
	}
	if e.SessionID != l.SessionID() {
		t.Fatalf("session id mismatch: %q vs %q", e.SessionID, l.SessionID())
	}
	if e.Detection == nil {
		t.Fatalf("detection payload missing")
	}
	if diff := cmp.Diff(a.MatchedPhrases, e.Detection.MatchedPhrases); diff != "" {
		t.Fatalf("matched phrases (-want +got):\n%s", diff)
	}
	if got := e.Context["user_agent"]; got != "test-agent" {
		t.Fatalf("expected user agent in context, got %v", got)
	}
	if got := e.Context["source"]; got != "chat" {
		t.Fatalf("expected extra context merged, got %v", got)
	}
}

func TestActionAndInteractionSkipCriticalStore(t *testing.T) {
	captureLog(t)
	l := New(Config{})
	defer l.Close(context.Background())
	ctx := context.Background()

	l.LogAction(ctx, "call_initiated", map[string]any{"number": "988"}, "u-1")
	l.LogInteraction(ctx, "modal_shown", nil, "u-1")

	general := l.StoredLogs(ctx)
	if len(general) != 2 {
		t.Fatalf("expected 2 general entries, got %d", len(general))
	}
	if general[0].Severity != SeverityHigh || general[0].Action != "call_initiated" {
		t.Fatalf("unexpected action entry: %+v", general[0])
	}
	if general[1].Severity != SeverityMedium || general[1].Interaction != "modal_shown" {
		t.Fatalf("unexpected interaction entry: %+v", general[1])
	}
	if n := len(l.CriticalLogs(ctx)); n != 0 {
		t.Fatalf("expected empty critical store, got %d", n)
	}
}

func TestStoreFailureIsTracedAndSwallowed(t *testing.T) {
	out := captureLog(t)
	critical := logstore.NewMemory(logstore.CriticalName, logstore.CriticalCap)
	l := New(Config{General: failingStore{name: "general"}, Critical: critical})
	defer l.Close(context.Background())

	l.LogDetection(context.Background(), emergencyAssessment(), "u-1", nil)

	if n := len(l.CriticalLogs(context.Background())); n != 1 {
		t.Fatalf("critical store should still receive the entry, got %d", n)
	}
	if n := len(l.StoredLogs(context.Background())); n != 0 {
		t.Fatalf("failing general store should read as empty, got %d", n)
	}

	logs := out.String()
	traceAt := strings.Index(logs, "EMERGENCY LOG [EMERGENCY_DETECTION]")
	failAt := strings.Index(logs, "append failed")
	if traceAt < 0 || failAt < 0 {
		t.Fatalf("expected trace and failure lines, got:\n%s", logs)
	}
	if traceAt > failAt {
		t.Fatalf("diagnostic trace should precede store failure:\n%s", logs)
	}
}

func TestStoresEnforceCaps(t *testing.T) {
	captureLog(t)
	l := New(Config{})
	defer l.Close(context.Background())
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		l.LogInteraction(ctx, "tick", map[string]any{"seq": i}, "")
	}
	general := l.StoredLogs(ctx)
	if len(general) != logstore.GeneralCap {
		t.Fatalf("expected %d general entries, got %d", logstore.GeneralCap, len(general))
	}
	if seq := general[0].Details["seq"]; seq != float64(10) {
		t.Fatalf("expected oldest retained seq 10, got %v", seq)
	}

	a := emergencyAssessment()
	for i := 0; i < 25; i++ {
		l.LogDetection(ctx, a, "", nil)
	}
	if n := len(l.CriticalLogs(ctx)); n != logstore.CriticalCap {
		t.Fatalf("expected %d critical entries, got %d", logstore.CriticalCap, n)
	}
}

func TestLoggerFansOutCriticalToSecondarySinks(t *testing.T) {
	out := captureLog(t)
	remote := &recordingSink{name: "remote"}
	broken := &recordingSink{name: "broken", err: errors.New("disk full")}
	durable := &recordingSink{name: "durable"}
	l := New(Config{Remote: remote, Secondary: []Sink{broken, durable}, Workers: 1})

	ctx := context.Background()
	l.LogDetection(ctx, emergencyAssessment(), "u-1", nil)
	l.LogAction(ctx, "call_initiated", nil, "u-1")
	l.Close(ctx)

	if remote.count() != 2 {
		t.Fatalf("remote should receive every entry, got %d", remote.count())
	}
	if broken.count() != 1 || durable.count() != 1 {
		t.Fatalf("secondary sinks should receive only the critical entry, got broken=%d durable=%d", broken.count(), durable.count())
	}

	stats := l.Stats()
	if stats.Enqueued != 2 {
		t.Fatalf("expected 2 enqueued, got %d", stats.Enqueued)
	}
	if stats.SinkFailure["broken"] != 1 || stats.SinkSuccess["durable"] != 1 {
		t.Fatalf("unexpected sink stats: %+v", stats)
	}
	if !strings.Contains(out.String(), "sink broken failed") {
		t.Fatalf("expected failure trace, got:\n%s", out.String())
	}
}

func TestLoggerDropsWhenQueueFull(t *testing.T) {
	captureLog(t)
	wait := make(chan struct{})
	l := New(Config{Remote: &blockingSink{wait: wait}, QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second})

	for i := 0; i < 4; i++ {
		l.LogInteraction(context.Background(), "tick", nil, "")
	}
	if l.Stats().Dropped == 0 {
		t.Fatalf("expected drops when queue is full")
	}
	if n := len(l.StoredLogs(context.Background())); n != 4 {
		t.Fatalf("store writes must not depend on the queue, got %d", n)
	}

	close(wait)
	l.Close(context.Background())
}

func TestLogAfterCloseDoesNotPanic(t *testing.T) {
	captureLog(t)
	remote := &recordingSink{name: "remote"}
	l := New(Config{Remote: remote})
	l.Close(context.Background())
	l.Close(context.Background())

	l.LogDetection(context.Background(), emergencyAssessment(), "", nil)
	if l.Stats().Dropped != 1 {
		t.Fatalf("expected entry to be dropped after close")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.LogDetection(context.Background(), emergencyAssessment(), "", nil)
	l.LogAction(context.Background(), "a", nil, "")
	l.LogInteraction(context.Background(), "i", nil, "")
	l.Close(context.Background())
}

func TestClearOldLogs(t *testing.T) {
	captureLog(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, 0, -40)
	l := New(Config{Now: func() time.Time { return clock }})
	defer l.Close(context.Background())
	ctx := context.Background()

	l.LogInteraction(ctx, "old", nil, "")
	clock = now.AddDate(0, 0, -10)
	l.LogInteraction(ctx, "recent", nil, "")
	clock = now

	if removed := l.ClearOldLogs(ctx, 30); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	logs := l.StoredLogs(ctx)
	if len(logs) != 1 || logs[0].Interaction != "recent" {
		t.Fatalf("unexpected remaining logs: %+v", logs)
	}
	if removed := l.ClearOldLogs(ctx, 0); removed != 0 {
		t.Fatalf("default retention should keep the recent entry, removed %d", removed)
	}
}

func TestExportIncludesBothStores(t *testing.T) {
	captureLog(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(Config{Now: func() time.Time { return now }})
	defer l.Close(context.Background())
	ctx := context.Background()

	l.LogDetection(ctx, emergencyAssessment(), "u-1", nil)
	l.LogInteraction(ctx, "resources_viewed", nil, "u-1")

	exp := l.Export(ctx)
	if len(exp.RegularLogs) != 2 || len(exp.CriticalLogs) != 1 {
		t.Fatalf("unexpected export sizes: regular=%d critical=%d", len(exp.RegularLogs), len(exp.CriticalLogs))
	}
	if !exp.ExportTimestamp.Equal(now) || exp.SessionID != l.SessionID() {
		t.Fatalf("unexpected export header: %+v", exp)
	}

	data, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	for _, key := range []string{`"regular_logs"`, `"critical_logs"`, `"export_timestamp"`, `"session_id"`} {
		if !bytes.Contains(data, []byte(key)) {
			t.Fatalf("export json missing %s: %s", key, data)
		}
	}
}

func TestSessionIDFormat(t *testing.T) {
	id := NewSessionID(time.UnixMilli(1700000000123))
	if !regexp.MustCompile(`^session_1700000000123_[0-9a-f]{9}$`).MatchString(id) {
		t.Fatalf("unexpected session id %q", id)
	}
	if NewSessionID(time.Now()) == NewSessionID(time.Now()) {
		t.Fatalf("session ids should differ")
	}
}

func TestSessionIDFollowsClient(t *testing.T) {
	captureLog(t)
	l := New(Config{})
	defer l.Close(context.Background())

	a := WithClient(context.Background(), Client{SessionID: "session_a"})
	b := WithClient(context.Background(), Client{SessionID: " session_b "})
	l.LogDetection(a, emergencyAssessment(), "", nil)
	l.LogAction(b, "call_initiated", nil, "")
	l.LogInteraction(context.Background(), "modal_shown", nil, "")

	var got []string
	for _, e := range l.StoredLogs(context.Background()) {
		got = append(got, e.SessionID)
	}
	want := []string{"session_a", "session_b", l.SessionID()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("session ids mismatch (-want +got):\n%s", diff)
	}
	if crit := l.CriticalLogs(context.Background()); len(crit) != 1 || crit[0].SessionID != "session_a" {
		t.Fatalf("unexpected critical entries: %+v", crit)
	}
}
