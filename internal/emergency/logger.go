package emergency

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calmline/calmline/internal/crisis"
	"github.com/calmline/calmline/internal/logstore"
	"github.com/calmline/calmline/internal/metrics"
	"github.com/calmline/calmline/internal/redact"
)

// DefaultRetentionDays is used by ClearOldLogs when no positive value is given.
const DefaultRetentionDays = 30

// Sink consumes log entries (remote collector, sqlite, monitoring).
type Sink interface {
	Name() string
	Deliver(context.Context, *Entry) error
	Close(context.Context) error
}

// Config wires a Logger. Nil stores default to in-memory stores.
type Config struct {
	General  logstore.Store
	Critical logstore.Store

	// Remote receives every entry. Nil disables remote delivery.
	Remote Sink
	// Secondary sinks receive CRITICAL entries only.
	Secondary []Sink

	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration

	Now func() time.Time
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Enqueued    uint64
	Dropped     uint64
	SinkSuccess map[string]uint64
	SinkFailure map[string]uint64
}

// Logger records entries to bounded stores synchronously and delivers them
// to sinks on background workers.
type Logger struct {
	general  logstore.Store
	critical logstore.Store
	remote   Sink
	sinks    []Sink
	now      func() time.Time

	sessionID       string
	queue           chan *Entry
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New starts the delivery workers.
func New(cfg Config) *Logger {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	general := cfg.General
	if general == nil {
		general = logstore.NewMemory(logstore.GeneralName, logstore.GeneralCap)
	}
	critical := cfg.Critical
	if critical == nil {
		critical = logstore.NewMemory(logstore.CriticalName, logstore.CriticalCap)
	}

	var sinks []Sink
	for _, s := range cfg.Secondary {
		if s != nil {
			sinks = append(sinks, s)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		general:         general,
		critical:        critical,
		remote:          cfg.Remote,
		sinks:           sinks,
		now:             now,
		sessionID:       NewSessionID(now()),
		queue:           make(chan *Entry, queueSize),
		shutdownTimeout: shutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		stats: Stats{
			SinkSuccess: map[string]uint64{},
			SinkFailure: map[string]uint64{},
		},
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// SessionID is the fallback session id for entries whose client carries none.
func (l *Logger) SessionID() string { return l.sessionID }

func (l *Logger) sessionFor(c Client) string {
	if id := strings.TrimSpace(c.SessionID); id != "" {
		return id
	}
	return l.sessionID
}

// LogDetection records a crisis detection as a CRITICAL entry.
func (l *Logger) LogDetection(ctx context.Context, a crisis.Assessment, userID string, extra map[string]any) {
	if l == nil {
		return
	}
	at := l.now()
	c := clientFrom(ctx)
	det := a
	det.MatchedPhrases = append([]string{}, a.MatchedPhrases...)
	l.process(&Entry{
		Kind:                       KindDetection,
		Timestamp:                  at,
		UserID:                     userOrAnonymous(userID),
		SessionID:                  l.sessionFor(c),
		Severity:                   KindDetection.Severity(),
		RequiresImmediateAttention: true,
		Detection:                  &det,
		Context:                    detectionContext(c, extra),
	})
}

// LogAction records an action taken by the safety UI, such as a call started.
func (l *Logger) LogAction(ctx context.Context, action string, details map[string]any, userID string) {
	if l == nil {
		return
	}
	at := l.now()
	c := clientFrom(ctx)
	l.process(&Entry{
		Kind:      KindAction,
		Timestamp: at,
		UserID:    userOrAnonymous(userID),
		SessionID: l.sessionFor(c),
		Severity:  KindAction.Severity(),
		Action:    action,
		Details:   copyDetails(details),
		Context:   actionContext(c, at),
	})
}

// LogInteraction records how the user engaged with an emergency feature.
func (l *Logger) LogInteraction(ctx context.Context, interaction string, details map[string]any, userID string) {
	if l == nil {
		return
	}
	c := clientFrom(ctx)
	l.process(&Entry{
		Kind:        KindInteraction,
		Timestamp:   l.now(),
		UserID:      userOrAnonymous(userID),
		SessionID:   l.sessionFor(c),
		Severity:    KindInteraction.Severity(),
		Interaction: interaction,
		Details:     copyDetails(details),
		Context:     interactionContext(c),
	})
}

func (l *Logger) process(e *Entry) {
	redact.Logf("EMERGENCY LOG [%s] severity=%s session=%s user=%s%s", e.Kind, e.Severity, e.SessionID, e.UserID, traceSuffix(e))
	metrics.LogEntries.WithLabelValues(string(e.Kind)).Inc()

	l.store(e)
	l.enqueue(e)
}

func traceSuffix(e *Entry) string {
	switch {
	case e.Detection != nil:
		return " risk=" + string(e.Detection.RiskLevel) + " matched=[" + strings.Join(e.Detection.MatchedPhrases, ", ") + "]"
	case e.Action != "":
		return " action=" + e.Action
	case e.Interaction != "":
		return " interaction=" + e.Interaction
	}
	return ""
}

func (l *Logger) store(e *Entry) {
	rec, err := json.Marshal(e)
	if err != nil {
		redact.Logf("emergency: encode %s entry: %v", e.Kind, err)
		return
	}
	ctx := l.ctx
	if err := l.general.Append(ctx, rec); err != nil {
		redact.Logf("emergency: store %s append failed: %v", l.general.Name(), err)
		metrics.StoreFailures.WithLabelValues(logstore.GeneralName).Inc()
	}
	if !e.critical() {
		return
	}
	if err := l.critical.Append(ctx, rec); err != nil {
		redact.Logf("emergency: store %s append failed: %v", l.critical.Name(), err)
		metrics.StoreFailures.WithLabelValues(logstore.CriticalName).Inc()
	}
}

func (l *Logger) enqueue(e *Entry) {
	if l.remote == nil && (len(l.sinks) == 0 || !e.critical()) {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(e, "logger closed")
		return
	}
	select {
	case l.queue <- e:
		l.statsMu.Lock()
		l.stats.Enqueued++
		l.statsMu.Unlock()
	default:
		l.drop(e, "queue full")
	}
}

func (l *Logger) drop(e *Entry, reason string) {
	redact.Logf("emergency: dropped %s delivery: %s", e.Kind, reason)
	metrics.QueueDrops.Inc()
	l.statsMu.Lock()
	l.stats.Dropped++
	l.statsMu.Unlock()
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for e := range l.queue {
		l.deliver(e)
	}
}

func (l *Logger) deliver(e *Entry) {
	var g errgroup.Group
	if l.remote != nil {
		g.Go(func() error {
			l.deliverTo(l.remote, e)
			return nil
		})
	}
	if e.critical() {
		for _, s := range l.sinks {
			g.Go(func() error {
				l.deliverTo(s, e)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (l *Logger) deliverTo(s Sink, e *Entry) {
	if err := s.Deliver(l.ctx, e); err != nil {
		redact.Logf("emergency: sink %s failed for %s: %v", s.Name(), e.Kind, err)
		metrics.SinkDeliveries.WithLabelValues(s.Name(), "failure").Inc()
		l.statsMu.Lock()
		l.stats.SinkFailure[s.Name()]++
		l.statsMu.Unlock()
		return
	}
	metrics.SinkDeliveries.WithLabelValues(s.Name(), "success").Inc()
	l.statsMu.Lock()
	l.stats.SinkSuccess[s.Name()]++
	l.statsMu.Unlock()
}

// Stats copies the current counters.
func (l *Logger) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	out := Stats{
		Enqueued:    l.stats.Enqueued,
		Dropped:     l.stats.Dropped,
		SinkSuccess: make(map[string]uint64, len(l.stats.SinkSuccess)),
		SinkFailure: make(map[string]uint64, len(l.stats.SinkFailure)),
	}
	for k, v := range l.stats.SinkSuccess {
		out.SinkSuccess[k] = v
	}
	for k, v := range l.stats.SinkFailure {
		out.SinkFailure[k] = v
	}
	return out
}

// Close stops accepting deliveries, waits up to the shutdown timeout for the
// queue to drain, then cancels in-flight retries and closes sinks and stores.
func (l *Logger) Close(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		redact.Logf("emergency: shutdown timeout, abandoning pending deliveries")
	}
	l.cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	if l.remote != nil {
		if err := l.remote.Close(closeCtx); err != nil {
			redact.Logf("emergency: sink %s close error: %v", l.remote.Name(), err)
		}
	}
	for _, s := range l.sinks {
		if err := s.Close(closeCtx); err != nil {
			redact.Logf("emergency: sink %s close error: %v", s.Name(), err)
		}
	}
	for _, st := range []logstore.Store{l.general, l.critical} {
		if err := st.Close(); err != nil {
			redact.Logf("emergency: store %s close error: %v", st.Name(), err)
		}
	}
}
