package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/alertcache"
	"github.com/mbd888/fraudwatch/internal/classifier"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/predictor"
	"github.com/mbd888/fraudwatch/internal/pubsub"
	"github.com/mbd888/fraudwatch/internal/stats"
	"github.com/mbd888/fraudwatch/internal/testutil"
	"github.com/mbd888/fraudwatch/internal/velocity"
)

// --- Stubs ---

// stubModel returns a fixed probability and records every feature vector it
// scores. A transaction amount of panicAmount makes it panic.
type stubModel struct {
	mu    sync.Mutex
	prob  float64
	err   error
	delay time.Duration
	seen  []fraud.FeatureVector
}

const panicAmount = 666

func (m *stubModel) Predict(ctx context.Context, fv fraud.FeatureVector) (*fraud.RiskPrediction, error) {
	m.mu.Lock()
	m.seen = append(m.seen, fv)
	prob, err, delay := m.prob, m.err, m.delay
	m.mu.Unlock()

	if fv.TransactionAmount == panicAmount {
		panic("model exploded")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fraud.RiskPrediction{
		RiskScore:        prob * 100,
		FraudProbability: prob,
		Explanation:      []string{"stub"},
	}, nil
}

func (m *stubModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *stubModel) Seen(i int) fraud.FeatureVector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[i]
}

// failingCache finds nothing and refuses writes.
type failingCache struct{}

func (failingCache) Put(context.Context, string, *fraud.FraudAlert, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (failingCache) Get(context.Context, string) (*fraud.FraudAlert, error) {
	return nil, alertcache.ErrNotFound
}

// failingBuckets refuses bucket increments.
type failingBuckets struct{}

func (failingBuckets) Increment(context.Context, time.Time, fraud.RiskLevel, fraud.Recommendation) error {
	return errors.New("redis: connection refused")
}

func (failingBuckets) Read(_ context.Context, hour time.Time) (stats.Bucket, error) {
	return stats.Bucket{Hour: hour}, nil
}

// appendFailingStore reads from an empty window and refuses appends.
type appendFailingStore struct{}

func (appendFailingStore) Append(context.Context, string, velocity.Entry) error {
	return errors.New("redis: connection refused")
}

func (appendFailingStore) Recent(context.Context, string, time.Time) ([]velocity.Entry, error) {
	return nil, nil
}

// --- Harness ---

type harness struct {
	d        *Dispatcher
	model    *stubModel
	cache    *alertcache.MemoryCache
	stats    *stats.Aggregator
	velocity *velocity.MemoryStore
	bus      *pubsub.Bus
}

func newHarness(t *testing.T, model *stubModel, cfg Config) *harness {
	t.Helper()
	h := &harness{
		model:    model,
		cache:    alertcache.NewMemoryCache(0),
		stats:    stats.NewAggregator(stats.NewMemoryBucketStore(0), 2000),
		velocity: velocity.NewMemoryStore(),
		bus:      pubsub.New(),
	}
	t.Cleanup(h.bus.Close)
	h.d = New(Deps{
		Extractor:  features.NewExtractor(h.velocity),
		Predictor:  predictor.NewAdapter(model, predictor.WithTimeout(time.Second)),
		Classifier: classifier.Default(),
		Cache:      h.cache,
		Stats:      h.stats,
		Velocity:   h.velocity,
		Bus:        h.bus,
	}, cfg, nil)
	return h
}

func txFor(id, user string, amount int64) *fraud.TransactionEvent {
	return &fraud.TransactionEvent{
		ID:       id,
		UserID:   user,
		Amount:   decimal.NewFromInt(amount),
		Currency: "USD",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func receive(t *testing.T, sub *pubsub.Subscription) pubsub.Message {
	t.Helper()
	select {
	case m := <-sub.C():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("expected a message")
		return pubsub.Message{}
	}
}

func expectNone(t *testing.T, sub *pubsub.Subscription) {
	t.Helper()
	select {
	case m := <-sub.C():
		t.Fatalf("unexpected message on %s: %+v", m.Topic, m)
	case <-time.After(20 * time.Millisecond):
	}
}

// --- Synchronous analysis ---

func TestAnalyze_HighRiskIsBroadcast(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.9}, Config{})
	mine := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicAlertsCompleted}, Key: "merchant-a"})
	other := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicAlertsCompleted}, Key: "merchant-b"})
	monitor := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicHighRisk}})

	alert, err := h.d.AnalyzeFrom(context.Background(), "merchant-a", txFor("tx_1", "u1", 25000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.RiskLevel != fraud.RiskHigh || alert.Recommendation != fraud.RecommendBlock {
		t.Fatalf("expected HIGH/BLOCK, got %s/%s", alert.RiskLevel, alert.Recommendation)
	}
	if alert.ID == "" || alert.TransactionID != "tx_1" || alert.UserID != "u1" {
		t.Errorf("unexpected alert identity: %+v", alert)
	}
	if alert.ProcessingTimeMs < 0 {
		t.Errorf("expected non-negative processing time, got %d", alert.ProcessingTimeMs)
	}

	got := receive(t, mine).Payload.(*fraud.FraudAlert)
	if got.ID != alert.ID {
		t.Errorf("requester got alert %s, want %s", got.ID, alert.ID)
	}
	broadcast := receive(t, monitor).Payload.(*fraud.FraudAlert)
	if broadcast.ID != alert.ID {
		t.Errorf("broadcast alert %s, want %s", broadcast.ID, alert.ID)
	}
	expectNone(t, other)
}

func TestAnalyze_LowRiskIsNotBroadcast(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})
	monitor := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicHighRisk}})

	alert, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.RiskLevel != fraud.RiskLow {
		t.Fatalf("expected LOW, got %s", alert.RiskLevel)
	}
	expectNone(t, monitor)
}

func TestAnalyze_SecondTransactionCountsFirst(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})
	base := time.Now().UTC().Add(-time.Minute)

	first := txFor("tx_a", "new-user", 50)
	first.Timestamp = base
	second := txFor("tx_b", "new-user", 50)
	second.Timestamp = base.Add(30 * time.Second)

	for _, tx := range []*fraud.TransactionEvent{first, second} {
		alert, err := h.d.Analyze(context.Background(), tx)
		if err != nil {
			t.Fatalf("analyze %s: %v", tx.ID, err)
		}
		if alert.RiskLevel != fraud.RiskLow || alert.Recommendation != fraud.RecommendApprove {
			t.Errorf("%s: expected LOW/APPROVE, got %s/%s", tx.ID, alert.RiskLevel, alert.Recommendation)
		}
	}

	if f := h.model.Seen(0).TransactionFrequency; f != 0 {
		t.Errorf("first transaction frequency = %d, want 0", f)
	}
	if f := h.model.Seen(1).TransactionFrequency; f != 1 {
		t.Errorf("second transaction frequency = %d, want 1", f)
	}
}

func TestAnalyze_ModelTimeoutRecordsNothing(t *testing.T) {
	model := &stubModel{prob: 0.9, delay: 500 * time.Millisecond}
	h := newHarness(t, model, Config{})
	h.d.deps.Predictor = predictor.NewAdapter(model, predictor.WithTimeout(20*time.Millisecond))

	_, err := h.d.Analyze(context.Background(), txFor("tx_slow", "u1", 100))
	if !errors.Is(err, fraud.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageScored {
		t.Fatalf("expected StageError at %s, got %v", StageScored, err)
	}
	if se.TransactionID != "tx_slow" {
		t.Errorf("expected transaction id in error, got %q", se.TransactionID)
	}

	if _, err := h.cache.Get(context.Background(), "tx_slow"); !errors.Is(err, alertcache.ErrNotFound) {
		t.Errorf("expected no cached alert, got %v", err)
	}
	if n := h.stats.HistoryLen(); n != 0 {
		t.Errorf("expected empty history, got %d", n)
	}
	if n := h.stats.Snapshot(0).TotalTransactions; n != 0 {
		t.Errorf("expected no recorded transactions, got %d", n)
	}
	if n := h.velocity.Len("u1"); n != 0 {
		t.Errorf("expected no velocity entry, got %d", n)
	}
}

func TestAnalyze_InvalidInput(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})

	tests := []*fraud.TransactionEvent{
		nil,
		txFor("", "u1", 10),
		txFor("tx_1", "", 10),
		txFor("tx_1", "u1", 0),
		txFor("tx_1", "u1", -5),
	}
	for i, tx := range tests {
		_, err := h.d.Analyze(context.Background(), tx)
		if !errors.Is(err, fraud.ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
		var se *StageError
		if !errors.As(err, &se) || se.Stage != StageReceived {
			t.Errorf("case %d: expected StageError at %s, got %v", i, StageReceived, err)
		}
	}
	if h.model.Calls() != 0 {
		t.Errorf("model must not be called for invalid input, got %d calls", h.model.Calls())
	}
}

func TestAnalyze_CacheHitShortCircuits(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.9}, Config{})
	monitor := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicHighRisk}})
	before := promtest.ToFloat64(metrics.CacheHitsTotal)

	first, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 100))
	if err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	receive(t, monitor)

	second, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 100))
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected cached alert %s, got %s", first.ID, second.ID)
	}
	if h.model.Calls() != 1 {
		t.Errorf("expected 1 model call, got %d", h.model.Calls())
	}
	if n := h.stats.HistoryLen(); n != 1 {
		t.Errorf("expected one recorded alert, got %d", n)
	}
	if n := h.velocity.Len("u1"); n != 1 {
		t.Errorf("expected one velocity entry, got %d", n)
	}
	if got := promtest.ToFloat64(metrics.CacheHitsTotal) - before; got != 1 {
		t.Errorf("expected 1 cache hit, got %v", got)
	}
	expectNone(t, monitor)
}

func TestAnalyze_ReturnedAlertMatchesCachedAlert(t *testing.T) {
	client, _ := testutil.RedisTest(t)
	noReasons := predictor.ModelFunc(func(context.Context, fraud.FeatureVector) (*fraud.RiskPrediction, error) {
		return &fraud.RiskPrediction{RiskScore: 12, FraudProbability: 0.12}, nil
	})
	store := velocity.NewRedisStore(client)
	d := New(Deps{
		Extractor:  features.NewExtractor(store),
		Predictor:  predictor.NewAdapter(noReasons, predictor.WithTimeout(time.Second)),
		Classifier: classifier.Default(),
		Cache:      alertcache.NewRedisCache(client),
		Stats:      stats.NewAggregator(stats.NewMemoryBucketStore(0), 10),
		Velocity:   store,
		Bus:        pubsub.New(),
	}, Config{}, nil)

	alert, err := d.Analyze(context.Background(), txFor("tx_1", "u1", 50))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if alert.Explanation == nil {
		t.Fatal("expected an empty, non-nil explanation")
	}

	cached, err := d.Lookup(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want, _ := json.Marshal(alert)
	got, _ := json.Marshal(cached)
	if string(got) != string(want) {
		t.Errorf("cached alert differs from returned alert:\n got  %s\n want %s", got, want)
	}
}

func TestAnalyze_ReturnedAlertIsACopy(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})

	alert, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alert.RiskLevel = fraud.RiskHigh
	alert.Explanation[0] = "tampered"

	cached, err := h.d.Lookup(context.Background(), "tx_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if cached.RiskLevel != fraud.RiskLow || cached.Explanation[0] != "stub" {
		t.Errorf("cached alert was mutated through the returned copy: %+v", cached)
	}
}

func TestAnalyze_ConcurrentDistinctUsers(t *testing.T) {
	const n = 1000
	h := newHarness(t, &stubModel{prob: 0.2}, Config{})

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := txFor(fmt.Sprintf("tx_%d", i), fmt.Sprintf("user_%d", i), int64(10+i))
			alert, err := h.d.Analyze(context.Background(), tx)
			errs[i] = err
			if alert != nil {
				ids[i] = alert.ID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("analyze %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate alert id %s", ids[i])
		}
		seen[ids[i]] = true
		if got := h.velocity.Len(fmt.Sprintf("user_%d", i)); got != 1 {
			t.Fatalf("user_%d: expected 1 velocity entry, got %d", i, got)
		}
	}
	if got := h.stats.HistoryLen(); got != n {
		t.Errorf("expected %d recorded alerts, got %d", n, got)
	}
}

func TestAnalyze_ConcurrentSameTransactionRunsOnce(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1, delay: 50 * time.Millisecond}, Config{})

	const callers = 10
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alert, err := h.d.Analyze(context.Background(), txFor("tx_dup", "u1", 10))
			if err != nil {
				t.Errorf("analyze: %v", err)
				return
			}
			ids <- alert.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Errorf("expected one alert, got %s and %s", first, id)
		}
	}
	if h.model.Calls() != 1 {
		t.Errorf("expected 1 model call, got %d", h.model.Calls())
	}
	if got := h.velocity.Len("u1"); got != 1 {
		t.Errorf("expected 1 velocity entry, got %d", got)
	}
}

func TestAnalyze_CallerCancelDoesNotAbortWork(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1, delay: 100 * time.Millisecond}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.d.Analyze(ctx, txFor("tx_1", "u1", 10))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}

	waitFor(t, func() bool {
		_, err := h.cache.Get(context.Background(), "tx_1")
		return err == nil
	})
	if got := h.stats.HistoryLen(); got != 1 {
		t.Errorf("expected the abandoned analysis to be recorded, got %d", got)
	}
}

func TestAnalyze_CacheWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.9}, Config{})
	h.d.deps.Cache = failingCache{}
	monitor := h.bus.Subscribe(pubsub.Filter{})

	_, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 10))
	if !errors.Is(err, fraud.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageCachedRecorded {
		t.Fatalf("expected StageError at %s, got %v", StageCachedRecorded, err)
	}
	if n := h.stats.HistoryLen(); n != 0 {
		t.Errorf("expected nothing recorded, got %d", n)
	}
	if n := h.velocity.Len("u1"); n != 0 {
		t.Errorf("expected no velocity entry, got %d", n)
	}
	expectNone(t, monitor)
}

func TestAnalyze_BestEffortFailuresDoNotFailAnalysis(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})
	agg := stats.NewAggregator(failingBuckets{}, 10)
	h.d.deps.Stats = agg
	h.d.deps.Velocity = appendFailingStore{}
	h.d.deps.Extractor = features.NewExtractor(appendFailingStore{})

	bucketBefore := promtest.ToFloat64(metrics.BestEffortFailuresTotal.WithLabelValues("bucket_increment"))
	velocityBefore := promtest.ToFloat64(metrics.BestEffortFailuresTotal.WithLabelValues("velocity_append"))

	alert, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 10))
	if err != nil {
		t.Fatalf("expected success despite counter failures, got %v", err)
	}
	if _, err := h.cache.Get(context.Background(), "tx_1"); err != nil {
		t.Errorf("expected cached alert, got %v", err)
	}
	if agg.HistoryLen() != 1 {
		t.Errorf("expected alert in history, got %d", agg.HistoryLen())
	}
	if alert.RiskLevel != fraud.RiskLow {
		t.Errorf("expected LOW, got %s", alert.RiskLevel)
	}

	if got := promtest.ToFloat64(metrics.BestEffortFailuresTotal.WithLabelValues("bucket_increment")) - bucketBefore; got != 1 {
		t.Errorf("expected 1 bucket failure, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.BestEffortFailuresTotal.WithLabelValues("velocity_append")) - velocityBefore; got != 1 {
		t.Errorf("expected 1 velocity failure, got %v", got)
	}
}

func TestAnalyze_PanicBecomesErroredStage(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})

	_, err := h.d.Analyze(context.Background(), txFor("tx_boom", "u1", panicAmount))
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageErrored {
		t.Fatalf("expected StageError at %s, got %v", StageErrored, err)
	}

	if _, err := h.d.Analyze(context.Background(), txFor("tx_ok", "u1", 10)); err != nil {
		t.Fatalf("dispatcher must keep working after a panic: %v", err)
	}
}

// --- Queue and workers ---

func TestEnqueue_WorkersDrainQueue(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{Workers: 4, QueueSize: 64})
	sub := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicAlertsCompleted}, Key: "kafka"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Start(ctx)
		close(done)
	}()
	waitFor(t, h.d.Running)

	for i := 0; i < 20; i++ {
		if err := h.d.Enqueue(txFor(fmt.Sprintf("tx_%d", i), fmt.Sprintf("u%d", i%3), 10), "kafka"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 20; i++ {
		receive(t, sub)
	}
	if got := h.stats.HistoryLen(); got != 20 {
		t.Errorf("expected 20 recorded alerts, got %d", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if h.d.Running() {
		t.Error("expected dispatcher to report stopped")
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{QueueSize: 2})
	before := promtest.ToFloat64(metrics.QueueRejectedTotal)

	for i := 0; i < 2; i++ {
		if err := h.d.Enqueue(txFor(fmt.Sprintf("tx_%d", i), "u1", 10), "api"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := h.d.Enqueue(txFor("tx_overflow", "u1", 10), "api"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if h.d.QueueLen() != 2 {
		t.Errorf("expected queue length 2, got %d", h.d.QueueLen())
	}
	if got := promtest.ToFloat64(metrics.QueueRejectedTotal) - before; got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{})
	if err := h.d.Enqueue(txFor("tx_1", "", 10), "api"); !errors.Is(err, fraud.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if h.d.QueueLen() != 0 {
		t.Errorf("invalid transaction must not be queued")
	}
}

func TestStop_DrainsQueuedWork(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{Workers: 2, QueueSize: 16})
	for i := 0; i < 5; i++ {
		if err := h.d.Enqueue(txFor(fmt.Sprintf("tx_%d", i), "u1", 10), "api"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	h.d.Stop()
	h.d.Start(context.Background())

	if got := h.stats.HistoryLen(); got != 5 {
		t.Errorf("expected queued work drained on stop, got %d alerts", got)
	}
	if err := h.d.Enqueue(txFor("tx_late", "u1", 10), "api"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after stop, got %v", err)
	}
	h.d.Stop()
}

func TestWorker_FailureIsPublishedToRequester(t *testing.T) {
	h := newHarness(t, &stubModel{err: errors.New("model offline")}, Config{Workers: 1})
	failures := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicAnalysisFailed}, Key: "kafka"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.d.Start(ctx)

	if err := h.d.Enqueue(txFor("tx_1", "u1", 10), "kafka"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f := receive(t, failures).Payload.(Failure)
	if f.TransactionID != "tx_1" || f.Stage != StageScored {
		t.Errorf("unexpected failure notice: %+v", f)
	}
	if f.Error == "" {
		t.Error("expected an error message")
	}
}

func TestWorker_PanicDoesNotStopPool(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.1}, Config{Workers: 1})
	completed := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicAlertsCompleted}})
	failures := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicAnalysisFailed}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.d.Start(ctx)

	if err := h.d.Enqueue(txFor("tx_boom", "u1", panicAmount), "api"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.d.Enqueue(txFor("tx_ok", "u1", 10), "api"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if f := receive(t, failures).Payload.(Failure); f.Stage != StageErrored {
		t.Errorf("expected errored stage, got %s", f.Stage)
	}
	if a := receive(t, completed).Payload.(*fraud.FraudAlert); a.TransactionID != "tx_ok" {
		t.Errorf("expected tx_ok to complete, got %s", a.TransactionID)
	}
}

func TestStart_PublishesStatsSnapshots(t *testing.T) {
	h := newHarness(t, &stubModel{prob: 0.9}, Config{StatsInterval: 10 * time.Millisecond})
	snapshots := h.bus.Subscribe(pubsub.Filter{Topics: []string{pubsub.TopicStatsSnapshot}})

	if _, err := h.d.Analyze(context.Background(), txFor("tx_1", "u1", 10)); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.d.Start(ctx)

	s := receive(t, snapshots).Payload.(fraud.StatsSummary)
	if s.TotalTransactions != 1 || s.HighRiskCount != 1 || s.FraudRate != 1 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if s.WindowSeconds != int64(DefaultStatsWindow/time.Second) {
		t.Errorf("expected default window, got %d", s.WindowSeconds)
	}
}
