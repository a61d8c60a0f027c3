// Package dispatcher runs transactions through the scoring pipeline and
// publishes the resulting alerts.
//
// A transaction moves through the stages
//
//	Received → FeaturesExtracted → Scored → Classified → CachedRecorded → Published → Done
//
// or stops in Errored. Failures are returned as *StageError and are never
// retried. Synchronous callers use Analyze; background sources use Enqueue
// and a pool of workers started by Start.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/fraudwatch/internal/alertcache"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/pubsub"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/velocity"
)

// Stage is one step of the pipeline.
type Stage string

const (
	StageReceived          Stage = "received"
	StageFeaturesExtracted Stage = "features_extracted"
	StageScored            Stage = "scored"
	StageClassified        Stage = "classified"
	StageCachedRecorded    Stage = "cached_recorded"
	StagePublished         Stage = "published"
	StageDone              Stage = "done"
	StageErrored           Stage = "errored"
)

// StageError reports the step that failed. Received covers validation and
// the cache lookup.
type StageError struct {
	Stage         Stage
	TransactionID string
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("analyze %q: %s: %v", e.TransactionID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

var (
	// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
	ErrQueueFull = errors.New("dispatcher: queue full")

	// ErrStopped is returned by Enqueue after the dispatcher has stopped.
	ErrStopped = errors.New("dispatcher: stopped")
)

const (
	DefaultWorkers         = 8
	DefaultQueueSize       = 1024
	DefaultStatsInterval   = 5 * time.Second
	DefaultStatsWindow     = time.Hour
	DefaultAnalysisTimeout = 10 * time.Second

	// DefaultRequester is used when a caller does not identify itself.
	DefaultRequester = "direct"
)

// FeatureExtractor builds the model input for a transaction.
type FeatureExtractor interface {
	Extract(ctx context.Context, tx *fraud.TransactionEvent) (*fraud.FeatureVector, error)
}

// Predictor scores a feature vector.
type Predictor interface {
	Predict(ctx context.Context, features fraud.FeatureVector) (*fraud.RiskPrediction, error)
}

// Classifier maps a probability onto a tier and a recommendation.
type Classifier interface {
	Classify(p float64) (fraud.RiskLevel, fraud.Recommendation)
}

// Recorder folds alerts into statistics.
type Recorder interface {
	Record(ctx context.Context, alert *fraud.FraudAlert) error
	Snapshot(window time.Duration) fraud.StatsSummary
}

// Publisher delivers bus messages.
type Publisher interface {
	Publish(msg pubsub.Message) int
}

// Failure is the payload published on alerts.failed for queued analyses.
type Failure struct {
	TransactionID string `json:"transactionId"`
	Stage         Stage  `json:"stage"`
	Error         string `json:"error"`
}

// Config sizes the worker pool and the background timers.
type Config struct {
	Workers         int
	QueueSize       int
	StatsInterval   time.Duration
	StatsWindow     time.Duration
	AlertTTL        time.Duration
	AnalysisTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = DefaultStatsWindow
	}
	if c.AlertTTL <= 0 {
		c.AlertTTL = alertcache.DefaultTTL
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = DefaultAnalysisTimeout
	}
	return c
}

// Deps are the pipeline collaborators. All are required.
type Deps struct {
	Extractor  FeatureExtractor
	Predictor  Predictor
	Classifier Classifier
	Cache      alertcache.Cache
	Stats      Recorder
	Velocity   velocity.Store
	Bus        Publisher
}

type job struct {
	tx        fraud.TransactionEvent
	requester string
}

// Dispatcher runs the pipeline for synchronous and queued transactions.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	flights singleflight.Group

	queueMu sync.RWMutex
	queue   chan job
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a dispatcher. Call Start to begin draining the queue.
func New(deps Deps, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		queue:  make(chan job, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Analyze runs the pipeline for tx on behalf of DefaultRequester.
func (d *Dispatcher) Analyze(ctx context.Context, tx *fraud.TransactionEvent) (*fraud.FraudAlert, error) {
	return d.AnalyzeFrom(ctx, DefaultRequester, tx)
}

// AnalyzeFrom runs the pipeline for tx and publishes the alert to requester.
//
// The pipeline runs on a context detached from ctx with its own deadline:
// if ctx ends first the caller gets ctx.Err() but the analysis still
// completes and is recorded. Concurrent calls for the same transaction id
// share one run; only the first caller's requester receives the publish.
func (d *Dispatcher) AnalyzeFrom(ctx context.Context, requester string, tx *fraud.TransactionEvent) (*fraud.FraudAlert, error) {
	if err := tx.Validate(); err != nil {
		id := ""
		if tx != nil {
			id = tx.ID
		}
		metrics.AnalysisErrorsTotal.WithLabelValues(string(StageReceived)).Inc()
		return nil, &StageError{Stage: StageReceived, TransactionID: id, Err: err}
	}
	if requester == "" {
		requester = DefaultRequester
	}
	event := tx.Normalize(d.now())

	ch := d.flights.DoChan(event.ID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AnalysisTimeout)
		defer cancel()
		return d.safeRun(runCtx, requester, &event)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fraud.FraudAlert).Clone(), nil
	}
}

// safeRun converts a pipeline panic into an Errored StageError. singleflight
// re-panics on a fresh goroutine, where no caller could recover it.
func (d *Dispatcher) safeRun(ctx context.Context, requester string, tx *fraud.TransactionEvent) (alert *fraud.FraudAlert, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanicsTotal.Inc()
			metrics.AnalysisErrorsTotal.WithLabelValues(string(StageErrored)).Inc()
			d.logger.Error("panic in analysis pipeline",
				"transaction_id", tx.ID,
				"panic", fmt.Sprint(r),
			)
			alert, err = nil, &StageError{Stage: StageErrored, TransactionID: tx.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return d.run(ctx, requester, tx)
}

func (d *Dispatcher) run(ctx context.Context, requester string, tx *fraud.TransactionEvent) (alert *fraud.FraudAlert, err error) {
	start := d.now()
	ctx = logging.WithTransactionID(ctx, tx.ID)
	ctx, span := traces.StartSpan(ctx, "dispatcher.Analyze",
		traces.TransactionID(tx.ID),
		traces.UserID(tx.UserID),
		traces.Requester(requester),
	)
	defer func() { traces.EndSpan(span, err) }()

	fail := func(stage Stage, cause error) (*fraud.FraudAlert, error) {
		metrics.AnalysisErrorsTotal.WithLabelValues(string(stage)).Inc()
		logging.L(ctx).Warn("analysis failed", "stage", stage, "error", cause)
		return nil, &StageError{Stage: stage, TransactionID: tx.ID, Err: cause}
	}

	cached, err := d.deps.Cache.Get(ctx, tx.ID)
	switch {
	case err == nil:
		metrics.CacheHitsTotal.Inc()
		span.SetAttributes(traces.CacheHit(true))
		return cached, nil
	case !errors.Is(err, alertcache.ErrNotFound):
		return fail(StageReceived, fmt.Errorf("%w: alert cache: %w", fraud.ErrDependencyUnavailable, err))
	}
	span.SetAttributes(traces.CacheHit(false))

	fv, err := d.extract(ctx, tx)
	if err != nil {
		return fail(StageFeaturesExtracted, err)
	}

	prediction, err := d.predict(ctx, fv)
	if err != nil {
		return fail(StageScored, err)
	}

	level, rec := d.deps.Classifier.Classify(prediction.FraudProbability)
	span.SetAttributes(traces.RiskLevel(string(level)), traces.FraudProbability(prediction.FraudProbability))

	created := d.now()
	alert = &fraud.FraudAlert{
		ID:               idgen.Alert(),
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		RiskScore:        prediction.RiskScore,
		FraudProbability: prediction.FraudProbability,
		RiskLevel:        level,
		Recommendation:   rec,
		Explanation:      append([]string{}, prediction.Explanation...),
		Timestamp:        created.UTC(),
		ProcessingTimeMs: created.Sub(start).Milliseconds(),
	}

	if err := d.deps.Cache.Put(ctx, tx.ID, alert, d.cfg.AlertTTL); err != nil {
		return fail(StageCachedRecorded, fmt.Errorf("%w: alert cache: %w", fraud.ErrDependencyUnavailable, err))
	}
	d.recordBestEffort(ctx, tx, alert)
	d.publish(requester, alert)

	metrics.AlertsTotal.WithLabelValues(string(level)).Inc()
	metrics.AnalysisDuration.Observe(d.now().Sub(start).Seconds())
	logging.L(ctx).Info("transaction analyzed",
		"alert_id", alert.ID,
		"risk_level", alert.RiskLevel,
		"recommendation", alert.Recommendation,
		"fraud_probability", alert.FraudProbability,
		"processing_ms", alert.ProcessingTimeMs,
	)
	return alert, nil
}

func (d *Dispatcher) extract(ctx context.Context, tx *fraud.TransactionEvent) (fv *fraud.FeatureVector, err error) {
	ctx, span := traces.StartSpan(ctx, "dispatcher.ExtractFeatures")
	defer func() { traces.EndSpan(span, err) }()
	return d.deps.Extractor.Extract(ctx, tx)
}

func (d *Dispatcher) predict(ctx context.Context, fv *fraud.FeatureVector) (p *fraud.RiskPrediction, err error) {
	ctx, span := traces.StartSpan(ctx, "dispatcher.Predict")
	defer func() { traces.EndSpan(span, err) }()
	return d.deps.Predictor.Predict(ctx, *fv)
}

// recordBestEffort updates statistics and the velocity window. The alert is
// already decided and cached, so failures are logged and counted only.
func (d *Dispatcher) recordBestEffort(ctx context.Context, tx *fraud.TransactionEvent, alert *fraud.FraudAlert) {
	if err := d.deps.Stats.Record(ctx, alert); err != nil {
		metrics.BestEffortFailuresTotal.WithLabelValues("bucket_increment").Inc()
		logging.L(ctx).Warn("failed to increment stats bucket", "error", err)
	}
	entry := velocity.Entry{TransactionID: tx.ID, Amount: tx.Amount, Timestamp: tx.Timestamp}
	if err := d.deps.Velocity.Append(ctx, tx.UserID, entry); err != nil {
		metrics.BestEffortFailuresTotal.WithLabelValues("velocity_append").Inc()
		logging.L(ctx).Warn("failed to append velocity entry", "error", err)
	}
}

func (d *Dispatcher) publish(requester string, alert *fraud.FraudAlert) {
	d.deps.Bus.Publish(pubsub.Message{
		Topic:   pubsub.TopicAlertsCompleted,
		Key:     requester,
		Payload: alert.Clone(),
	})
	if alert.RiskLevel == fraud.RiskHigh {
		d.deps.Bus.Publish(pubsub.Message{
			Topic:   pubsub.TopicHighRisk,
			Key:     requester,
			Payload: alert.Clone(),
		})
	}
}

// Enqueue validates tx and adds it to the backlog without blocking.
func (d *Dispatcher) Enqueue(tx *fraud.TransactionEvent, requester string) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if requester == "" {
		requester = DefaultRequester
	}

	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if d.closed {
		return ErrStopped
	}
	select {
	case d.queue <- job{tx: *tx, requester: requester}:
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.QueueRejectedTotal.Inc()
		return ErrQueueFull
	}
}

// QueueLen returns the number of transactions waiting for a worker.
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

// Running reports whether the worker pool is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start runs the worker pool and the stats ticker until ctx is done or Stop
// is called, then drains the queue and returns. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range d.queue {
				metrics.QueueDepth.Set(float64(len(d.queue)))
				d.safeProcess(workCtx, j)
			}
		}()
	}

	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-d.stop:
			break loop
		case <-ticker.C:
			d.safePublishStats()
		}
	}

	d.closeQueue()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Stop signals Start to drain the queue and return. Enqueue fails with
// ErrStopped afterwards.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.closeQueue()
}

func (d *Dispatcher) closeQueue() {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

func (d *Dispatcher) safeProcess(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanicsTotal.Inc()
			d.logger.Error("panic in dispatcher worker",
				"transaction_id", j.tx.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	d.process(ctx, j)
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	_, err := d.AnalyzeFrom(ctx, j.requester, &j.tx)
	if err == nil {
		return
	}
	f := Failure{TransactionID: j.tx.ID, Stage: StageErrored, Error: err.Error()}
	var se *StageError
	if errors.As(err, &se) {
		f.Stage = se.Stage
	}
	d.deps.Bus.Publish(pubsub.Message{
		Topic:   pubsub.TopicAnalysisFailed,
		Key:     j.requester,
		Payload: f,
	})
}

func (d *Dispatcher) safePublishStats() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in stats publisher", "panic", fmt.Sprint(r))
		}
	}()
	d.PublishStats()
}

// PublishStats publishes a snapshot of the configured window to
// stats.snapshot.
func (d *Dispatcher) PublishStats() {
	d.deps.Bus.Publish(pubsub.Message{
		Topic:   pubsub.TopicStatsSnapshot,
		Payload: d.deps.Stats.Snapshot(d.cfg.StatsWindow),
	})
}

// StatsWindow is the window used for published snapshots.
func (d *Dispatcher) StatsWindow() time.Duration {
	return d.cfg.StatsWindow
}

// Lookup returns the cached alert for a transaction id.
func (d *Dispatcher) Lookup(ctx context.Context, transactionID string) (*fraud.FraudAlert, error) {
	return d.deps.Cache.Get(ctx, transactionID)
}
