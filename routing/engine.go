package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
	"github.com/spacemonqi/ableton-mcp-extended/mappings"
	"github.com/spacemonqi/ableton-mcp-extended/message"
	"github.com/spacemonqi/ableton-mcp-extended/metric"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/buffer"
	"github.com/spacemonqi/ableton-mcp-extended/pkg/timestamp"
)

const (
	// readTimeout bounds each queue wait so housekeeping runs even when
	// no frames arrive.
	readTimeout = 100 * time.Millisecond

	// flushInterval caps snapshot writes at 20Hz.
	flushInterval = 50 * time.Millisecond

	// sweepInterval paces the smoothing-state sweep that drops entries
	// for unmapped targets.
	sweepInterval = 30 * time.Second
)

// ParameterDispatcher sends resolved parameter values to the target
// application. Satisfied by ableton.Sender.
type ParameterDispatcher interface {
	SetDeviceParameter(track, device, parameter int, value float64) error
	BatchSetDeviceParameters(track, device int, parameters []int, values []float64) error
}

// engineMetrics tracks routing throughput.
type engineMetrics struct {
	batches        prometheus.Counter
	dispatches     prometheus.Counter
	dispatchErrors prometheus.Counter
	snapshotWrites prometheus.Counter
	smoothingKeys  prometheus.Gauge
}

func newEngineMetrics(registry *metric.MetricsRegistry) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "engine",
			Name:      "batches_total",
			Help:      "Motion batches consumed from the ingestion queue",
		}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "engine",
			Name:      "dispatches_total",
			Help:      "Parameter values dispatched to the target application",
		}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "engine",
			Name:      "dispatch_errors_total",
			Help:      "Dispatches that failed to send",
		}),
		snapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motionroute",
			Subsystem: "engine",
			Name:      "snapshot_writes_total",
			Help:      "Live-value snapshots flushed to sinks",
		}),
		smoothingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "motionroute",
			Subsystem: "engine",
			Name:      "smoothing_keys",
			Help:      "Targets currently holding smoothing state",
		}),
	}

	registry.RegisterCounter("engine", "batches", m.batches)
	registry.RegisterCounter("engine", "dispatches", m.dispatches)
	registry.RegisterCounter("engine", "dispatch_errors", m.dispatchErrors)
	registry.RegisterCounter("engine", "snapshot_writes", m.snapshotWrites)
	registry.RegisterGauge("engine", "smoothing_keys", m.smoothingKeys)
	return m
}

// Engine is the single consumer of the ingestion queue. It registers
// observed streams, maintains the live value cache, applies mappings, and
// dispatches the results.
type Engine struct {
	queue      buffer.Buffer[message.Batch]
	store      *mappings.Store
	dispatcher ParameterDispatcher
	sinks      []SnapshotSink
	logger     *slog.Logger

	// smoother is owned by the loop goroutine exclusively.
	smoother *Smoother

	// valuesMu guards the live value cache, read by the control API.
	valuesMu sync.RWMutex
	values   map[string]float64

	lastFlush int64 // Unix ms, loop-local pacing
	lastSweep int64

	receiveLog *rate.Limiter

	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup

	metrics *engineMetrics
}

// EngineDeps holds runtime dependencies for the router engine.
type EngineDeps struct {
	Queue           buffer.Buffer[message.Batch]
	Store           *mappings.Store
	Dispatcher      ParameterDispatcher
	Sinks           []SnapshotSink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewEngine creates a router engine.
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "router-engine")
	}
	return &Engine{
		queue:      deps.Queue,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		sinks:      deps.Sinks,
		logger:     logger,
		smoother:   NewSmoother(),
		values:     make(map[string]float64),
		receiveLog: rate.NewLimiter(rate.Every(2*time.Second), 1),
		metrics:    newEngineMetrics(deps.MetricsRegistry),
	}
}

// Initialize validates the engine's dependencies.
func (e *Engine) Initialize() error {
	if e.queue == nil {
		return errors.WrapInvalid(fmt.Errorf("nil ingestion queue"),
			"router-engine", "Initialize", "queue validation")
	}
	if e.store == nil {
		return errors.WrapInvalid(fmt.Errorf("nil mapping store"),
			"router-engine", "Initialize", "store validation")
	}
	if e.dispatcher == nil {
		return errors.WrapInvalid(fmt.Errorf("nil dispatcher"),
			"router-engine", "Initialize", "dispatcher validation")
	}
	return nil
}

// Start launches the consumer loop. Idempotent while running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	e.shutdown = make(chan struct{})
	e.done = make(chan struct{})
	e.running.Store(true)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.done)
		e.loop(ctx)
	}()

	return nil
}

// Stop signals the loop and waits for it to drain.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running.Load() {
		return nil
	}
	e.running.Store(false)

	e.mu.Lock()
	if e.shutdown != nil {
		select {
		case <-e.shutdown:
		default:
			close(e.shutdown)
		}
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"router-engine", "Stop", "graceful shutdown")
	}
}

func (e *Engine) loop(ctx context.Context) {
	for e.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		default:
		}

		batch, ok := e.queue.ReadWait(readTimeout)
		if !ok {
			// No data: housekeeping only.
			e.maybeFlush()
			e.maybeSweep()
			continue
		}

		e.processBatch(batch)
	}
}

func (e *Engine) processBatch(batch message.Batch) {
	if e.metrics != nil {
		e.metrics.batches.Inc()
	}

	e.store.RegisterStreams(e.observedStreams(batch))

	if e.receiveLog.Allow() {
		e.logger.Debug("Routing motion data", "streams", len(batch.Values))
	}

	if len(batch.Values) > 0 {
		e.valuesMu.Lock()
		for stream, value := range batch.Values {
			e.values[stream] = value
		}
		e.valuesMu.Unlock()
	}

	e.maybeFlush()

	for stream, raw := range batch.Values {
		e.routeSample(stream, raw)
	}
}

// observedStreams merges the batch's advertised stream list with the names
// actually carrying values.
func (e *Engine) observedStreams(batch message.Batch) []string {
	if len(batch.Streams) == 0 && len(batch.Values) == 0 {
		return nil
	}
	names := make([]string, 0, len(batch.Streams)+len(batch.Values))
	seen := make(map[string]struct{}, len(batch.Streams)+len(batch.Values))
	for _, name := range batch.Streams {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for name := range batch.Values {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// routeSample applies every enabled mapping for the stream and dispatches
// the results, grouping writes to the same device into one batch datagram.
func (e *Engine) routeSample(stream string, raw float64) {
	active := e.store.MappingsForStream(stream)
	if len(active) == 0 {
		return
	}

	type deviceKey struct{ track, device int }
	groups := make(map[deviceKey][]Dispatch)
	order := make([]deviceKey, 0, len(active))

	for _, m := range active {
		dispatch, ok := e.smoother.Transform(stream, raw, m)
		if !ok {
			continue
		}
		key := deviceKey{dispatch.Track, dispatch.Device}
		if _, exists := groups[key]; !exists {
			order = append(order, key)
		}
		groups[key] = append(groups[key], dispatch)
	}

	for _, key := range order {
		dispatches := groups[key]
		var err error
		if len(dispatches) == 1 {
			d := dispatches[0]
			err = e.dispatcher.SetDeviceParameter(d.Track, d.Device, d.Parameter, d.Value)
		} else {
			parameters := make([]int, len(dispatches))
			values := make([]float64, len(dispatches))
			for i, d := range dispatches {
				parameters[i] = d.Parameter
				values[i] = d.Value
			}
			err = e.dispatcher.BatchSetDeviceParameters(key.track, key.device, parameters, values)
		}

		if e.metrics != nil {
			e.metrics.dispatches.Add(float64(len(dispatches)))
			if err != nil {
				e.metrics.dispatchErrors.Inc()
			}
		}
		if err != nil {
			// Fire-and-forget: log at debug and move on, the next frame
			// supersedes this one.
			e.logger.Debug("Dispatch failed", "stream", stream, "error", err)
		}
	}
}

// maybeFlush writes the live-value snapshot to all sinks if the flush
// interval elapsed. Called only from the loop goroutine.
func (e *Engine) maybeFlush() {
	now := timestamp.Now()
	if now-e.lastFlush < flushInterval.Milliseconds() {
		return
	}
	e.lastFlush = now

	snapshot := e.StreamValues()
	for _, sink := range e.sinks {
		if err := sink.WriteSnapshot(snapshot); err != nil {
			e.logger.Debug("Snapshot sink failed", "error", err)
		}
	}
	if e.metrics != nil && len(e.sinks) > 0 {
		e.metrics.snapshotWrites.Inc()
	}
}

// maybeSweep drops smoothing state for targets that no longer have an
// enabled mapping. Called only from the loop goroutine.
func (e *Engine) maybeSweep() {
	now := timestamp.Now()
	if now-e.lastSweep < sweepInterval.Milliseconds() {
		return
	}
	e.lastSweep = now

	valid := make(map[string]struct{})
	for _, m := range e.store.ListMappings() {
		if !m.Enabled {
			continue
		}
		track, device, parameter, ok := m.Target.Indices()
		if !ok {
			continue
		}
		valid[fmt.Sprintf("%s:%d:%d:%d", m.MotionStream, track, device, parameter)] = struct{}{}
	}

	e.smoother.Forget(func(key string) bool {
		_, ok := valid[key]
		return ok
	})
	if e.metrics != nil {
		e.metrics.smoothingKeys.Set(float64(e.smoother.Len()))
	}
}

// StreamValues returns a timestamped copy of the live value cache.
func (e *Engine) StreamValues() Snapshot {
	e.valuesMu.RLock()
	values := make(map[string]float64, len(e.values))
	for stream, value := range e.values {
		values[stream] = value
	}
	e.valuesMu.RUnlock()

	return Snapshot{
		Timestamp: timestamp.Seconds(timestamp.Now()),
		Values:    values,
	}
}
