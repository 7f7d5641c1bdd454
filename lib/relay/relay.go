// Package relay contains the relay core: the validation pool, the
// single writer, the historical query pool and the live fan-out
// partitions, glued together by bounded queues.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/viper"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
	"github.com/quadstr/quadstr/lib/policy"
)

// Config carries the relay core tunables.
type Config struct {
	IngesterThreads   int
	ReqWorkerThreads  int
	ReqMonitorThreads int

	IngesterQueue  int
	WriterQueue    int
	ReqWorkerQueue int
	MonitorQueue   int

	BatchSize     int
	BatchWindow   time.Duration
	CommitRetries int

	RejectOlderSeconds int64
	RejectNewerSeconds int64
	MaxTagCount        int
	MaxTagValueSize    int

	EphemeralLifetime time.Duration
	EphemeralSweep    time.Duration

	MaxSubsPerConn  int
	TimesliceBudget time.Duration
	MaxFilterLimit  int
}

// ConfigFromViper reads the relay tunables from the loaded config.
func ConfigFromViper() Config {
	return Config{
		IngesterThreads:   viper.GetInt("pools.ingester_threads"),
		ReqWorkerThreads:  viper.GetInt("pools.reqworker_threads"),
		ReqMonitorThreads: viper.GetInt("pools.reqmonitor_threads"),

		IngesterQueue:  viper.GetInt("pools.ingester_queue"),
		WriterQueue:    viper.GetInt("pools.writer_queue"),
		ReqWorkerQueue: viper.GetInt("pools.reqworker_queue"),
		MonitorQueue:   viper.GetInt("pools.monitor_queue"),

		BatchSize:     viper.GetInt("writer.batch_size"),
		BatchWindow:   time.Duration(viper.GetInt("writer.batch_window_ms")) * time.Millisecond,
		CommitRetries: viper.GetInt("writer.commit_retries"),

		RejectOlderSeconds: viper.GetInt64("events.reject_older_seconds"),
		RejectNewerSeconds: viper.GetInt64("events.reject_newer_seconds"),
		MaxTagCount:        viper.GetInt("events.max_tag_count"),
		MaxTagValueSize:    viper.GetInt("events.max_tag_value_size"),

		EphemeralLifetime: time.Duration(viper.GetInt("events.ephemeral_lifetime_seconds")) * time.Second,
		EphemeralSweep:    time.Duration(viper.GetInt("events.ephemeral_sweep_seconds")) * time.Second,

		MaxSubsPerConn:  viper.GetInt("subscriptions.max_per_connection"),
		TimesliceBudget: time.Duration(viper.GetInt("subscriptions.query_timeslice_budget_microseconds")) * time.Microsecond,
		MaxFilterLimit:  viper.GetInt("subscriptions.max_filter_limit"),
	}
}

// ErrTooManySubscriptions reports per-connection cap exhaustion.
// Clients should treat it as rate limiting, not a protocol error.
var ErrTooManySubscriptions = errors.New("too many subscriptions")

// connEntry tracks one connection's subscriptions so the per-connection
// cap and implicit re-REQ replacement can be enforced.
type connEntry struct {
	sender Sender

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Relay owns the pools and routes client traffic between them.
type Relay struct {
	cfg    Config
	events *eventstore.EventStore
	policy policy.WritePolicy

	ingestCh chan ingestJob
	writeCh  chan writeJob
	scanCh   chan *scanJob
	monitors []*monitor

	conns *xsync.MapOf[uint64, *connEntry]

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func New(events *eventstore.EventStore, pol policy.WritePolicy, cfg Config) *Relay {
	if pol == nil {
		pol = policy.AcceptAll{}
	}
	r := &Relay{
		cfg:      cfg,
		events:   events,
		policy:   pol,
		ingestCh: make(chan ingestJob, cfg.IngesterQueue),
		writeCh:  make(chan writeJob, cfg.WriterQueue),
		scanCh:   make(chan *scanJob, cfg.ReqWorkerQueue),
		conns:    xsync.NewMapOf[uint64, *connEntry](),
		shutdown: make(chan struct{}),
	}
	for i := 0; i < cfg.ReqMonitorThreads; i++ {
		r.monitors = append(r.monitors, newMonitor(i, events, cfg.MonitorQueue))
	}
	return r
}

// Start launches every pool goroutine.
func (r *Relay) Start() {
	for i := 0; i < r.cfg.IngesterThreads; i++ {
		r.wg.Add(1)
		go r.runIngester(i)
	}

	r.wg.Add(1)
	go r.runWriter()

	for i := 0; i < r.cfg.ReqWorkerThreads; i++ {
		r.wg.Add(1)
		go r.runReqWorker(i)
	}

	for _, m := range r.monitors {
		r.wg.Add(1)
		go m.run(r.shutdown, r.wg.Done)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.events.Ephemeral.RunSweeper(r.cfg.EphemeralSweep, r.shutdown)
	}()

	r.wg.Add(1)
	go r.sampleQueueDepths()

	logging.Infof("relay started: %d ingesters, 1 writer, %d reqworkers, %d monitors",
		r.cfg.IngesterThreads, r.cfg.ReqWorkerThreads, r.cfg.ReqMonitorThreads)
}

// Stop shuts every pool down and waits for them to drain.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.shutdown) })
	r.wg.Wait()
}

// Done is closed when the relay is shutting down, whether by Stop or by
// a fatal writer error.
func (r *Relay) Done() <-chan struct{} {
	return r.shutdown
}

// Err reports the fatal error that stopped the relay, if any.
func (r *Relay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Relay) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.stopOnce.Do(func() { close(r.shutdown) })
}

// Register adds a connection. Every Sender must be registered before
// any of its traffic is submitted.
func (r *Relay) Register(conn Sender) {
	r.conns.Store(conn.ConnID(), &connEntry{
		sender: conn,
		subs:   make(map[string]*Subscription),
	})
	metrics.ActiveConnections.Inc()
}

// Unregister tears a connection down: every subscription is cancelled
// and removed from its monitor partition.
func (r *Relay) Unregister(connID uint64) {
	entry, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	metrics.ActiveConnections.Dec()

	entry.mu.Lock()
	for _, sub := range entry.subs {
		sub.Cancel()
	}
	entry.subs = make(map[string]*Subscription)
	entry.mu.Unlock()

	select {
	case r.monitorFor(connID).commandCh <- monitorCommand{removeConn: connID}:
	case <-r.shutdown:
	}
}

// SubmitEvent queues one EVENT for validation. Blocks when the ingest
// queue is full, which in turn pauses the caller's socket reads.
func (r *Relay) SubmitEvent(conn Sender, ev *nostr.Event, sourceIP string) {
	select {
	case r.ingestCh <- ingestJob{conn: conn, event: ev, sourceIP: sourceIP}:
	case <-r.shutdown:
	}
}

// OpenSubscription validates and starts one REQ. A re-used subID
// implicitly closes its predecessor. Exceeding the per-connection cap
// is an error the transport reports as a NOTICE.
func (r *Relay) OpenSubscription(conn Sender, subID string, filters nostr.Filters) error {
	if err := ValidateSubID(subID); err != nil {
		return err
	}

	entry, ok := r.conns.Load(conn.ConnID())
	if !ok {
		return fmt.Errorf("connection not registered")
	}

	sub := NewSubscription(conn.ConnID(), subID, filters)

	entry.mu.Lock()
	if prev, ok := entry.subs[subID]; ok {
		prev.Cancel()
		delete(entry.subs, subID)
		r.dropFromMonitor(conn.ConnID(), subID)
	}
	if len(entry.subs) >= r.cfg.MaxSubsPerConn {
		entry.mu.Unlock()
		return fmt.Errorf("%w (max %d)", ErrTooManySubscriptions, r.cfg.MaxSubsPerConn)
	}
	entry.subs[subID] = sub
	entry.mu.Unlock()

	job := &scanJob{
		sub:  sub,
		conn: conn,
		scan: eventstore.NewScan(r.events, filters, r.cfg.MaxFilterLimit),
	}
	select {
	case r.scanCh <- job:
	case <-r.shutdown:
	}
	return nil
}

// CloseSubscription handles CLOSE and internal teardown.
func (r *Relay) CloseSubscription(connID uint64, subID string) {
	entry, ok := r.conns.Load(connID)
	if !ok {
		return
	}
	entry.mu.Lock()
	if sub, ok := entry.subs[subID]; ok {
		sub.Cancel()
		delete(entry.subs, subID)
	}
	entry.mu.Unlock()

	r.dropFromMonitor(connID, subID)
}

func (r *Relay) dropFromMonitor(connID uint64, subID string) {
	select {
	case r.monitorFor(connID).commandCh <- monitorCommand{removeSub: &subRef{connID: connID, subID: subID}}:
	case <-r.shutdown:
	}
}

// monitorFor maps a connection to its fan-out partition.
func (r *Relay) monitorFor(connID uint64) *monitor {
	return r.monitors[connID%uint64(len(r.monitors))]
}

// recordQueueDepths publishes the current depth of every bounded
// inter-pool queue.
func (r *Relay) recordQueueDepths() {
	metrics.QueueDepth.WithLabelValues("ingest").Set(float64(len(r.ingestCh)))
	metrics.QueueDepth.WithLabelValues("write").Set(float64(len(r.writeCh)))
	metrics.QueueDepth.WithLabelValues("scan").Set(float64(len(r.scanCh)))

	depth := 0
	for _, m := range r.monitors {
		depth += len(m.eventCh)
	}
	metrics.QueueDepth.WithLabelValues("monitor").Set(float64(depth))
}

func (r *Relay) sampleQueueDepths() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.recordQueueDepths()
		case <-r.shutdown:
			return
		}
	}
}
