// Package service assembles a change reader, the dispatch pipeline and the
// publisher into one running process and bridges committed transactions from
// the reader into the pipeline.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ripel-io/ripel/admin"
	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/checkpoint"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/health"
	"github.com/ripel-io/ripel/pipeline"
	"github.com/ripel-io/ripel/publisher"
	_ "github.com/ripel-io/ripel/publisher/sink"
	_ "github.com/ripel-io/ripel/publisher/transformer"
	"github.com/ripel-io/ripel/resilience"
	"github.com/ripel-io/ripel/storage"
	"github.com/ripel-io/ripel/telemetry"
)

const (
	// SourceBreaker names the breaker guarding replication connects
	SourceBreaker = "source"

	defaultShutdownTimeout = 30 * time.Second
	samplerInterval        = 15 * time.Second
	ledgerPruneInterval    = time.Hour
)

// ErrAlreadyRunning is returned by a second Run
var ErrAlreadyRunning = errors.New("service already running")

// Overrides replaces externally connected components. Nil fields are built
// from configuration.
type Overrides struct {
	Source      cdc.Source
	Sink        publisher.Sink
	Checkpoints checkpoint.Store
}

// Service owns every component of one reader process
type Service struct {
	config *cfg.Configuration

	store       *storage.Store
	sourceDB    *sql.DB
	sink        publisher.Sink
	ledger      publisher.Ledger
	checkpoints checkpoint.Store

	breakers  *resilience.BreakerSet
	spool     *publisher.Spool
	publisher *publisher.Publisher
	drainer   *publisher.Drainer
	pipeline  *pipeline.Pipeline
	reader    *cdc.Reader
	health    *health.Registry
	samplers  []*telemetry.MetricsCollector

	inflight *xsync.MapOf[*event.Event, *batchTracker]

	running   atomic.Bool
	stop      context.CancelFunc
	fatalMu   sync.Mutex
	fatalErr  error
	closeOnce sync.Once
}

// New builds a stopped service from c. Components named in o are used as
// given; the service closes them on Close like the ones it builds.
func New(ctx context.Context, c *cfg.Configuration, o Overrides) (*Service, error) {
	s := &Service{
		config:   c,
		breakers: resilience.NewBreakerSet(breakerConfig(c.Breaker)),
		health:   health.NewRegistry(),
		inflight: xsync.NewMapOf[*event.Event, *batchTracker](),
	}
	if err := s.build(ctx, o); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, o Overrides) error {
	c := s.config
	retry := retryPolicy(c.Retry)

	store, err := storage.Open(filepath.Join(c.DataDir, "state"))
	if err != nil {
		return err
	}
	s.store = store

	s.sink = o.Sink
	if s.sink == nil {
		if s.sink, err = publisher.NewSink(c.Publisher); err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
	}
	transformer, err := publisher.NewTransformer(c.Publisher.Format)
	if err != nil {
		return err
	}
	router, err := publisher.NewRouterFromConfig(c.Publisher)
	if err != nil {
		return err
	}
	if s.ledger, err = publisher.NewLedger(c.Publisher.Ledger, store); err != nil {
		return fmt.Errorf("failed to create delivery ledger: %w", err)
	}
	if s.spool, err = publisher.NewSpool(store); err != nil {
		return err
	}

	s.publisher, err = publisher.New(publisher.Config{
		Sink:                  s.sink,
		Transformer:           transformer,
		Router:                router,
		Partitioner:           publisher.NewPartitioner(s.sink, c.Publisher.DefaultPartitions),
		Ledger:                s.ledger,
		Spool:                 s.spool,
		DeadLetterDestination: c.Publisher.DeadLetterDestination,
		UnroutablePolicy:      c.Publisher.UnroutablePolicy,
		Retry:                 retry,
		Breakers:              s.breakers,
		BatchSize:             c.Publisher.BatchSize,
		BatchLinger:           millis(c.Publisher.BatchLingerMS),
		PublishTimeout:        millis(c.Publisher.PublishTimeoutMS),
	})
	if err != nil {
		return err
	}

	s.drainer, err = publisher.NewDrainer(publisher.DrainerConfig{
		Spool:   s.spool,
		Deliver: s.publisher.ReplayDeadLetter,
	})
	if err != nil {
		return err
	}

	s.pipeline, err = pipeline.New(pipeline.Config{
		QueueCapacity: c.Pipeline.QueueCapacity,
		Workers:       c.Pipeline.Workers,
		Processor: pipeline.Chain(
			pipeline.NewLoggingProcessor(zerolog.DebugLevel),
			pipeline.NewForwardProcessor(s.publisher),
		),
		SubmitTimeout:   millis(c.Pipeline.SubmitTimeoutMS),
		ShutdownTimeout: millis(c.Pipeline.ShutdownTimeoutMS),
		KeyFunc:         pinBy(c.Pipeline.PinBy),
		OnResult:        s.onResult,
	})
	if err != nil {
		return err
	}

	filter, err := cdc.NewFilter(c.Filter)
	if err != nil {
		return err
	}

	if s.checkpoints, err = s.openCheckpoints(ctx, o.Checkpoints); err != nil {
		return err
	}

	rc := cdc.ReaderConfig{
		Source:        o.Source,
		Filter:        filter,
		Checkpoints:   s.checkpoints,
		StartPosition: startPosition(c.Source),
		Retry:         retry,
		Breaker:       s.breakers.Get(SourceBreaker),
		Buffer:        c.Source.HandoffBuffer,
	}
	if rc.Source == nil {
		if err := s.connectSource(ctx, &rc); err != nil {
			return err
		}
	}
	if s.reader, err = cdc.NewReader(rc); err != nil {
		return err
	}

	s.health.Register("reader", health.ReaderChecker(s.reader.State))
	s.health.Register("breakers", health.BreakerChecker(s.breakers))
	s.health.Register("pipeline", health.PipelineChecker(s.pipeline.Saturation))
	s.health.Register("spool", health.SpoolChecker(s.spool.Len))

	s.samplers = append(s.samplers, telemetry.NewMetricsCollector(samplerInterval, s.sampleSpool))
	if pruner, ok := s.ledger.(interface{ Prune() (int, error) }); ok {
		s.samplers = append(s.samplers, telemetry.NewMetricsCollector(ledgerPruneInterval, func() {
			n, err := pruner.Prune()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune delivery ledger")
				return
			}
			if n > 0 {
				log.Debug().Int("removed", n).Msg("Pruned delivery ledger")
			}
		}))
	}
	return nil
}

func (s *Service) openCheckpoints(ctx context.Context, given checkpoint.Store) (checkpoint.Store, error) {
	if given != nil {
		return given, nil
	}
	c := s.config
	switch c.Checkpoint.Store {
	case "mysql":
		store, err := checkpoint.OpenMySQLStore(ctx, c.Checkpoint.DSN, c.Checkpoint.Table, c.ReaderID)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return checkpoint.NewPebbleStore(s.store, c.ReaderID), nil
	}
}

// connectSource opens the metadata connection to the source, runs the
// preflight checks and wires the binlog source into rc.
func (s *Service) connectSource(ctx context.Context, rc *cdc.ReaderConfig) error {
	c := s.config.Source

	db, err := sql.Open("mysql", sourceDSN(c))
	if err != nil {
		return fmt.Errorf("failed to open source connection: %w", err)
	}
	s.sourceDB = db

	preflight := cdc.NewPreflight(db)
	info, err := resilience.Retry(ctx, rc.Retry, func(ctx context.Context, _ int) (cdc.ServerInfo, error) {
		return preflight.Check(ctx)
	})
	if err != nil {
		return fmt.Errorf("source preflight failed: %w", err)
	}
	log.Info().
		Str("version", info.Version).
		Bool("mariadb", info.MariaDB).
		Str("binlog_format", info.BinlogFormat).
		Str("gtid_mode", info.GTIDMode).
		Msg("Source preflight passed")

	schema, err := cdc.NewInformationSchema(db, c.SchemaCacheSize)
	if err != nil {
		return err
	}

	filter := rc.Filter
	rc.Source = cdc.NewBinlogSource(cdc.BinlogConfig{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Flavor:          c.Flavor,
		ServerID:        c.ServerID,
		HeartbeatPeriod: time.Duration(c.HeartbeatSeconds) * time.Second,
		ReadTimeout:     time.Duration(c.ReadTimeoutSeconds) * time.Second,
		Columns:         schema,
		Skip: func(database, table string) bool {
			return !filter.MatchTable(database, table)
		},
	})
	rc.Schema = schema
	rc.ResolveStart = preflight.CurrentPosition
	rc.Verify = preflight.VerifyRetention
	return nil
}

// Run starts every component and streams until ctx ends or a fatal error
// stops the reader. A fatal stop is returned as a *cdc.FatalError carrying
// the last checkpoint; a requested stop returns nil.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stop = cancel

	s.publisher.Start()
	if err := s.pipeline.Start(); err != nil {
		return err
	}
	s.drainer.Start()
	for _, c := range s.samplers {
		c.Start()
	}

	checkpoints, unsubscribe := s.reader.Positions().Subscribe(nil)
	defer unsubscribe()
	go func() {
		for pos := range checkpoints {
			log.Debug().Str("position", pos.String()).Int64("queued", s.pipeline.Stats().Queued).Msg("Checkpoint advanced")
		}
	}()

	readerErr := make(chan error, 1)
	go func() {
		readerErr <- s.reader.Run(ctx)
	}()

	log.Info().
		Str("reader_id", s.config.ReaderID).
		Str("sink", s.sink.Name()).
		Int("workers", s.config.Pipeline.Workers).
		Msg("Service started")

	for batch := range s.reader.Batches() {
		s.dispatch(ctx, batch)
	}

	err := <-readerErr
	s.shutdown()

	if err == nil {
		if ferr := s.fatal(); ferr != nil {
			err = &cdc.FatalError{Err: ferr, LastCheckpoint: s.reader.LastCheckpoint()}
		}
	}
	return err
}

// dispatch submits every event of b and acknowledges b once all of them
// were handled
func (s *Service) dispatch(ctx context.Context, b *cdc.Batch) {
	if len(b.Events) == 0 {
		b.Ack(nil)
		return
	}

	t := newBatchTracker(b)
	for i, ev := range b.Events {
		s.inflight.Store(ev, t)
		if err := s.pipeline.SubmitWait(ctx, ev); err != nil {
			s.inflight.Delete(ev)
			log.Warn().Err(err).Str("tx", b.TxID).Int("unsubmitted", len(b.Events)-i).Msg("Failed to submit transaction")
			t.fail(err, len(b.Events)-i)
			return
		}
	}
}

func (s *Service) onResult(r pipeline.Result) {
	t, ok := s.inflight.LoadAndDelete(r.Event)
	if !ok {
		return
	}

	err := outcome(r.Err)
	if resilience.IsFatal(err) {
		s.raiseFatal(err)
	}
	t.done(err)
}

// outcome maps a processing result to what the reader needs to know. Dead
// lettered and dropped events are accounted for.
func outcome(err error) error {
	if err == nil || publisher.IsDeadLettered(err) || errors.Is(err, publisher.ErrDropped) {
		return nil
	}
	return err
}

func (s *Service) raiseFatal(err error) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	log.Error().Err(err).Msg("Delivery failed fatally, stopping reader")
	s.stop()
}

func (s *Service) fatal() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

func (s *Service) shutdown() {
	timeout := millis(s.config.Pipeline.ShutdownTimeoutMS)
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.pipeline.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Pipeline did not drain cleanly")
	}
	s.inflight.Range(func(ev *event.Event, t *batchTracker) bool {
		s.inflight.Delete(ev)
		t.done(pipeline.ErrStopped)
		return true
	})

	if err := s.publisher.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Publisher did not flush cleanly")
	}
	s.drainer.Stop()
	for _, c := range s.samplers {
		c.Stop()
	}
	log.Info().Str("checkpoint", s.reader.LastCheckpoint().String()).Msg("Service stopped")
}

// Close releases storage and connections. Call it after Run returns.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.ledger != nil {
			errs = append(errs, s.ledger.Close())
		}
		if s.checkpoints != nil {
			errs = append(errs, s.checkpoints.Close())
		}
		if s.sink != nil {
			errs = append(errs, s.sink.Close())
		}
		if s.sourceDB != nil {
			errs = append(errs, s.sourceDB.Close())
		}
		if s.store != nil {
			errs = append(errs, s.store.Close())
		}
	})
	return errors.Join(errs...)
}

func (s *Service) sampleSpool() {
	n, err := s.spool.Len()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to sample spool length")
		return
	}
	telemetry.SpoolEntries.Set(float64(n))
}

// Reader returns the change reader
func (s *Service) Reader() *cdc.Reader { return s.reader }

// Pipeline returns the dispatch pipeline
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Health returns the health registry
func (s *Service) Health() *health.Registry { return s.health }

// Handlers exposes the running components to the admin API
func (s *Service) Handlers(secret string) *admin.Handlers {
	return &admin.Handlers{
		Health:   s.health,
		Reader:   s.reader,
		Pipeline: s.pipeline,
		Breakers: s.breakers,
		Spool:    s.spool,
		Drainer:  s.drainer,
		Secret:   secret,
	}
}

// batchTracker acknowledges a reader batch once every event was handled.
// The first failure is reported.
type batchTracker struct {
	batch     *cdc.Batch
	remaining atomic.Int64

	mu  sync.Mutex
	err error
}

func newBatchTracker(b *cdc.Batch) *batchTracker {
	t := &batchTracker{batch: b}
	t.remaining.Store(int64(len(b.Events)))
	return t
}

func (t *batchTracker) done(err error) {
	t.fail(err, 1)
}

func (t *batchTracker) fail(err error, n int) {
	if err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}
	if t.remaining.Add(-int64(n)) == 0 {
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		t.batch.Ack(err)
	}
}

func pinBy(mode string) pipeline.KeyFunc {
	switch mode {
	case "source":
		return pipeline.KeyBySource
	case "partition_key":
		return pipeline.KeyByPartitionKey
	}
	return nil
}

func startPosition(c cfg.SourceConfiguration) cdc.Position {
	return cdc.Position{File: c.StartFile, Offset: c.StartPosition, GTIDSet: c.StartGTID}
}

func retryPolicy(c cfg.RetryConfiguration) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		BaseDelay:   millis(c.BaseDelayMS),
		MaxDelay:    millis(c.MaxDelayMS),
		MaxAttempts: c.MaxAttempts,
	}
}

func breakerConfig(c cfg.BreakerConfiguration) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		WindowSize:       c.WindowSize,
		MinRequests:      c.MinRequests,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         millis(c.CooldownMS),
		MaxCooldown:      millis(c.MaxCooldownMS),
	}
}

func sourceDSN(c cfg.SourceConfiguration) string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.Timeout = time.Duration(c.ConnectTimeoutSeconds) * time.Second
	mc.ReadTimeout = time.Duration(c.ReadTimeoutSeconds) * time.Second
	return mc.FormatDSN()
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
