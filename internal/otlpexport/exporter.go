package otlpexport

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ceymail/ceymail-mc/internal/model"
)

const (
	// DefaultFlushQueueSize is the number of batches that can be queued
	// for async export.
	DefaultFlushQueueSize = 64

	exportTimeout = 10 * time.Second
)

// Config holds tunable parameters for the exporter.
type Config struct {
	Endpoint      string
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Exporter batches mail-log entries and ships them to an OTLP gRPC
// collector. Add() never blocks on the network; when the collector
// falls behind, whole batches are dropped and counted rather than
// stalling the monitoring pipeline.
type Exporter struct {
	client   collogspb.LogsServiceClient
	conn     *grpc.ClientConn
	hostname string

	mu        sync.Mutex
	pending   []model.LogEntry
	flushChan chan []model.LogEntry
	maxBatch  int
	interval  time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
	tickWg    sync.WaitGroup // separate WaitGroup for tickLoop
	stopOnce  sync.Once

	dropCount   atomic.Int64
	lastDropLog atomic.Int64 // unix timestamp of last drop log
}

// NewExporter connects to the collector at cfg.Endpoint. The channel is
// plaintext; the expected deployment is a collector on loopback or a
// private network.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otlpexport: endpoint is required")
	}
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	e := newExporter(collogspb.NewLogsServiceClient(conn), cfg)
	e.conn = conn
	return e, nil
}

func newExporter(client collogspb.LogsServiceClient, cfg Config) *Exporter {
	batchSize := 512
	if cfg.BatchSize > 0 {
		batchSize = cfg.BatchSize
	}
	interval := 5 * time.Second
	if cfg.FlushInterval > 0 {
		interval = cfg.FlushInterval
	}
	queueSize := DefaultFlushQueueSize
	if cfg.QueueSize > 0 {
		queueSize = cfg.QueueSize
	}
	hostname, _ := os.Hostname()

	e := &Exporter{
		client:    client,
		hostname:  hostname,
		pending:   make([]model.LogEntry, 0, batchSize),
		flushChan: make(chan []model.LogEntry, queueSize),
		maxBatch:  batchSize,
		interval:  interval,
		done:      make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushWorker()

	e.wg.Add(1)
	e.tickWg.Add(1)
	go e.tickLoop()

	return e
}

// Add queues one entry for export. This never blocks on the network.
func (e *Exporter) Add(entry model.LogEntry) {
	e.mu.Lock()
	e.pending = append(e.pending, entry)
	shouldFlush := len(e.pending) >= e.maxBatch
	var batch []model.LogEntry
	if shouldFlush {
		batch = e.pending
		e.pending = make([]model.LogEntry, 0, e.maxBatch)
	}
	e.mu.Unlock()

	if shouldFlush {
		e.enqueue(batch)
	}
}

// Dropped returns the number of entries discarded because the export
// queue was full.
func (e *Exporter) Dropped() int64 {
	return e.dropCount.Load()
}

// Stop drains the pending buffer, waits for queued exports, and closes
// the connection. Safe to call more than once.
func (e *Exporter) Stop() {
	e.stopOnce.Do(e.stop)
}

func (e *Exporter) stop() {
	close(e.done)
	// Wait for tickLoop's final drain before closing flushChan so no
	// pending entries are left behind.
	e.tickWg.Wait()
	close(e.flushChan)
	e.wg.Wait()
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			log.Printf("otlpexport: close connection: %v", err)
		}
	}
}

// tickLoop periodically drains the pending buffer.
func (e *Exporter) tickLoop() {
	defer e.wg.Done()
	defer e.tickWg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.drainPending()
		case <-e.done:
			e.drainPending() // final drain
			return
		}
	}
}

func (e *Exporter) drainPending() {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.pending
	e.pending = make([]model.LogEntry, 0, e.maxBatch)
	e.mu.Unlock()

	e.enqueue(batch)
}

// enqueue hands a batch to the flush worker. A full queue means the
// collector is falling behind; the batch is dropped so the monitoring
// pipeline never stalls on export.
func (e *Exporter) enqueue(batch []model.LogEntry) {
	select {
	case e.flushChan <- batch:
	default:
		e.logDrop(len(batch))
	}
}

// logDrop counts discarded entries and warns at most once per 10
// seconds.
func (e *Exporter) logDrop(n int) {
	count := e.dropCount.Add(int64(n))
	now := time.Now().Unix()
	last := e.lastDropLog.Load()
	if now-last >= 10 && e.lastDropLog.CompareAndSwap(last, now) {
		log.Printf("otlpexport: %d records dropped so far (export queue full, collector falling behind)", count)
	}
}

// flushWorker exports batches from the flush channel.
func (e *Exporter) flushWorker() {
	defer e.wg.Done()
	for batch := range e.flushChan {
		if err := e.flushBatch(batch); err != nil {
			log.Printf("otlpexport: export error: %v", err)
		}
	}
}

func (e *Exporter) flushBatch(batch []model.LogEntry) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	_, err := e.client.Export(ctx, buildRequest(batch, e.hostname))
	return err
}
