package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	kafka "github.com/segmentio/kafka-go"

	appconfig "marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageWriter is the part of kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter republishes accepted updates to a Kafka topic keyed by
// "<domain>:<symbol>", so one partition sees one pair in order. Publish
// never blocks; updates are dropped when the queue is full.
type KafkaExporter struct {
	cfg     appconfig.KafkaConfig
	writer  MessageWriter
	queue   chan models.Update
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	rowsWritten  atomic.Int64
	filesWritten atomic.Int64
	bytesWritten atomic.Int64
	errorsCount  atomic.Int64
}

// NewKafkaExporter returns nil when the export is disabled.
func NewKafkaExporter(cfg appconfig.KafkaConfig) (*KafkaExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	e := newKafkaExporter(cfg, w)
	e.log.WithComponent("kafka_exporter").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka exporter initialized")
	return e, nil
}

func newKafkaExporter(cfg appconfig.KafkaConfig, w MessageWriter) *KafkaExporter {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &KafkaExporter{
		cfg:    cfg,
		writer: w,
		queue:  make(chan models.Update, buffer),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (e *KafkaExporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("kafka exporter already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.log.WithComponent("kafka_exporter").Info("starting kafka exporter")

	e.wg.Add(1)
	go e.run()
	return nil
}

// Publish queues u for export. It reports false when the exporter is not
// running or its queue is full.
func (e *KafkaExporter) Publish(u models.Update) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return false
	}
	select {
	case e.queue <- u:
		return true
	default:
		metrics.EmitDropMetric(e.log, metrics.DropMetricExport, u.Domain.String(), u.Symbol, "kafka_export")
		return false
	}
}

func (e *KafkaExporter) run() {
	defer e.wg.Done()

	batch := make([]kafka.Message, 0, e.cfg.BatchSize)
	for {
		select {
		case <-e.ctx.Done():
			e.drain(batch)
			return
		case u := <-e.queue:
			batch = e.appendUpdate(batch, u)
		fill:
			for len(batch) < e.cfg.BatchSize {
				select {
				case u := <-e.queue:
					batch = e.appendUpdate(batch, u)
				default:
					break fill
				}
			}
			e.write(e.ctx, batch)
			batch = batch[:0]
		}
	}
}

// drain writes whatever is still queued once the exporter is stopped.
func (e *KafkaExporter) drain(batch []kafka.Message) {
	for {
		select {
		case u := <-e.queue:
			batch = e.appendUpdate(batch, u)
		default:
			if len(batch) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
				e.write(ctx, batch)
				cancel()
			}
			return
		}
	}
}

func (e *KafkaExporter) appendUpdate(batch []kafka.Message, u models.Update) []kafka.Message {
	data, err := json.Marshal(u)
	if err != nil {
		e.errorsCount.Add(1)
		e.log.WithComponent("kafka_exporter").WithError(err).Warn("failed to marshal update")
		return batch
	}
	return append(batch, kafka.Message{
		Key:   []byte(u.Domain.String() + ":" + u.Symbol),
		Value: data,
		Time:  u.ObservedAt,
	})
}

func (e *KafkaExporter) write(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	if err := e.writer.WriteMessages(ctx, batch...); err != nil {
		e.errorsCount.Add(1)
		e.log.WithComponent("kafka_exporter").WithError(err).WithFields(logger.Fields{
			"records": len(batch),
		}).Warn("failed to write batch")
		return
	}
	var size int
	for _, m := range batch {
		size += len(m.Value)
	}
	e.rowsWritten.Add(int64(len(batch)))
	e.filesWritten.Add(1)
	e.bytesWritten.Add(int64(size))
	logger.LogDataFlowEntry(e.log.WithComponent("kafka_exporter"), "store", "kafka", len(batch), "update")
}

// Stop flushes queued updates and closes the Kafka writer.
func (e *KafkaExporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	if err := e.writer.Close(); err != nil {
		e.log.WithComponent("kafka_exporter").WithError(err).Warn("failed to close kafka writer")
	}
	metrics.ReportWriter(e.log, "kafka_exporter", e.Stats())
	e.log.WithComponent("kafka_exporter").Info("kafka exporter stopped")
}

func (e *KafkaExporter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		RowsWritten:  e.rowsWritten.Load(),
		FilesWritten: e.filesWritten.Load(),
		BytesWritten: e.bytesWritten.Load(),
		ErrorsCount:  e.errorsCount.Load(),
	}
}
