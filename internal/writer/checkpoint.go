package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

const (
	defaultCheckpointInterval = 5 * time.Minute
	uploadTimeout             = 30 * time.Second
)

// Source is the state store as seen by the checkpoint writer.
type Source interface {
	Symbols(domain models.Domain) []string
	Get(domain models.Domain, symbol string) (models.Update, error)
}

// ObjectPutter is the part of the S3 client the writer uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// checkpointRow is one symbol's derived order book state at checkpoint time.
type checkpointRow struct {
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CheckpointTime int64   `parquet:"name=checkpoint_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ObservedAt     int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Source         string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fallback       bool    `parquet:"name=fallback, type=BOOLEAN"`
	BestAsk        float64 `parquet:"name=best_ask, type=DOUBLE"`
	BestBid        float64 `parquet:"name=best_bid, type=DOUBLE"`
	Spread         float64 `parquet:"name=spread, type=DOUBLE"`
	Imbalance      float64 `parquet:"name=imbalance, type=DOUBLE"`
	MidPrice       float64 `parquet:"name=mid_price, type=DOUBLE"`
	LiquidityDepth float64 `parquet:"name=liquidity_depth, type=DOUBLE"`
	TotalAskSize   float64 `parquet:"name=total_ask_size, type=DOUBLE"`
	TotalBidSize   float64 `parquet:"name=total_bid_size, type=DOUBLE"`
	Levels         int32   `parquet:"name=levels, type=INT32"`
	LastTrade      float64 `parquet:"name=last_trade_price, type=DOUBLE"`
	VWAP           float64 `parquet:"name=vwap, type=DOUBLE"`
}

// CheckpointWriter periodically writes the derived order book metrics of
// every symbol to S3 as one snappy compressed parquet file. It records
// state, not tick history.
type CheckpointWriter struct {
	cfg      appconfig.CheckpointConfig
	src      Source
	putter   ObjectPutter
	bucket   string
	now      func() time.Time
	log      *logger.Log
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	flushMu  sync.Mutex
	interval time.Duration

	rowsWritten  atomic.Int64
	filesWritten atomic.Int64
	bytesWritten atomic.Int64
	errorsCount  atomic.Int64
}

// NewCheckpointWriter returns nil when checkpoints are disabled.
func NewCheckpointWriter(ctx context.Context, cfg appconfig.CheckpointConfig, s3cfg appconfig.S3Config, src Source) (*CheckpointWriter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	bucket, err := normalizeBucketName(s3cfg.Bucket)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s3cfg.AccessKeyID,
				s3cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	w := newCheckpointWriter(cfg, bucket, src, client)
	w.log.WithComponent("checkpoint_writer").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
		"interval":   w.interval.String(),
	}).Info("checkpoint writer initialized")
	return w, nil
}

func newCheckpointWriter(cfg appconfig.CheckpointConfig, bucket string, src Source, putter ObjectPutter) *CheckpointWriter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	return &CheckpointWriter{
		cfg:      cfg,
		src:      src,
		putter:   putter,
		bucket:   bucket,
		now:      time.Now,
		log:      logger.GetLogger(),
		wg:       &sync.WaitGroup{},
		interval: interval,
	}
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

func (w *CheckpointWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("checkpoint writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("checkpoint_writer").WithFields(logger.Fields{
		"interval": w.interval.String(),
	}).Info("starting checkpoint writer")

	w.wg.Add(1)
	go w.flushWorker()
	return nil
}

// Stop ends the ticker loop and writes a final checkpoint.
func (w *CheckpointWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	if _, err := w.Flush(context.Background()); err != nil {
		w.log.WithComponent("checkpoint_writer").WithError(err).Warn("final checkpoint failed")
	}
	metrics.ReportWriter(w.log, "checkpoint_writer", w.Stats())
	w.log.WithComponent("checkpoint_writer").Info("checkpoint writer stopped")
}

func (w *CheckpointWriter) flushWorker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Flush(w.ctx); err != nil {
				w.log.WithComponent("checkpoint_writer").WithError(err).Error("checkpoint failed")
			}
			metrics.ReportWriter(w.log, "checkpoint_writer", w.Stats())
		}
	}
}

// Flush writes one checkpoint file and returns the number of rows in it.
// Nothing is uploaded when no symbol has an order book yet.
func (w *CheckpointWriter) Flush(ctx context.Context) (int, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	at := w.now().UTC()
	rows := w.buildRows(at)
	if len(rows) == 0 {
		return 0, nil
	}

	data, err := createParquet(rows)
	if err != nil {
		w.errorsCount.Add(1)
		return 0, fmt.Errorf("create parquet: %w", err)
	}

	key := w.objectKey(at)
	if err := w.upload(ctx, key, data); err != nil {
		w.errorsCount.Add(1)
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}

	w.rowsWritten.Add(int64(len(rows)))
	w.filesWritten.Add(1)
	w.bytesWritten.Add(int64(len(data)))

	log := w.log.WithComponent("checkpoint_writer").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(rows),
		"bytes":   len(data),
	})
	log.Info("checkpoint uploaded")
	logger.LogDataFlowEntry(log, "store", "s3", len(rows), "orderbook_metrics")
	return len(rows), nil
}

func (w *CheckpointWriter) buildRows(at time.Time) []checkpointRow {
	symbols := w.src.Symbols(models.DomainOrderbook)
	rows := make([]checkpointRow, 0, len(symbols))
	for _, symbol := range symbols {
		u, err := w.src.Get(models.DomainOrderbook, symbol)
		if err != nil || u.Orderbook == nil {
			continue
		}
		row := checkpointRow{
			Symbol:         symbol,
			CheckpointTime: at.UnixMilli(),
			ObservedAt:     u.ObservedAt.UnixMilli(),
			Source:         string(u.Source),
			Fallback:       u.Fallback,
			TotalAskSize:   u.Orderbook.TotalAskSize,
			TotalBidSize:   u.Orderbook.TotalBidSize,
			Levels:         int32(len(u.Orderbook.Units)),
		}
		if m := u.Metrics; m != nil {
			row.BestAsk = m.BestAsk
			row.BestBid = m.BestBid
			row.Spread = m.Spread
			row.Imbalance = m.Imbalance
			row.MidPrice = m.MidPrice
			row.LiquidityDepth = m.LiquidityDepth
		}
		if tu, err := w.src.Get(models.DomainTrade, symbol); err == nil && tu.Trade != nil {
			row.LastTrade = tu.Trade.TradePrice
			row.VWAP = tu.Trade.VWAP
		}
		rows = append(rows, row)
	}
	return rows
}

func createParquet(rows []checkpointRow) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(checkpointRow), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey lays files out as <prefix>/date=YYYY-MM-DD/hour=HH/<name>.parquet.
func (w *CheckpointWriter) objectKey(at time.Time) string {
	prefix := strings.Trim(w.cfg.Prefix, "/")
	name := fmt.Sprintf("orderbook_metrics_%s_%s.parquet", at.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		prefix,
		fmt.Sprintf("date=%04d-%02d-%02d", at.Year(), at.Month(), at.Day()),
		fmt.Sprintf("hour=%02d", at.Hour()),
		name,
	)
}

func (w *CheckpointWriter) upload(ctx context.Context, key string, data []byte) error {
	if w.putter == nil {
		return errors.New("s3 client not configured")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	defer cancel()

	_, err := w.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	return err
}

func (w *CheckpointWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		RowsWritten:  w.rowsWritten.Load(),
		FilesWritten: w.filesWritten.Load(),
		BytesWritten: w.bytesWritten.Load(),
		ErrorsCount:  w.errorsCount.Load(),
	}
}
