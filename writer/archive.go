// Package writer persists raw source payloads to S3 as snappy-compressed
// parquet files, partitioned by source and capture date.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "silverflow/config"
	"silverflow/logger"
	"silverflow/models"
)

const defaultArchiveFlush = time.Minute

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// archiveRecord defines the schema for raw payloads stored in parquet.
type archiveRecord struct {
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Indicator string  `parquet:"name=indicator, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Payload   string  `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type archiveBatch struct {
	Source      string
	Entries     []models.RawRecordMessage
	Timestamp   time.Time
	RecordCount int
}

// ArchiveWriter buffers raw records per source and periodically writes them
// to S3.
type ArchiveWriter struct {
	cfg           *appconfig.Config
	rawChan       <-chan models.RawRecordMessage
	s3Client      *s3.Client
	log           *logger.Log
	bucket        string
	ctx           context.Context
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
	running       bool
	mu            sync.Mutex
	buffer        map[string][]models.RawRecordMessage
	lastFlush     map[string]time.Time
	flushInterval time.Duration
	flushTicker   *time.Ticker
	maxBufferSize int
}

// NewArchiveWriter initializes the writer using S3 credentials from config
// and prepares buffering structures.
func NewArchiveWriter(cfg *appconfig.Config, rawChan <-chan models.RawRecordMessage) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	if !cfg.Archive.S3.Enabled {
		return nil, fmt.Errorf("s3 archive is disabled")
	}

	bucket := strings.TrimSpace(cfg.Archive.S3.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Archive.S3.Region)}
	if cfg.Archive.S3.AccessKeyID != "" && cfg.Archive.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Archive.S3.AccessKeyID,
				cfg.Archive.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Archive.S3.PathStyle
	})

	interval := cfg.Archive.FlushInterval
	if interval <= 0 {
		interval = defaultArchiveFlush
	}

	w := &ArchiveWriter{
		cfg:           cfg,
		rawChan:       rawChan,
		s3Client:      s3Client,
		log:           log,
		bucket:        bucket,
		wg:            &sync.WaitGroup{},
		buffer:        make(map[string][]models.RawRecordMessage),
		lastFlush:     make(map[string]time.Time),
		flushInterval: interval,
	}

	if cfg.Archive.MaxBufferSize > 0 {
		w.maxBufferSize = cfg.Archive.MaxBufferSize
	} else {
		w.maxBufferSize = 100
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Archive.S3.Region,
		"endpoint":   cfg.Archive.S3.Endpoint,
		"path_style": cfg.Archive.S3.PathStyle,
	}).Info("archive writer initialized")

	return w, nil
}

// Start launches the ingestion and flush workers.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.buffer = make(map[string][]models.RawRecordMessage)
	w.lastFlush = make(map[string]time.Time)
	tickerInterval := w.flushInterval
	if tickerInterval > time.Second {
		tickerInterval = time.Second
	}
	w.flushTicker = time.NewTicker(tickerInterval)
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flush_interval": w.flushInterval.String(),
		"max_buffer":     w.maxBufferSize,
	}).Info("starting archive writer")

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushWorker(w.flushTicker)

	return nil
}

// Stop signals the workers to terminate and flushes remaining data.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	ticker := w.flushTicker
	w.cancel = nil
	w.flushTicker = nil
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}

	w.wg.Wait()
	w.flushAll("stop")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-w.rawChan:
			if !ok {
				return
			}
			w.addRecord(msg)
		}
	}
}

func (w *ArchiveWriter) flushWorker(ticker *time.Ticker) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.flushAll("context_cancelled")
			return
		case <-ticker.C:
			w.flushTimedOut()
		}
	}
}

func (w *ArchiveWriter) addRecord(msg models.RawRecordMessage) {
	if msg.Source == "" {
		return
	}
	key := strings.ToLower(strings.TrimSpace(msg.Source))
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], msg)
	if _, ok := w.lastFlush[key]; !ok {
		w.lastFlush[key] = time.Now()
	}
	shouldFlush := w.maxBufferSize > 0 && len(w.buffer[key]) >= w.maxBufferSize
	w.mu.Unlock()

	if shouldFlush {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushTimedOut() {
	now := time.Now()
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key := range w.buffer {
		if len(w.buffer[key]) == 0 {
			continue
		}
		if now.Sub(w.lastFlush[key]) >= w.flushInterval {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushAll(reason string) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key := range w.buffer {
		if len(w.buffer[key]) > 0 {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(keys),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushKey(key string) {
	w.mu.Lock()
	entries := w.buffer[key]
	if len(entries) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, key)
	delete(w.lastFlush, key)
	w.mu.Unlock()

	var batchTimestamp time.Time
	for _, entry := range entries {
		if entry.Timestamp.After(batchTimestamp) {
			batchTimestamp = entry.Timestamp
		}
	}
	if batchTimestamp.IsZero() {
		batchTimestamp = time.Now().UTC()
	}

	w.writeBatch(archiveBatch{
		Source:      key,
		Entries:     entries,
		Timestamp:   batchTimestamp,
		RecordCount: len(entries),
	})
}

func (w *ArchiveWriter) writeBatch(batch archiveBatch) {
	data, size, err := w.createParquet(batch)
	if err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Error("failed to create parquet for record batch")
		return
	}

	key := w.generateS3Key(batch)
	if err := w.upload(key, data); err != nil {
		w.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{
			"s3_key": key,
		}).Error("failed to upload record batch")
		return
	}

	logger.IncrementArchiveWrite(size)
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"s3_key":  key,
		"records": batch.RecordCount,
		"bytes":   size,
	}).Info("record batch uploaded")
}

func (w *ArchiveWriter) createParquet(batch archiveBatch) ([]byte, int64, error) {
	mf := newArchiveMemFile()
	pw, err := pqwriter.NewParquetWriter(mf, new(archiveRecord), 1)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range batch.Entries {
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = batch.Timestamp
		}
		rec := archiveRecord{
			Source:    strings.ToLower(entry.Source),
			Indicator: entry.Indicator,
			Timestamp: ts.UTC().UnixMilli(),
			Price:     entry.Price,
			Payload:   string(entry.Data),
		}
		if err := pw.Write(rec); err != nil {
			return nil, 0, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}

	data := mf.Bytes()
	return data, int64(len(data)), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

func (w *ArchiveWriter) generateS3Key(batch archiveBatch) string {
	timestamp := batch.Timestamp.UTC()

	var parts []string
	if prefix := strings.Trim(w.cfg.Archive.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		fmt.Sprintf("source=%s", batch.Source),
		fmt.Sprintf("date=%04d-%02d-%02d", timestamp.Year(), timestamp.Month(), timestamp.Day()),
	)

	filename := fmt.Sprintf("%s_records_%s.parquet", batch.Source, timestamp.Format("20060102150405"))
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
