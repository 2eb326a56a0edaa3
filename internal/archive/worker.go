package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/socketcore/internal/types"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 1000
)

var archivedMessages = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "socketcore",
	Subsystem: "archive",
	Name:      "messages_total",
	Help:      "Journaled messages uploaded to object storage.",
})

func init() {
	prometheus.MustRegister(archivedMessages)
}

// Source is the journal view the worker reads from.
type Source interface {
	LastArchived(ctx context.Context) (int64, error)
	Since(ctx context.Context, after int64, limit int) ([]types.MessageRecord, error)
	RecordArchive(ctx context.Context, lastSeq int64, objectPath string) error
}

// Uploader stores one archive object.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// MinioUploader writes objects into a bucket.
type MinioUploader struct {
	Client *minio.Client
	Bucket string
}

// Upload implements Uploader.
func (u MinioUploader) Upload(ctx context.Context, path string, data []byte) error {
	_, err := u.Client.PutObject(ctx, u.Bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	return err
}

// Worker periodically moves journaled messages into object storage as
// JSON-lines batches and checkpoints the last archived sequence number.
type Worker struct {
	source   Source
	uploader Uploader

	interval  time.Duration
	batchSize int

	logger zerolog.Logger
}

// NewWorker constructs an archive worker. Non-positive interval or batch
// values select the defaults.
func NewWorker(source Source, uploader Uploader, interval time.Duration, batchSize int, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		source:    source,
		uploader:  uploader,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start begins the periodic archive loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("archive run failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce archives batches until the journal is drained and returns how many
// messages were uploaded.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.archiveBatch(ctx)
		total += n
		if err != nil || n < w.batchSize {
			return total, err
		}
	}
}

func (w *Worker) archiveBatch(ctx context.Context) (int, error) {
	last, err := w.source.LastArchived(ctx)
	if err != nil {
		return 0, fmt.Errorf("lookup archive checkpoint: %w", err)
	}

	records, err := w.source.Since(ctx, last, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read journal: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	data, err := encodeBatch(records)
	if err != nil {
		return 0, err
	}

	first, lastSeq := records[0].Seq, records[len(records)-1].Seq
	path := objectPath(first, lastSeq)
	if err := w.uploader.Upload(ctx, path, data); err != nil {
		return 0, fmt.Errorf("upload archive: %w", err)
	}
	if err := w.source.RecordArchive(ctx, lastSeq, path); err != nil {
		return 0, fmt.Errorf("persist archive checkpoint: %w", err)
	}

	archivedMessages.Add(float64(len(records)))
	w.logger.Info().Int64("first_seq", first).Int64("last_seq", lastSeq).Str("path", path).Msg("archive uploaded")
	return len(records), nil
}

func encodeBatch(records []types.MessageRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := rec.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode record %d: %w", rec.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func objectPath(first, last int64) string {
	return fmt.Sprintf("archive/%020d-%020d.jsonl", first, last)
}
