package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
)

const defaultBatch = 5000

// multipartThreshold is the object size above which uploads go through the
// multipart upload manager.
const multipartThreshold = 16 << 20

// Archiver implements domain.Archiver. It copies arbitration records older
// than a cutoff into JSONL objects and deletes them from the store only
// after the upload succeeded.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  domain.AuditStore
	batch  int
	logger *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. reader may be nil, in which case object
// names are not checked for collisions.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store domain.AuditStore, batch int, logger *slog.Logger) *Archiver {
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Archiver{
		writer: writer,
		reader: reader,
		store:  store,
		batch:  batch,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveArbitrations moves every record decided before the cutoff to
// object storage, one object per batch, and returns the number moved.
func (a *Archiver) ArchiveArbitrations(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		recs, err := a.store.ArbitrationsBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(recs) == 0 {
			return total, nil
		}

		// A full batch may split a timestamp; hold back the records sharing
		// the last timestamp so the delete cutoff is exact.
		cutoff := before
		full := len(recs) == a.batch
		if full {
			last := recs[len(recs)-1].DecisionAt
			n := len(recs)
			for n > 0 && recs[n-1].DecisionAt.Equal(last) {
				n--
			}
			if n == 0 {
				return total, fmt.Errorf("s3blob: archive: more than %d records at %s", a.batch, last.Format(time.RFC3339Nano))
			}
			recs = recs[:n]
			cutoff = last
		}

		buf, err := marshalJSONL(recs)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive marshal: %w", err)
		}
		path, err := a.objectPath(ctx, recs[0].DecisionAt, recs[len(recs)-1].DecisionAt)
		if err != nil {
			return total, err
		}
		if err := a.upload(ctx, path, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive upload: %w", err)
		}

		deleted, err := a.store.DeleteArbitrationsBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive delete: %w", err)
		}
		if deleted != int64(len(recs)) {
			a.logger.WarnContext(ctx, "archive delete count differs from upload",
				slog.String("path", path), slog.Int("uploaded", len(recs)), slog.Int64("deleted", deleted))
		}
		total += int64(len(recs))
		metrics.ArchivedTotal.Add(float64(len(recs)))
		a.logger.InfoContext(ctx, "arbitrations archived", slog.String("path", path), slog.Int("count", len(recs)))

		if !full {
			return total, nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if len(buf) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold/2)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// Run archives records older than retention every interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, retention, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.ArchiveArbitrations(ctx, time.Now().Add(-retention)); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Archiver) objectPath(ctx context.Context, first, last time.Time) (string, error) {
	base := archivePath("arbitrations", first, last)
	if a.reader == nil {
		return base + ".jsonl", nil
	}
	path := base + ".jsonl"
	for i := 1; ; i++ {
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive exists: %w", err)
		}
		if !ok {
			return path, nil
		}
		path = fmt.Sprintf("%s.%d.jsonl", base, i)
	}
}

// archivePath partitions by month of the first record:
//
//	archive/arbitrations/2025-01/20250103T101500Z-20250109T220000Z
func archivePath(kind string, first, last time.Time) string {
	const stamp = "20060102T150405Z"
	first, last = first.UTC(), last.UTC()
	return fmt.Sprintf("archive/%s/%s/%s-%s", kind, first.Format("2006-01"), first.Format(stamp), last.Format(stamp))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
