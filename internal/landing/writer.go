// Package landing writes and reads the append-only JSONL landing zone.
package landing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/metrics"
)

const landingContentType = "application/jsonl"

// RecordSource is the lazy record sequence the writer drains. Satisfied by
// *fetch.RecordStream.
type RecordSource interface {
	Next(ctx context.Context) (rec domain.RawRecord, ok bool, err error)
}

// PartitionPrefix returns the object-key prefix for one load date.
func PartitionPrefix(loadDate string) string {
	return fmt.Sprintf("raw/manga/load_date=%s/", loadDate)
}

// Writer batches a record stream into immutable JSONL landing files.
type Writer struct {
	store     domain.ObjectStore
	batchSize int
	logger    *slog.Logger
}

// NewWriter creates a Writer. batchSize bounds peak memory independent of
// the (unknown) total record count.
func NewWriter(store domain.ObjectStore, batchSize int, logger *slog.Logger) *Writer {
	return &Writer{
		store:     store,
		batchSize: batchSize,
		logger:    logger.With("component", "landing-writer"),
	}
}

// WriteBatches drains src into batches of batchSize and writes each batch as
// one landing file under the load date's partition. Object keys embed a
// per-call run identifier, so re-running a date never overwrites earlier
// files. Sequence numbers increase monotonically within the call.
//
// The upload of batch N overlaps the fetch of batch N+1. On a terminal
// stream error, already-flushed batches stay in place and are returned
// alongside the error; the partial in-memory batch is discarded.
//
// The returned slice — not a storage listing — is the authoritative input
// set for the transform stage, so concurrent or earlier runs in the same
// partition cannot leak into this run.
func (w *Writer) WriteBatches(ctx context.Context, src RecordSource, loadDate string) ([]domain.LandingFile, error) {
	runID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	prefix := PartitionPrefix(loadDate)

	type batch struct {
		seq     int
		records []domain.RawRecord
	}

	// Buffer of one: fetch runs at most one batch ahead of the upload.
	batches := make(chan batch, 1)
	var files []domain.LandingFile
	var streamErr error

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		seq := 0
		cur := make([]domain.RawRecord, 0, w.batchSize)
		flush := func() error {
			if len(cur) == 0 {
				return nil
			}
			select {
			case batches <- batch{seq: seq, records: cur}:
			case <-gctx.Done():
				return gctx.Err()
			}
			seq++
			cur = make([]domain.RawRecord, 0, w.batchSize)
			return nil
		}
		for {
			rec, ok, err := src.Next(gctx)
			if err != nil {
				streamErr = err
				return nil
			}
			if !ok {
				return flush()
			}
			cur = append(cur, rec)
			if len(cur) == w.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for b := range batches {
			file, err := w.writeFile(gctx, prefix, runID, b.seq, loadDate, b.records)
			if err != nil {
				return err
			}
			files = append(files, file)
			metrics.LandingFilesWrittenTotal.Inc()
			w.logger.Info("landing file written",
				"key", file.Key, "records", file.Records, "load_date", loadDate)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return files, err
	}
	if streamErr != nil {
		return files, streamErr
	}
	return files, nil
}

// writeFile serializes one batch to JSONL and uploads it. A record that
// fails to serialize is logged and skipped; one bad record must not lose
// the batch.
func (w *Writer) writeFile(ctx context.Context, prefix, runID string, seq int,
	loadDate string, records []domain.RawRecord) (domain.LandingFile, error) {

	var buf bytes.Buffer
	written := 0
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			metrics.RecordsSkippedTotal.WithLabelValues("extract", "serialize").Inc()
			w.logger.Warn("skipping non-serializable record", "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		written++
	}

	key := fmt.Sprintf("%smanga_%s_%d.jsonl", prefix, runID, seq)
	if err := w.store.Put(ctx, key, buf.Bytes(), landingContentType); err != nil {
		return domain.LandingFile{}, fmt.Errorf("write landing file %s: %w", key, err)
	}

	return domain.LandingFile{
		Key:      key,
		LoadDate: loadDate,
		Sequence: seq,
		Records:  written,
	}, nil
}
