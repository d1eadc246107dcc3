package landing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/metrics"
)

// maxLineSize bounds a single JSONL line; records larger than this are
// treated as malformed.
const maxLineSize = 4 << 20

// Reader streams raw records back out of landing files.
type Reader struct {
	store  domain.ObjectStore
	logger *slog.Logger
}

// NewReader creates a Reader.
func NewReader(store domain.ObjectStore, logger *slog.Logger) *Reader {
	return &Reader{store: store, logger: logger.With("component", "landing-reader")}
}

// ListPartition lists all landing files currently in a load date's
// partition. Used by standalone transform runs (backfills) that do not have
// the producing run's descriptor list; re-extraction may have left multiple
// runs' files here, and the merge key downstream resolves the duplicates.
func (r *Reader) ListPartition(ctx context.Context, loadDate string) ([]domain.LandingFile, error) {
	keys, err := r.store.List(ctx, PartitionPrefix(loadDate))
	if err != nil {
		return nil, fmt.Errorf("list partition %s: %w", loadDate, err)
	}

	var files []domain.LandingFile
	for i, key := range keys {
		if !strings.HasSuffix(key, ".jsonl") {
			continue
		}
		files = append(files, domain.LandingFile{Key: key, LoadDate: loadDate, Sequence: i})
	}
	return files, nil
}

// ReadRecords streams every record in the given files through fn, in file
// then line order. Unparseable lines are logged and skipped; an error from
// fn aborts the scan.
func (r *Reader) ReadRecords(ctx context.Context, files []domain.LandingFile, fn func(domain.RawRecord) error) error {
	for _, f := range files {
		body, err := r.store.Get(ctx, f.Key)
		if err != nil {
			return fmt.Errorf("read landing file %s: %w", f.Key, err)
		}

		scanner := bufio.NewScanner(bytes.NewReader(body))
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var rec domain.RawRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				metrics.RecordsSkippedTotal.WithLabelValues("transform", "parse").Inc()
				r.logger.Warn("skipping unparseable line",
					"key", f.Key, "line", lineNo, "error", err)
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("scan landing file %s: %w", f.Key, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}
