package domain

import "time"

// RawRecord is one record exactly as returned by the manga API. No shape is
// guaranteed beyond being a JSON object; every field access downstream must
// tolerate absence. RawRecords exist only in memory during a fetch batch.
type RawRecord map[string]any

// LandingFile identifies one immutable JSONL object in the landing zone.
// Once written, a landing file is never mutated or deleted by the pipeline.
type LandingFile struct {
	Key      string // full object key, e.g. raw/manga/load_date=2024-01-01/manga_ab12cd34_0.jsonl
	LoadDate string // partition date YYYY-MM-DD
	Sequence int    // batch index within the producing run
	Records  int    // records actually serialized into the file
}

// CanonicalRecord is the normalized row shape loaded into the warehouse.
// MangaID and LoadDate are always set; every other field tolerates null
// (empty/zero) on malformed or missing source data.
type CanonicalRecord struct {
	MangaID     string
	Title       *string
	Status      *string
	LastChapter *string
	Year        *int
	Tags        *string    // comma-joined, source element order
	UpdatedAt   *time.Time // null when the source timestamp is absent or unparseable
	LoadDate    string     // the extraction run's partition date, not the source's timestamp
}

// SkippedRecord reports a raw record the normalizer refused, with the reason.
// Skipping is a per-record outcome, never a batch failure.
type SkippedRecord struct {
	Reason string
}

// UpsertResult reports the outcome of one merge into the fact table.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// DailyCount is one row of dm_manga_daily_counts. Status is nil for the
// NULL-status group, which is kept so totals stay reconcilable.
type DailyCount struct {
	LoadDate string
	Status   *string
	Count    int
}

// AvgYear is one row of dm_manga_avg_year. Avg is nil when no row in the
// group carried a usable year.
type AvgYear struct {
	LoadDate string
	Status   *string
	Avg      *float64
}
