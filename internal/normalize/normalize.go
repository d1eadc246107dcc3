// Package normalize maps raw API records into the canonical row shape.
//
// Every function here is pure: no I/O, no shared state. Malformed or missing
// source fields degrade to null, never to an error; the only way a record is
// rejected is a missing identifier.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hellstation/mangalake/internal/domain"
)

// languagePreference is the title/tag language fallback order.
var languagePreference = []string{"en", "ru", "ja"}

// Normalize converts one raw record for the given load date. Exactly one of
// the two return values is non-nil: a record without a usable identifier is
// skipped (with a reason), not failed, so one bad record never aborts a
// batch.
func Normalize(raw domain.RawRecord, loadDate string) (*domain.CanonicalRecord, *domain.SkippedRecord) {
	id := extractID(raw)
	if id == "" {
		return nil, &domain.SkippedRecord{Reason: "missing manga_id"}
	}

	return &domain.CanonicalRecord{
		MangaID:     id,
		Title:       extractTitle(raw),
		Status:      extractStatus(raw),
		LastChapter: extractLastChapter(raw),
		Year:        extractYear(raw),
		Tags:        extractTags(raw),
		UpdatedAt:   extractUpdatedAt(raw),
		LoadDate:    loadDate,
	}, nil
}

// attributes returns the nested attributes object, if present.
func attributes(raw domain.RawRecord) map[string]any {
	if attr, ok := raw["attributes"].(map[string]any); ok {
		return attr
	}
	return nil
}

func extractID(raw domain.RawRecord) string {
	for _, key := range []string{"id", "mangaId", "manga_id", "uuid"} {
		switch v := raw[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return formatNumber(v)
		}
	}
	return ""
}

func extractTitle(raw domain.RawRecord) *string {
	if s := titleFrom(raw["title"]); s != nil {
		return s
	}
	if attr := attributes(raw); attr != nil {
		return titleFrom(attr["title"])
	}
	return nil
}

// titleFrom accepts a plain string or a language map.
func titleFrom(v any) *string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return &t
		}
	case map[string]any:
		return pickLanguage(t)
	}
	return nil
}

// pickLanguage chooses en → ru → ja, then the first string value by sorted
// key so the result stays deterministic for identical input.
func pickLanguage(m map[string]any) *string {
	for _, lang := range languagePreference {
		if s, ok := m[lang].(string); ok && s != "" {
			return &s
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return &s
		}
	}
	return nil
}

func extractStatus(raw domain.RawRecord) *string {
	if s, ok := raw["status"].(string); ok && s != "" {
		return &s
	}
	if attr := attributes(raw); attr != nil {
		if s, ok := attr["status"].(string); ok && s != "" {
			return &s
		}
	}
	return nil
}

func extractLastChapter(raw domain.RawRecord) *string {
	attr := attributes(raw)
	for _, key := range []string{"lastChapter", "last_chapter"} {
		if s := stringOrNumber(raw[key]); s != nil {
			return s
		}
		if attr != nil {
			if s := stringOrNumber(attr[key]); s != nil {
				return s
			}
		}
	}
	return nil
}

func stringOrNumber(v any) *string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return &t
		}
	case float64:
		s := formatNumber(t)
		return &s
	}
	return nil
}

func extractYear(raw domain.RawRecord) *int {
	attr := attributes(raw)
	for _, key := range []string{"year", "publishYear"} {
		v, ok := raw[key]
		if !ok && attr != nil {
			v, ok = attr[key]
		}
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			if t == math.Trunc(t) {
				y := int(t)
				return &y
			}
			return nil // fractional year is malformed, coerce to null
		case string:
			if y, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return &y
			}
			return nil // unparseable coerces to null, the row is kept
		}
	}
	return nil
}

// extractTags flattens the tag list to a comma-joined string in source
// element order. Tags commonly live under attributes.tags as
// [{"attributes": {"name": {"en": "..."}}}]; plain {"name": "..."} elements
// are accepted too.
func extractTags(raw domain.RawRecord) *string {
	cand, ok := raw["tags"].([]any)
	if !ok {
		if attr := attributes(raw); attr != nil {
			cand, _ = attr["tags"].([]any)
		}
	}

	var names []string
	for _, t := range cand {
		tag, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := tag["name"].(string); ok && name != "" {
			names = append(names, name)
			continue
		}
		if tagAttr, ok := tag["attributes"].(map[string]any); ok {
			if nm, ok := tagAttr["name"].(map[string]any); ok {
				if s := pickLanguage(nm); s != nil {
					names = append(names, *s)
				}
			}
		}
	}
	if len(names) == 0 {
		return nil
	}
	joined := strings.Join(names, ", ")
	return &joined
}

func extractUpdatedAt(raw domain.RawRecord) *time.Time {
	v, ok := raw["updatedAt"].(string)
	if !ok {
		if attr := attributes(raw); attr != nil {
			v, ok = attr["updatedAt"].(string)
		}
	}
	if !ok || v == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil // invalid timestamp coerces to null
	}
	return &ts
}

// formatNumber renders a JSON number the way the source printed it,
// without a trailing ".0" for integral values.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%v", v)
}
