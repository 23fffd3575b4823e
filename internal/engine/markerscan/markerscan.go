// Package markerscan implements the structured-binary extraction
// strategy for formats whose fields sit at fixed byte offsets relative
// to located markers, with several observed marker variants per logical
// field. A base marker delimits record regions; within each region the
// variants are tried in priority order and the first hit wins.
package markerscan

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"navex/internal/progress"
	"navex/internal/record"
)

// Kind names the logical field a marker table locates.
type Kind string

const (
	KindLatitude  Kind = "latitude"
	KindLongitude Kind = "longitude"
	// KindTimestampMilli is a Unix-millisecond timestamp stored as an
	// ASCII digit run.
	KindTimestampMilli Kind = "timestamp_milli"
)

// Field is one logical field and its marker variants, in priority
// order. The value is read as an ASCII numeric substring starting
// Offset bytes after the located marker.
type Field struct {
	Name        string
	Kind        Kind
	Markers     [][]byte
	MaxDistance int
	Offset      int
	Length      int
}

// Config is the decoder-declared marker table.
type Config struct {
	BaseMarker []byte
	Fields     []Field
	// MinSeparation suppresses a variant occurrence that follows another
	// occurrence of the same variant too closely; repeated markers that
	// near each other belong to a mangled region.
	MinSeparation int
	// Plausibility window for accepted timestamps; zero values default
	// to [2010, 2060).
	MinYear int
	MaxYear int
	// Chronological enables a stable post-sort by timestamp.
	Chronological bool
}

type fieldIndex struct {
	field     Field
	positions [][]int // per variant, sorted occurrence offsets
}

// Engine holds only the compiled table; per-call state lives on the
// Extract stack.
type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if len(cfg.BaseMarker) == 0 {
		return nil, fmt.Errorf("markerscan: base marker is required")
	}
	var haveLat, haveLon bool
	for _, f := range cfg.Fields {
		if len(f.Markers) == 0 {
			return nil, fmt.Errorf("markerscan: field %q has no marker variants", f.Name)
		}
		if f.Length <= 0 {
			return nil, fmt.Errorf("markerscan: field %q has no length", f.Name)
		}
		switch f.Kind {
		case KindLatitude:
			haveLat = true
		case KindLongitude:
			haveLon = true
		case KindTimestampMilli:
		default:
			return nil, fmt.Errorf("markerscan: field %q has unknown kind %q", f.Name, f.Kind)
		}
	}
	if !haveLat || !haveLon {
		return nil, fmt.Errorf("markerscan: table must declare latitude and longitude fields")
	}
	if cfg.MinYear == 0 {
		cfg.MinYear = 2010
	}
	if cfg.MaxYear == 0 {
		cfg.MaxYear = 2060
	}
	return &Engine{cfg: cfg}, nil
}

// Extract scans src, emitting records in base-marker scan order.
func (e *Engine) Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome {
	g := progress.NewGuard(sink)
	g.Report("locating record regions", 0)

	bases := findAll(src, e.cfg.BaseMarker)
	if len(bases) == 0 {
		return record.Fail(nil, nil,
			record.Errorf(record.CodeFormatMismatch, "base marker not present in %d-byte buffer", len(src)))
	}
	g.Report(fmt.Sprintf("found %d regions", len(bases)), 5)

	// Variant occurrences are located once; per-region lookup is then a
	// distance check against the sorted lists.
	index := make([]fieldIndex, len(e.cfg.Fields))
	for i, f := range e.cfg.Fields {
		fi := fieldIndex{field: f, positions: make([][]int, len(f.Markers))}
		for v, marker := range f.Markers {
			fi.positions[v] = findAll(src, marker)
		}
		index[i] = fi
	}

	var (
		recs  []record.GeoRecord
		diags []record.Diagnostic
	)
	for i, base := range bases {
		select {
		case <-ctx.Done():
			return record.Cancel(recs, diags,
				fmt.Sprintf("stopped at region %d/%d", i, len(bases)))
		default:
		}

		rec, drop := e.region(src, base, index)
		if drop != nil {
			diags = append(diags, *drop)
		} else if rec != nil {
			recs = append(recs, *rec)
		}
		g.Report(fmt.Sprintf("region %d/%d", i+1, len(bases)), 5+94*(i+1)/len(bases))
	}

	if e.cfg.Chronological {
		sort.SliceStable(recs, func(a, b int) bool {
			return recs[a].Timestamp.Before(recs[b].Timestamp)
		})
	}
	g.Done("scan complete")
	return record.Complete(recs, diags)
}

// region assembles one record from the markers near a base occurrence.
// An invalid coordinate discards the whole record; any other invalid
// field is dropped alone and the record still emitted.
func (e *Engine) region(src []byte, base int, index []fieldIndex) (*record.GeoRecord, *record.Diagnostic) {
	rec := record.GeoRecord{Latitude: 0, Longitude: 0}
	rec.SetAttr("offset", record.Int(int64(base)))
	var haveLat, haveLon bool

	for _, fi := range index {
		raw, found := e.locate(src, base, fi)
		if !found {
			continue
		}
		switch fi.field.Kind {
		case KindLatitude, KindLongitude:
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				d := record.Warningf(record.CodeCorruption,
					"region at offset %d: %s value %q is not numeric", base, fi.field.Name, raw)
				return nil, &d
			}
			if fi.field.Kind == KindLatitude {
				if v < -90 || v > 90 {
					d := record.Warningf(record.CodeCorruption,
						"region at offset %d: latitude %g out of range", base, v)
					return nil, &d
				}
				rec.Latitude, haveLat = v, true
			} else {
				if v < -180 || v > 180 {
					d := record.Warningf(record.CodeCorruption,
						"region at offset %d: longitude %g out of range", base, v)
					return nil, &d
				}
				rec.Longitude, haveLon = v, true
			}
		case KindTimestampMilli:
			if ts, ok := e.unixMilli(raw); ok {
				rec.Timestamp = ts
				rec.SetAttr(fi.field.Name+"_raw", record.Text(raw))
			}
			// Unparseable timestamp: record still emitted, field absent.
		}
	}

	if !haveLat || !haveLon {
		d := record.Warningf(record.CodeIncompleteRecord,
			"region at offset %d: coordinate markers not found", base)
		return nil, &d
	}
	return &rec, nil
}

// locate tries each marker variant in priority order and reads the
// cleaned ASCII value at the field offset of the first acceptable hit.
func (e *Engine) locate(src []byte, base int, fi fieldIndex) (string, bool) {
	for _, positions := range fi.positions {
		prev := -1
		for _, pos := range positions {
			tooClose := prev >= 0 && pos-prev < e.cfg.MinSeparation
			prev = pos
			if tooClose {
				continue
			}
			dist := pos - base
			if dist < 0 {
				dist = -dist
			}
			if dist >= fi.field.MaxDistance {
				continue
			}
			if raw := cleanValue(src, pos+fi.field.Offset, fi.field.Length); raw != "" {
				return raw, true
			}
		}
	}
	return "", false
}

// cleanValue extracts length bytes at start and keeps only the digits,
// dots and minus signs; telematics firmware pads these runs with
// control bytes.
func cleanValue(src []byte, start, length int) string {
	if start < 0 || start >= len(src) {
		return ""
	}
	end := start + length
	if end > len(src) {
		end = len(src)
	}
	out := make([]byte, 0, length)
	for _, b := range src[start:end] {
		if (b >= '0' && b <= '9') || b == '.' || b == '-' {
			out = append(out, b)
		}
	}
	return string(out)
}

// unixMilli parses an ASCII digit run as Unix milliseconds, padding
// short runs, and applies the original firmware's rollover correction
// for truncated values before rejecting implausible years.
func (e *Engine) unixMilli(raw string) (time.Time, bool) {
	ts, ok := parseMillis(raw)
	if !ok {
		return time.Time{}, false
	}
	if y := ts.Year(); y >= e.cfg.MaxYear && len(raw) >= 2 {
		// Truncated leading digit: re-prefix with '1' and retry.
		if fixed, ok2 := parseMillis("1" + raw[:len(raw)-1]); ok2 {
			ts = fixed
		}
	}
	if y := ts.Year(); y < e.cfg.MinYear || y >= e.cfg.MaxYear {
		return time.Time{}, false
	}
	return ts, true
}

func parseMillis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for len(raw) < 13 {
		raw += "0"
	}
	if len(raw) > 13 {
		raw = raw[:13]
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func findAll(src, marker []byte) []int {
	var out []int
	for off := 0; ; {
		i := bytes.Index(src[off:], marker)
		if i < 0 {
			return out
		}
		out = append(out, off+i)
		off += i + 1
	}
}
