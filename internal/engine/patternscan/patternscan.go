// Package patternscan implements the anchor-keyword extraction strategy
// for formats that embed GPS data as ASCII key=value tokens inside an
// otherwise binary buffer. The engine scans for a decoder-supplied
// anchor, opens a bounded window around each occurrence, and emits a
// record only when every required field is found inside the window.
package patternscan

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"navex/internal/progress"
	"navex/internal/record"
)

// GPS epoch: first Sunday of 1980.
var gpsEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

const towMaxMillis = 604800000 // one week

// Clock describes how a UTC instant is assembled from window tokens.
// Year through Minute are regexes with one integer capture; all five
// must match for the calendar path. Second is optional. Week and TOW
// (GPS week number and millisecond-of-week) form the raw-timestamp
// fallback used when any calendar component is missing.
type Clock struct {
	Year   string
	Month  string
	Day    string
	Hour   string
	Minute string
	Second string
	Week   string
	TOW    string

	// Plausibility window for accepted fixes; zero values default to
	// [2010, 2060).
	MinYear int
	MaxYear int
}

// Config is the decoder-supplied format table. AnchorPattern anchors a
// candidate record and captures the latitude hex run; PartnerPattern
// captures the longitude hex run and is searched only inside the window.
type Config struct {
	AnchorPattern  string
	PartnerPattern string
	// Scale divides the decoded little-endian double to obtain decimal
	// degrees. OnStar uses 1e7.
	Scale  float64
	Window int
	Clock  Clock
	// Chronological enables a stable post-sort by timestamp.
	Chronological bool
}

type clockRes struct {
	year, month, day, hour, minute, second *regexp.Regexp
	week, tow                              *regexp.Regexp
	minYear, maxYear                       int
}

// Engine is safe for concurrent use: all per-call state lives on the
// Extract stack.
type Engine struct {
	anchor  *regexp.Regexp
	partner *regexp.Regexp
	scale   float64
	window  int
	clock   clockRes
	chrono  bool
}

// New compiles the format table. Anchor and partner patterns must carry
// exactly one capture group of hex digits.
func New(cfg Config) (*Engine, error) {
	if cfg.Scale <= 0 {
		return nil, fmt.Errorf("patternscan: scale must be positive, got %g", cfg.Scale)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("patternscan: window must be positive, got %d", cfg.Window)
	}
	e := &Engine{scale: cfg.Scale, window: cfg.Window, chrono: cfg.Chronological}
	var err error
	if e.anchor, err = compileField("anchor", cfg.AnchorPattern); err != nil {
		return nil, err
	}
	if e.partner, err = compileField("partner", cfg.PartnerPattern); err != nil {
		return nil, err
	}
	c := cfg.Clock
	for _, f := range []struct {
		name string
		src  string
		dst  **regexp.Regexp
	}{
		{"clock.year", c.Year, &e.clock.year},
		{"clock.month", c.Month, &e.clock.month},
		{"clock.day", c.Day, &e.clock.day},
		{"clock.hour", c.Hour, &e.clock.hour},
		{"clock.minute", c.Minute, &e.clock.minute},
		{"clock.second", c.Second, &e.clock.second},
		{"clock.week", c.Week, &e.clock.week},
		{"clock.tow", c.TOW, &e.clock.tow},
	} {
		if f.src == "" {
			continue
		}
		if *f.dst, err = compileField(f.name, f.src); err != nil {
			return nil, err
		}
	}
	e.clock.minYear, e.clock.maxYear = c.MinYear, c.MaxYear
	if e.clock.minYear == 0 {
		e.clock.minYear = 2010
	}
	if e.clock.maxYear == 0 {
		e.clock.maxYear = 2060
	}
	return e, nil
}

func compileField(name, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("patternscan: %s pattern is required", name)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("patternscan: compile %s: %w", name, err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("patternscan: %s pattern needs exactly one capture, has %d", name, re.NumSubexp())
	}
	return re, nil
}

// Extract scans src. Records are emitted in anchor discovery order
// unless the config declared a chronological post-sort.
func (e *Engine) Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome {
	g := progress.NewGuard(sink)
	g.Report("scanning for anchors", 0)

	// Scanning raw bytes keeps byte offsets and text offsets aligned,
	// the same guarantee a lossless single-byte decode would give.
	anchors := e.anchor.FindAllSubmatchIndex(src, -1)
	if len(anchors) == 0 {
		return record.Fail(nil, nil,
			record.Errorf(record.CodeFormatMismatch, "no anchor occurrences in %d-byte buffer", len(src)))
	}
	g.Report(fmt.Sprintf("found %d anchors", len(anchors)), 5)

	var (
		recs  []record.GeoRecord
		diags []record.Diagnostic
		seen  = make(map[dedupKey]struct{})
	)
	for i, m := range anchors {
		select {
		case <-ctx.Done():
			return record.Cancel(recs, diags,
				fmt.Sprintf("stopped at anchor %d/%d", i, len(anchors)))
		default:
		}

		off := m[0]
		lo := off - e.window
		if lo < 0 {
			lo = 0
		}
		hi := off + e.window
		if hi > len(src) {
			hi = len(src)
		}
		win := src[lo:hi]

		rec, drop := e.candidate(src, win, m, off)
		if drop != nil {
			diags = append(diags, *drop)
		} else if rec != nil {
			key := dedupKey{
				lat: math.Float64bits(rec.Latitude),
				lon: math.Float64bits(rec.Longitude),
				ts:  rec.Timestamp.UnixNano(),
			}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				recs = append(recs, *rec)
			}
		}
		g.Report(fmt.Sprintf("anchor %d/%d", i+1, len(anchors)), 5+94*(i+1)/len(anchors))
	}

	if e.chrono {
		sort.SliceStable(recs, func(a, b int) bool {
			return recs[a].Timestamp.Before(recs[b].Timestamp)
		})
	}
	g.Done("scan complete")
	return record.Complete(recs, diags)
}

type dedupKey struct {
	lat, lon uint64
	ts       int64
}

// candidate builds one record from an anchor match, or returns the
// diagnostic explaining why it was discarded.
func (e *Engine) candidate(src, win []byte, m []int, off int) (*record.GeoRecord, *record.Diagnostic) {
	latHex := string(src[m[2]:m[3]])

	pm := e.partner.FindSubmatch(win)
	if pm == nil {
		d := record.Warningf(record.CodeIncompleteRecord,
			"anchor at offset %d: partner coordinate not found in window", off)
		return nil, &d
	}
	lonHex := string(pm[1])

	lat, err := e.decodeCoord(latHex)
	if err != nil {
		d := record.Warningf(record.CodeCorruption, "anchor at offset %d: %v", off, err)
		return nil, &d
	}
	lon, err := e.decodeCoord(lonHex)
	if err != nil {
		d := record.Warningf(record.CodeCorruption, "anchor at offset %d: %v", off, err)
		return nil, &d
	}

	ts, ok := e.clockInstant(win)
	if !ok {
		d := record.Warningf(record.CodeIncompleteRecord,
			"anchor at offset %d: no usable timestamp in window", off)
		return nil, &d
	}
	if y := ts.Year(); y < e.clock.minYear || y >= e.clock.maxYear {
		d := record.Warningf(record.CodeIncompleteRecord,
			"anchor at offset %d: timestamp year %d outside [%d,%d)", off, y, e.clock.minYear, e.clock.maxYear)
		return nil, &d
	}

	rec := record.GeoRecord{Latitude: lat, Longitude: lon, Timestamp: ts}
	rec.SetAttr("offset", record.Int(int64(off)))
	rec.SetAttr("lat_hex", record.Text(latHex))
	rec.SetAttr("lon_hex", record.Text(lonHex))
	if !rec.InRange() {
		rec.SetAttr(record.AttrOutOfRange, record.Bool(true))
	}
	return &rec, nil
}

// decodeCoord interprets a 16-digit hex run as a little-endian IEEE-754
// double and divides by the scale factor.
func (e *Engine) decodeCoord(hexRun string) (float64, error) {
	if len(hexRun) != 16 {
		return 0, fmt.Errorf("coordinate hex run has %d digits, want 16", len(hexRun))
	}
	raw, err := hex.DecodeString(hexRun)
	if err != nil {
		return 0, fmt.Errorf("coordinate hex run: %w", err)
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(raw))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("coordinate decodes to non-finite value")
	}
	return v / e.scale, nil
}

// clockInstant combines calendar tokens from the window into one UTC
// instant, falling back to the GPS week/time-of-week pair when any
// required component is missing.
func (e *Engine) clockInstant(win []byte) (time.Time, bool) {
	year, okY := matchInt(e.clock.year, win)
	month, okMo := matchInt(e.clock.month, win)
	day, okD := matchInt(e.clock.day, win)
	hour, okH := matchInt(e.clock.hour, win)
	minute, okMi := matchInt(e.clock.minute, win)
	if okY && okMo && okD && okH && okMi {
		sec, _ := matchInt(e.clock.second, win)
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 &&
			hour <= 23 && minute <= 59 && sec <= 60 {
			return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), true
		}
		return time.Time{}, false
	}

	week, okW := matchInt(e.clock.week, win)
	tow, okT := matchInt(e.clock.tow, win)
	if okW && okT && week >= 0 && week <= 4000 && tow >= 0 && tow <= towMaxMillis {
		d := time.Duration(week)*7*24*time.Hour + time.Duration(tow)*time.Millisecond
		return gpsEpoch.Add(d), true
	}
	return time.Time{}, false
}

func matchInt(re *regexp.Regexp, win []byte) (int, bool) {
	if re == nil {
		return 0, false
	}
	m := re.FindSubmatch(win)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}
