// Package onstar decodes OnStar Gen 10/11 telematics NAND dumps. Fixes
// are embedded as ASCII key=value tokens, so the decoder composes the
// pattern-scan engine with the onstar profile.
package onstar

import (
	"context"
	"fmt"
	"strconv"

	"navex/internal/decoder"
	"navex/internal/engine/patternscan"
	"navex/internal/profile"
	"navex/internal/progress"
	"navex/internal/record"
)

// Provider yields the OnStar decoder descriptor.
func Provider() ([]decoder.Descriptor, error) {
	p, err := profile.Load("onstar")
	if err != nil {
		return nil, fmt.Errorf("onstar: %w", err)
	}
	return []decoder.Descriptor{{
		Name:       p.Name,
		Extensions: p.Extensions,
		New: func() (decoder.Decoder, error) {
			return newDecoder(p)
		},
	}}, nil
}

type onstarDecoder struct {
	name string
	exts []string
	eng  *patternscan.Engine
}

func newDecoder(p *profile.Profile) (*onstarDecoder, error) {
	s := p.PatternScan
	eng, err := patternscan.New(patternscan.Config{
		AnchorPattern:  s.AnchorPattern,
		PartnerPattern: s.PartnerPattern,
		Scale:          s.Scale,
		Window:         s.Window,
		Clock: patternscan.Clock{
			Year:   s.Clock.Year,
			Month:  s.Clock.Month,
			Day:    s.Clock.Day,
			Hour:   s.Clock.Hour,
			Minute: s.Clock.Minute,
			Second: s.Clock.Second,
			Week:   s.Clock.Week,
			TOW:    s.Clock.TOW,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("onstar: %w", err)
	}
	return &onstarDecoder{name: p.Name, exts: p.Extensions, eng: eng}, nil
}

func (d *onstarDecoder) Name() string         { return d.name }
func (d *onstarDecoder) Extensions() []string { return append([]string(nil), d.exts...) }

func (d *onstarDecoder) Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome {
	return d.eng.Extract(ctx, src, sink)
}

// Export columns mirror the historical OnStar worksheet layout.
func (d *onstarDecoder) ExportHeaders() []string {
	return []string{"lat", "long", "utc_year", "utc_month", "utc_day",
		"utc_hour", "utc_min", "timestamp_time", "lat_hex", "lon_hex"}
}

func (d *onstarDecoder) ExportRow(r record.GeoRecord) []string {
	latHex, _ := r.Attr("lat_hex")
	lonHex, _ := r.Attr("lon_hex")
	ts := r.Timestamp
	return []string{
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		strconv.Itoa(ts.Year()),
		strconv.Itoa(int(ts.Month())),
		strconv.Itoa(ts.Day()),
		strconv.Itoa(ts.Hour()),
		strconv.Itoa(ts.Minute()),
		ts.Format("2006-01-02 15:04:05.000"),
		latHex.String(),
		lonHex.String(),
	}
}
