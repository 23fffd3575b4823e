// Package toyota decodes Toyota TL19 head-unit NAND dumps, composing
// the marker-offset engine with the toyota profile's marker tables.
package toyota

import (
	"context"
	"fmt"
	"strconv"

	"navex/internal/decoder"
	"navex/internal/engine/markerscan"
	"navex/internal/profile"
	"navex/internal/progress"
	"navex/internal/record"
)

// Provider yields the Toyota decoder descriptor.
func Provider() ([]decoder.Descriptor, error) {
	p, err := profile.Load("toyota")
	if err != nil {
		return nil, fmt.Errorf("toyota: %w", err)
	}
	return []decoder.Descriptor{{
		Name:       p.Name,
		Extensions: p.Extensions,
		New: func() (decoder.Decoder, error) {
			return newDecoder(p)
		},
	}}, nil
}

type toyotaDecoder struct {
	name string
	exts []string
	eng  *markerscan.Engine
}

func newDecoder(p *profile.Profile) (*toyotaDecoder, error) {
	s := p.MarkerOffset
	base, err := profile.DecodeMarker(s.BaseMarker)
	if err != nil {
		return nil, fmt.Errorf("toyota: base marker: %w", err)
	}
	cfg := markerscan.Config{
		BaseMarker:    base,
		MinSeparation: s.MinSeparation,
	}
	for _, f := range s.Fields {
		field := markerscan.Field{
			Name:        f.Name,
			Kind:        markerscan.Kind(f.Kind),
			MaxDistance: f.MaxDistance,
			Offset:      f.Offset,
			Length:      f.Length,
		}
		for _, v := range f.Variants {
			marker, err := profile.DecodeMarker(v)
			if err != nil {
				return nil, fmt.Errorf("toyota: field %q: %w", f.Name, err)
			}
			field.Markers = append(field.Markers, marker)
		}
		cfg.Fields = append(cfg.Fields, field)
	}
	eng, err := markerscan.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("toyota: %w", err)
	}
	return &toyotaDecoder{name: p.Name, exts: p.Extensions, eng: eng}, nil
}

func (d *toyotaDecoder) Name() string         { return d.name }
func (d *toyotaDecoder) Extensions() []string { return append([]string(nil), d.exts...) }

func (d *toyotaDecoder) Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome {
	return d.eng.Extract(ctx, src, sink)
}

func (d *toyotaDecoder) ExportHeaders() []string {
	return []string{"lat", "long", "timestamp_time", "offset"}
}

func (d *toyotaDecoder) ExportRow(r record.GeoRecord) []string {
	off, _ := r.Attr("offset")
	ts := ""
	if !r.Timestamp.IsZero() {
		ts = r.Timestamp.Format("2006-01-02 15:04:05.000")
	}
	return []string{
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		ts,
		off.String(),
	}
}
