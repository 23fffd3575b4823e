// Package honda decodes Honda Android system images. Trip logs live in
// a SQLite database on the userdata partition, so the decoder composes
// the embedded-artifact engine with the honda profile's query spec.
package honda

import (
	"context"
	"fmt"
	"strconv"

	"navex/internal/decoder"
	"navex/internal/engine/artifact"
	"navex/internal/profile"
	"navex/internal/progress"
	"navex/internal/record"
)

// Provider yields the Honda decoder descriptor.
func Provider() ([]decoder.Descriptor, error) {
	p, err := profile.Load("honda")
	if err != nil {
		return nil, fmt.Errorf("honda: %w", err)
	}
	return []decoder.Descriptor{{
		Name:       p.Name,
		Extensions: p.Extensions,
		New: func() (decoder.Decoder, error) {
			return newDecoder(p)
		},
	}}, nil
}

type hondaDecoder struct {
	name string
	exts []string
	eng  *artifact.Engine
}

func newDecoder(p *profile.Profile) (*hondaDecoder, error) {
	s := p.Artifact
	cfg := artifact.Config{
		PartitionName: s.Partition,
		ContainerPath: s.ContainerPath,
		TableHint:     s.TableHint,
		IDColumn:      s.IDColumn,
	}
	for _, r := range s.Rows {
		cfg.Rows = append(cfg.Rows, artifact.RowSpec{
			Role:       r.Role,
			TimeColumn: r.TimeColumn,
			LatColumn:  r.LatColumn,
			LonColumn:  r.LonColumn,
		})
	}
	eng, err := artifact.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("honda: %w", err)
	}
	return &hondaDecoder{name: p.Name, exts: p.Extensions, eng: eng}, nil
}

func (d *hondaDecoder) Name() string         { return d.name }
func (d *hondaDecoder) Extensions() []string { return append([]string(nil), d.exts...) }

func (d *hondaDecoder) Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome {
	return d.eng.Extract(ctx, src, sink)
}

func (d *hondaDecoder) ExportHeaders() []string {
	return []string{"role", "row_id", "timestamp_utc", "latitude", "longitude"}
}

func (d *hondaDecoder) ExportRow(r record.GeoRecord) []string {
	role, _ := r.Attr("role")
	id, _ := r.Attr("row_id")
	ts := ""
	if !r.Timestamp.IsZero() {
		ts = r.Timestamp.Format("2006-01-02 15:04:05.000")
	}
	return []string{
		role.String(),
		id.String(),
		ts,
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
	}
}
