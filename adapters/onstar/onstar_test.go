package onstar

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"navex/internal/decoder"
	"navex/internal/record"
)

func coordHex(deg float64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(deg*1e7))
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

func TestProvider(t *testing.T) {
	descs, err := Provider()
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}
	d := descs[0]
	if d.Name != "OnStar v10, v11" {
		t.Errorf("name = %q", d.Name)
	}
	if len(d.Extensions) != 1 || d.Extensions[0] != ".CE0" {
		t.Errorf("extensions = %v, want [.CE0]", d.Extensions)
	}
	if _, err := d.New(); err != nil {
		t.Errorf("factory: %v", err)
	}
}

func TestExtract_EndToEnd(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 48))
	fmt.Fprintf(&buf, "lat=%s lon=%s utc_year=2024 utc_month=3 utc_day=15 utc_hour=14 utc_min=32",
		coordHex(40.7128), coordHex(-74.0060))

	descs, err := Provider()
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	dec, err := descs[0].New()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	out := dec.Extract(context.Background(), buf.Bytes(), nil)
	if out.Status != record.StatusCompleted {
		t.Fatalf("status = %q, diagnostics: %v", out.Status, out.Diagnostics)
	}
	if len(out.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(out.Records))
	}
	rec := out.Records[0]
	if math.Abs(rec.Latitude-40.7128) > 1e-6 || math.Abs(rec.Longitude+74.0060) > 1e-6 {
		t.Errorf("coordinates = (%f, %f)", rec.Latitude, rec.Longitude)
	}
	want := time.Date(2024, 3, 15, 14, 32, 0, 0, time.UTC)
	if !rec.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp, want)
	}

	exp, ok := dec.(decoder.RowExporter)
	if !ok {
		t.Fatal("decoder does not export rows")
	}
	headers := exp.ExportHeaders()
	row := exp.ExportRow(rec)
	if len(row) != len(headers) {
		t.Fatalf("row has %d cells for %d headers", len(row), len(headers))
	}
	if row[2] != "2024" || row[7] != "2024-03-15 14:32:00.000" {
		t.Errorf("exported row = %v", row)
	}
}
