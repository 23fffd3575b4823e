// Package artifact implements the embedded-artifact extraction strategy
// for raw storage images: locate a partition, mount its filesystem
// read-only, pull out the embedded SQLite container, and map query rows
// to geolocation records. The run is a linear state machine with a
// failed terminal state reachable from every step.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"navex/internal/progress"
	"navex/internal/record"
)

// RowSpec maps one role (e.g. trip start or finish) of a result row to
// a GeoRecord. A row yields a record for the role only when both
// coordinate columns are non-null.
type RowSpec struct {
	Role       string
	TimeColumn string
	LatColumn  string
	LonColumn  string
}

// Config is the decoder-declared artifact locator and query.
type Config struct {
	// PartitionName selects the GPT partition by name substring.
	PartitionName string
	// ContainerPath is the fixed slash-separated path of the embedded
	// database inside the filesystem.
	ContainerPath string
	// TableHint matches the table by name substring; more than one match
	// is ambiguous and fails the run.
	TableHint string
	// IDColumn is carried into record attributes; defaults to rowid.
	IDColumn string
	Rows     []RowSpec
	// ScratchDir overrides the scratch root, primarily for tests.
	// Defaults to the system temp directory.
	ScratchDir string
}

// Engine holds only configuration; scratch storage is owned by a single
// Extract invocation and never outlives it.
type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if cfg.ContainerPath == "" {
		return nil, fmt.Errorf("artifact: container path is required")
	}
	if cfg.TableHint == "" {
		return nil, fmt.Errorf("artifact: table hint is required")
	}
	if len(cfg.Rows) == 0 {
		return nil, fmt.Errorf("artifact: at least one row mapping is required")
	}
	for _, r := range cfg.Rows {
		if r.Role == "" || r.LatColumn == "" || r.LonColumn == "" {
			return nil, fmt.Errorf("artifact: row mapping %q needs role and coordinate columns", r.Role)
		}
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "rowid"
	}
	return &Engine{cfg: cfg}, nil
}

// Extract runs the state machine over src.
func (e *Engine) Extract(ctx context.Context, src []byte, sink progress.Sink) record.Outcome {
	g := progress.NewGuard(sink)

	// Locating Partition.
	g.Report("locating partition", 0)
	if err := ctx.Err(); err != nil {
		return record.Cancel(nil, nil, "stopped while locating partition")
	}
	part, found := findGPTPartition(src, e.cfg.PartitionName)
	if !found {
		part, found = findExtSuperblock(src)
	}
	if !found {
		return record.Fail(nil, nil, record.Errorf(record.CodeNotFound,
			"no GPT partition %q and no ext superblock signature", e.cfg.PartitionName))
	}

	// Mounting Filesystem.
	g.Report("mounting filesystem", 15)
	if err := ctx.Err(); err != nil {
		return record.Cancel(nil, nil, "stopped while mounting filesystem")
	}
	fs, err := openExtFS(src[part.offset : part.offset+part.size])
	if err != nil {
		return record.Fail(nil, nil, record.Errorf(record.CodeCorruption,
			"partition %q at offset %d: %v", part.name, part.offset, err))
	}

	// Locating Container.
	g.Report("locating container", 30)
	if err := ctx.Err(); err != nil {
		return record.Cancel(nil, nil, "stopped while locating container")
	}
	blob, err := fs.readFile(e.cfg.ContainerPath)
	if err != nil {
		code := record.CodeCorruption
		if errors.Is(err, iofs.ErrNotExist) {
			code = record.CodeNotFound
		}
		return record.Fail(nil, nil, record.Errorf(code, "container %s: %v", e.cfg.ContainerPath, err))
	}

	// Extracting Container. Scratch storage is scoped to this call and
	// released on every exit path.
	g.Report("extracting container", 45)
	scratchRoot := e.cfg.ScratchDir
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	scratch := filepath.Join(scratchRoot, "navex-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return record.Fail(nil, nil, record.Errorf(record.CodeIOFailure, "create scratch: %v", err))
	}
	defer os.RemoveAll(scratch)

	dbPath := filepath.Join(scratch, filepath.Base(e.cfg.ContainerPath))
	if err := os.WriteFile(dbPath, blob, 0o600); err != nil {
		return record.Fail(nil, nil, record.Errorf(record.CodeIOFailure, "write container: %v", err))
	}
	if err := ctx.Err(); err != nil {
		return record.Cancel(nil, nil, "stopped after extracting container")
	}

	// Querying and Mapping Rows.
	g.Report("querying container", 60)
	recs, diags, fail := e.query(ctx, dbPath, g)
	if fail != nil {
		return record.Fail(recs, diags, *fail)
	}
	if ctx.Err() != nil {
		return record.Cancel(recs, diags, "stopped while mapping rows")
	}

	g.Done("extraction complete")
	return record.Complete(recs, diags)
}

// query opens the extracted container read-only, resolves the table by
// hint, and maps result rows to records. A single-container failure
// after a successful mount is fatal to the run.
func (e *Engine) query(ctx context.Context, dbPath string, g *progress.Guard) ([]record.GeoRecord, []record.Diagnostic, *record.Diagnostic) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		d := record.Errorf(record.CodeCorruption, "open container: %v", err)
		return nil, nil, &d
	}
	defer db.Close()

	table, d := e.resolveTable(ctx, db)
	if d != nil {
		return nil, nil, d
	}

	cols := []string{quoteIdent(e.cfg.IDColumn)}
	var filters []string
	for _, r := range e.cfg.Rows {
		cols = append(cols, quoteIdent(r.TimeColumn), quoteIdent(r.LatColumn), quoteIdent(r.LonColumn))
		filters = append(filters, fmt.Sprintf("(%s IS NOT NULL AND %s IS NOT NULL)",
			quoteIdent(r.LatColumn), quoteIdent(r.LonColumn)))
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(cols, ", "), quoteIdent(table), strings.Join(filters, " OR "))

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		d := record.Errorf(record.CodeCorruption, "query table %q: %v", table, err)
		return nil, nil, &d
	}
	defer rows.Close()

	var (
		recs  []record.GeoRecord
		diags []record.Diagnostic
		n     int
	)
	for rows.Next() {
		if ctx.Err() != nil {
			return recs, diags, nil
		}
		var id sql.NullInt64
		fields := make([]roleFields, len(e.cfg.Rows))
		dest := []any{&id}
		for i := range fields {
			dest = append(dest, &fields[i].when, &fields[i].lat, &fields[i].lon)
		}
		if err := rows.Scan(dest...); err != nil {
			diags = append(diags, record.Warningf(record.CodeCorruption, "row %d: %v", n, err))
			n++
			continue
		}
		for i, spec := range e.cfg.Rows {
			if rec, ok := mapRole(spec, id, fields[i]); ok {
				recs = append(recs, rec)
			}
		}
		n++
		g.Report(fmt.Sprintf("mapped %d rows", n), 60+min(39, n/10))
	}
	if err := rows.Err(); err != nil {
		d := record.Errorf(record.CodeCorruption, "iterate table %q: %v", table, err)
		return recs, diags, &d
	}
	return recs, diags, nil
}

type roleFields struct {
	when sql.NullFloat64
	lat  sql.NullFloat64
	lon  sql.NullFloat64
}

func mapRole(spec RowSpec, id sql.NullInt64, f roleFields) (record.GeoRecord, bool) {
	if !f.lat.Valid || !f.lon.Valid {
		return record.GeoRecord{}, false
	}
	rec := record.GeoRecord{Latitude: f.lat.Float64, Longitude: f.lon.Float64}
	if f.when.Valid {
		rec.Timestamp = rowInstant(f.when.Float64)
	}
	rec.SetAttr("role", record.Text(spec.Role))
	if id.Valid {
		rec.SetAttr("row_id", record.Int(id.Int64))
	}
	if !rec.InRange() {
		rec.SetAttr(record.AttrOutOfRange, record.Bool(true))
	}
	return rec, true
}

// resolveTable matches the declared hint against sqlite_master. Multiple
// matches are ambiguous: the engine never guesses which table is
// authoritative.
func (e *Engine) resolveTable(ctx context.Context, db *sql.DB) (string, *record.Diagnostic) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND instr(name, ?) > 0 ORDER BY name",
		e.cfg.TableHint)
	if err != nil {
		d := record.Errorf(record.CodeCorruption, "read schema: %v", err)
		return "", &d
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			d := record.Errorf(record.CodeCorruption, "read schema: %v", err)
			return "", &d
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		d := record.Errorf(record.CodeCorruption, "read schema: %v", err)
		return "", &d
	}
	switch len(names) {
	case 0:
		d := record.Errorf(record.CodeNotFound, "no table matching %q in container", e.cfg.TableHint)
		return "", &d
	case 1:
		return names[0], nil
	default:
		d := record.Errorf(record.CodeCorruption,
			"table hint %q is ambiguous: matches %s", e.cfg.TableHint, strings.Join(names, ", "))
		return "", &d
	}
}

// rowInstant interprets a numeric time column, accepting Unix seconds
// or milliseconds by magnitude.
func rowInstant(v float64) time.Time {
	switch {
	case v > 1e12:
		return time.UnixMilli(int64(v)).UTC()
	case v > 1e9:
		return time.Unix(int64(v), 0).UTC()
	default:
		return time.Time{}
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
