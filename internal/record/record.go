// Package record defines the normalized geolocation record, run
// diagnostics, and the outcome of a single extraction call. Instances
// are created by the engines during extraction and never mutated after
// being appended to an outcome.
package record

import (
	"fmt"
	"time"
)

// ValueKind tags the type held by a Value.
type ValueKind int

const (
	KindText ValueKind = iota
	KindInt
	KindReal
	KindBool
)

// Value is a closed tagged attribute value so exporters can match
// exhaustively instead of type-switching over any.
type Value struct {
	Kind ValueKind
	Text string
	Int  int64
	Real float64
	Bool bool
}

func Text(s string) Value  { return Value{Kind: KindText, Text: s} }
func Int(i int64) Value    { return Value{Kind: KindInt, Int: i} }
func Real(f float64) Value { return Value{Kind: KindReal, Real: f} }
func Bool(b bool) Value    { return Value{Kind: KindBool, Bool: b} }

// String renders the value for export and diagnostics.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindReal:
		return fmt.Sprintf("%g", v.Real)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return v.Text
	}
}

// Attr is one named attribute. Attributes keep insertion order, which is
// why GeoRecord carries a slice rather than a map.
type Attr struct {
	Name  string
	Value Value
}

// AttrOutOfRange marks a record whose coordinates fall outside the valid
// latitude/longitude ranges. Such records are never emitted as plainly
// valid.
const AttrOutOfRange = "out_of_range"

// GeoRecord is one normalized geolocation fix. Timestamp is always UTC;
// a zero Timestamp means the source carried no usable time for the fix.
type GeoRecord struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	Attrs     []Attr
}

// SetAttr appends the attribute, replacing an existing one of the same
// name in place to preserve order.
func (r *GeoRecord) SetAttr(name string, v Value) {
	for i := range r.Attrs {
		if r.Attrs[i].Name == name {
			r.Attrs[i].Value = v
			return
		}
	}
	r.Attrs = append(r.Attrs, Attr{Name: name, Value: v})
}

// Attr returns the named attribute value.
func (r *GeoRecord) Attr(name string) (Value, bool) {
	for _, a := range r.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return Value{}, false
}

// InRange reports whether the coordinates are inside the valid
// latitude/longitude intervals.
func (r *GeoRecord) InRange() bool {
	return r.Latitude >= -90 && r.Latitude <= 90 &&
		r.Longitude >= -180 && r.Longitude <= 180
}

// Severity of a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Code classifies a diagnostic.
type Code string

const (
	CodeFormatMismatch   Code = "format_mismatch"
	CodeNotFound         Code = "not_found"
	CodeCorruption       Code = "corruption"
	CodeCancelled        Code = "cancelled"
	CodeIOFailure        Code = "io_failure"
	CodeIncompleteRecord Code = "incomplete_record"
)

// Diagnostic is attached to a run, not to an individual record. Context
// is a human-readable locus such as a byte offset or marker name.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Context  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s [%s] %s", d.Severity, d.Code, d.Context)
}

// Warningf builds a warning diagnostic.
func Warningf(code Code, format string, a ...any) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Code: code, Context: fmt.Sprintf(format, a...)}
}

// Errorf builds an error diagnostic.
func Errorf(code Code, format string, a ...any) Diagnostic {
	return Diagnostic{Severity: SeverityError, Code: code, Context: fmt.Sprintf(format, a...)}
}

// Status is the terminal state of one extraction run.
type Status string

const (
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusCancelled             Status = "cancelled"
	StatusFailed                Status = "failed"
)

// Outcome is everything one extraction call returns. Records keep
// discovery order unless the decoder declared a chronological post-sort.
type Outcome struct {
	Records     []GeoRecord
	Diagnostics []Diagnostic
	Status      Status
}

// Complete finalizes a successful run: completed when no local
// recoveries happened, completed_with_warnings otherwise.
func Complete(records []GeoRecord, diags []Diagnostic) Outcome {
	status := StatusCompleted
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			status = StatusCompletedWithWarnings
			break
		}
	}
	return Outcome{Records: records, Diagnostics: diags, Status: status}
}

// Fail finalizes an aborted run, appending the explanatory diagnostic.
// Partial records accumulated before the failure are preserved.
func Fail(records []GeoRecord, diags []Diagnostic, d Diagnostic) Outcome {
	d.Severity = SeverityError
	return Outcome{Records: records, Diagnostics: append(diags, d), Status: StatusFailed}
}

// Cancel finalizes a cooperatively stopped run with the records
// accumulated so far. A cancelled run is never reported as failed.
func Cancel(records []GeoRecord, diags []Diagnostic, context string) Outcome {
	diags = append(diags, Warningf(CodeCancelled, "%s", context))
	return Outcome{Records: records, Diagnostics: diags, Status: StatusCancelled}
}
