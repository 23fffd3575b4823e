// Package profile loads the embedded decoder format tables. Each
// vehicle format ships one YAML profile describing which engine it
// composes and the anchors, marker tables, or artifact query that
// parameterize it.
package profile

import (
	"embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var profilesFS embed.FS

// Engine strategy names.
const (
	EnginePatternScan      = "pattern-scan"
	EngineMarkerOffset     = "marker-offset"
	EngineEmbeddedArtifact = "embedded-artifact"
)

// Profile is one decoder's format table.
type Profile struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`
	Engine     string   `yaml:"engine"`

	PatternScan  *PatternScanSpec  `yaml:"pattern_scan,omitempty"`
	MarkerOffset *MarkerOffsetSpec `yaml:"marker_offset,omitempty"`
	Artifact     *ArtifactSpec     `yaml:"artifact,omitempty"`
}

// PatternScanSpec parameterizes the anchor/window strategy.
type PatternScanSpec struct {
	AnchorPattern  string  `yaml:"anchor_pattern"`
	PartnerPattern string  `yaml:"partner_pattern"`
	Scale          float64 `yaml:"scale"`
	Window         int     `yaml:"window"`
	Clock          struct {
		Year   string `yaml:"year"`
		Month  string `yaml:"month"`
		Day    string `yaml:"day"`
		Hour   string `yaml:"hour"`
		Minute string `yaml:"minute"`
		Second string `yaml:"second"`
		Week   string `yaml:"week"`
		TOW    string `yaml:"tow"`
	} `yaml:"clock"`
}

// MarkerOffsetSpec parameterizes the marker-offset strategy. Markers
// are hex-encoded byte strings; several spellings of some markers were
// observed in the wild, so each field carries a variant list.
type MarkerOffsetSpec struct {
	BaseMarker    string            `yaml:"base_marker"`
	MinSeparation int               `yaml:"min_separation"`
	Fields        []MarkerFieldSpec `yaml:"fields"`
}

type MarkerFieldSpec struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"`
	Variants    []string `yaml:"variants"`
	MaxDistance int      `yaml:"max_distance"`
	Offset      int      `yaml:"offset"`
	Length      int      `yaml:"length"`
}

// ArtifactSpec parameterizes the embedded-artifact strategy.
type ArtifactSpec struct {
	Partition     string        `yaml:"partition"`
	ContainerPath string        `yaml:"container_path"`
	TableHint     string        `yaml:"table_hint"`
	IDColumn      string        `yaml:"id_column"`
	Rows          []ArtifactRow `yaml:"rows"`
}

type ArtifactRow struct {
	Role       string `yaml:"role"`
	TimeColumn string `yaml:"time_column"`
	LatColumn  string `yaml:"lat_column"`
	LonColumn  string `yaml:"lon_column"`
}

// List returns the embedded profile names, sorted.
func List() []string {
	entries, err := profilesFS.ReadDir("profiles")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Load reads and validates one embedded profile by name.
func Load(name string) (*Profile, error) {
	data, err := profilesFS.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile %q: parse: %w", name, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("profile %q: missing name", name)
	}
	switch p.Engine {
	case EnginePatternScan:
		if p.PatternScan == nil {
			return nil, fmt.Errorf("profile %q: pattern-scan engine needs a pattern_scan section", name)
		}
	case EngineMarkerOffset:
		if p.MarkerOffset == nil {
			return nil, fmt.Errorf("profile %q: marker-offset engine needs a marker_offset section", name)
		}
	case EngineEmbeddedArtifact:
		if p.Artifact == nil {
			return nil, fmt.Errorf("profile %q: embedded-artifact engine needs an artifact section", name)
		}
	default:
		return nil, fmt.Errorf("profile %q: unknown engine %q", name, p.Engine)
	}
	return &p, nil
}

// DecodeMarker converts a hex-encoded marker string to bytes.
func DecodeMarker(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("marker %q: %w", s, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("marker is empty")
	}
	return b, nil
}
