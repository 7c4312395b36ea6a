package lake

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const (
	PartitionByCaptureDate = "capture_date"
	PartitionByCaptureHour = "capture_hour"
	PartitionByNone        = "none"
	partitionByColumn      = "column:"

	defaultPathTemplate = "{table}/{partition}"
)

// TableMapping locates the lake files of one source table
type TableMapping struct {
	Source       string
	Target       string
	PathTemplate string
	PartitionBy  string
}

// PartitionValue returns the partition directory component for evt, e.g. "date=2026-10-17".
func (m TableMapping) PartitionValue(evt *cdc.ChangeEvent) string {
	switch {
	case m.PartitionBy == PartitionByNone:
		return ""
	case m.PartitionBy == PartitionByCaptureHour:
		return "hour=" + evt.CaptureTimestamp.UTC().Format("2006-01-02-15")
	case strings.HasPrefix(m.PartitionBy, partitionByColumn):
		col := strings.TrimPrefix(m.PartitionBy, partitionByColumn)
		v := "__null__"
		if image := evt.Image(); image != nil && image[col] != nil {
			v = stringValue(image[col])
		}
		return col + "=" + sanitize(v)
	default:
		return "date=" + evt.CaptureTimestamp.UTC().Format("2006-01-02")
	}
}

// ObjectKey expands the path template for the given partition value and batch.
func (m TableMapping) ObjectKey(partitionValue, batchID, ext string) string {
	dir := strings.NewReplacer("{table}", m.Target, "{partition}", partitionValue).Replace(m.PathTemplate)
	return path.Join(dir, batchID+ext)
}

// Mappings is the immutable set of table mappings, keyed by source table
type Mappings struct {
	bySource map[string]TableMapping
	byTable  map[string][]string
}

// NewMappings validates the configured mappings and fills in defaults.
func NewMappings(cfgs []config.MappingConfig) (*Mappings, error) {
	ms := &Mappings{
		bySource: make(map[string]TableMapping, len(cfgs)),
		byTable:  make(map[string][]string),
	}
	locations := make(map[string]string)
	for _, c := range cfgs {
		m := TableMapping{
			Source:       c.Source,
			Target:       c.Target,
			PathTemplate: c.Path,
			PartitionBy:  c.PartitionBy,
		}
		bare := c.Source
		if i := strings.LastIndex(bare, "."); i >= 0 {
			bare = bare[i+1:]
		}
		if m.Target == "" {
			m.Target = bare
		}
		if m.PathTemplate == "" {
			m.PathTemplate = defaultPathTemplate
		}
		if m.PartitionBy == "" {
			m.PartitionBy = PartitionByCaptureDate
		}
		switch {
		case m.PartitionBy == PartitionByCaptureDate, m.PartitionBy == PartitionByCaptureHour, m.PartitionBy == PartitionByNone:
		case strings.HasPrefix(m.PartitionBy, partitionByColumn) && len(m.PartitionBy) > len(partitionByColumn):
		default:
			return nil, fmt.Errorf("table %s: unsupported partition_by %q", c.Source, m.PartitionBy)
		}
		if !strings.Contains(m.PathTemplate, "{partition}") && m.PartitionBy != PartitionByNone {
			return nil, fmt.Errorf("table %s: path template %q has no {partition}", c.Source, m.PathTemplate)
		}
		if _, dup := ms.bySource[c.Source]; dup {
			return nil, fmt.Errorf("table %s mapped twice", c.Source)
		}
		loc := m.Target + "|" + m.PathTemplate
		if other, dup := locations[loc]; dup {
			return nil, fmt.Errorf("tables %s and %s write to the same lake location", other, c.Source)
		}
		locations[loc] = c.Source
		ms.bySource[c.Source] = m
		ms.byTable[bare] = append(ms.byTable[bare], c.Source)
	}
	return ms, nil
}

// Resolve maps a routed table name to a configured source table. Both qualified
// ("public.tweets") and bare ("tweets") names resolve, the latter only when unambiguous.
func (ms *Mappings) Resolve(table string) (string, bool) {
	if _, ok := ms.bySource[table]; ok {
		return table, true
	}
	if sources := ms.byTable[table]; len(sources) == 1 {
		return sources[0], true
	}
	return "", false
}

// Get returns the mapping of a resolved source table.
func (ms *Mappings) Get(source string) (TableMapping, bool) {
	m, ok := ms.bySource[source]
	return m, ok
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
