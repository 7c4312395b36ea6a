package lake

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// Metadata columns written ahead of the row columns of every file.
const (
	ColOp        = "__op"
	ColPosition  = "__position"
	ColPartition = "__partition"
	ColCaptureTS = "__capture_ts"
	ColDeleted   = "__deleted"
	ColSourceLSN = "__source_lsn"
)

var metadataColumns = []string{ColOp, ColPosition, ColPartition, ColCaptureTS, ColDeleted, ColSourceLSN}

// metadataKinds fixes the type of every metadata column, so files of one table share
// a schema even when a column is null for a whole batch.
var metadataKinds = map[string]kind{
	ColOp:        kindString,
	ColPosition:  kindInt,
	ColPartition: kindInt,
	ColCaptureTS: kindTime,
	ColDeleted:   kindBool,
	ColSourceLSN: kindInt,
}

// RowFromEvent flattens evt into one lake row. Deletes carry the before image and
// __deleted=true, so readers taking the latest row per key see the removal.
func RowFromEvent(evt *cdc.ChangeEvent) cdc.Row {
	image := evt.Image()
	row := make(cdc.Row, len(image)+len(metadataColumns))
	for k, v := range image {
		row[k] = v
	}
	row[ColOp] = string(evt.Operation)
	row[ColPosition] = evt.Position
	row[ColPartition] = int64(evt.Partition.ID)
	row[ColCaptureTS] = evt.CaptureTimestamp.UTC()
	row[ColDeleted] = evt.Operation == cdc.Delete
	if evt.SourceLSN != nil {
		row[ColSourceLSN] = *evt.SourceLSN
	} else {
		row[ColSourceLSN] = nil
	}
	return row
}

type kind int

const (
	kindNull kind = iota
	kindBool
	kindInt
	kindFloat
	kindTime
	kindString
)

// Column is one inferred output column
type Column struct {
	Name string
	kind kind
}

// inferColumns returns metadata columns followed by row columns in lexical order.
// Metadata columns have fixed types; row columns are typed by the values present in rows.
func inferColumns(rows []cdc.Row) []Column {
	kinds := make(map[string]kind)
	for _, row := range rows {
		for name, v := range row {
			kinds[name] = mergeKind(kinds[name], kindOf(v))
		}
	}

	var dataNames []string
	for name := range kinds {
		if !isMetadata(name) {
			dataNames = append(dataNames, name)
		}
	}
	sort.Strings(dataNames)

	cols := make([]Column, 0, len(kinds))
	for _, name := range append(append([]string{}, metadataColumns...), dataNames...) {
		if _, ok := kinds[name]; !ok {
			continue
		}
		k, fixed := metadataKinds[name]
		if !fixed {
			k = kinds[name]
		}
		if k == kindNull {
			k = kindString
		}
		cols = append(cols, Column{Name: name, kind: k})
	}
	return cols
}

func isMetadata(name string) bool {
	_, ok := metadataKinds[name]
	return ok
}

func kindOf(v any) kind {
	switch x := v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case int, int32, int64:
		return kindInt
	case float32, float64:
		return kindFloat
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return kindInt
		}
		return kindFloat
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

func mergeKind(a, b kind) kind {
	switch {
	case a == b || b == kindNull:
		return a
	case a == kindNull:
		return b
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

func int64Value(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case json.Number:
		n, _ := x.Int64()
		return n
	}
	return 0
}

func float64Value(v any) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return float64(int64Value(v))
	}
}

// stringValue renders any value as text; composite values become JSON.
func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int, int32, int64:
		return strconv.FormatInt(int64Value(x), 10)
	case float32, float64:
		return strconv.FormatFloat(float64Value(x), 'g', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
