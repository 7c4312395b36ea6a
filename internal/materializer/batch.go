package materializer

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const (
	stagingRoot = "_staging"
	intentRoot  = "_batches"
)

// BatchID names the batch covering [first, last] of partition p. The same range
// always yields the same ID, so a replayed batch overwrites rather than duplicates.
// The topic is part of the ID: published files are named after it and two topics
// may share a lake location.
func BatchID(p cdc.Partition, first, last int64) string {
	return fmt.Sprintf("%s-p%d-%020d-%020d", p.Topic, p.ID, first, last)
}

func stagingPrefix(p cdc.Partition) string {
	return path.Join(stagingRoot, p.Key()) + "/"
}

func intentPrefix(p cdc.Partition) string {
	return path.Join(intentRoot, p.Key()) + "/"
}

func intentKey(p cdc.Partition, batchID string) string {
	return path.Join(intentRoot, p.Key(), batchID+".json")
}

// Batch is the in-memory unit of materialization for one partition. It covers every
// position in [First, Last], including tombstones and dead letters.
type Batch struct {
	Partition   cdc.Partition
	First       int64
	Last        int64
	Records     int
	Events      []*cdc.ChangeEvent
	DeadLetters []cdc.DeadLetter
	Tombstones  int

	id      string
	started time.Time
}

func newBatch(p cdc.Partition) *Batch {
	return &Batch{Partition: p, First: -1, Last: -1}
}

// Empty reports whether no record has been read into the batch.
func (b *Batch) Empty() bool {
	return b.Records == 0
}

func (b *Batch) track(pos int64, now time.Time) {
	if b.Records == 0 {
		b.First = pos
		b.started = now
	}
	b.Last = pos
	b.Records++
}

// ID returns the deterministic batch identity.
func (b *Batch) ID() string {
	if b.id != "" {
		return b.id
	}
	return BatchID(b.Partition, b.First, b.Last)
}

// file is the set of rows of one batch that share a table and partition value
type file struct {
	source         string
	target         string
	partitionValue string
	finalKey       string
	stagingKey     string
	events         []*cdc.ChangeEvent
}

// intent is written after staging and before publish. It lets recovery tell a
// batch whose files may already be visible from one that never reached publish.
type intent struct {
	BatchID     string         `json:"batch_id"`
	Partition   cdc.Partition  `json:"partition"`
	First       int64          `json:"first"`
	Last        int64          `json:"last"`
	DeadLetters int            `json:"dead_letters"`
	Objects     []intentObject `json:"objects"`
	CreatedAt   time.Time      `json:"created_at"`
}

type intentObject struct {
	Staging string `json:"staging"`
	Final   string `json:"final"`
	Rows    int    `json:"rows"`
}

func encodeIntent(in *intent) ([]byte, error) {
	return json.MarshalIndent(in, "", "  ")
}

func decodeIntent(data []byte) (*intent, error) {
	var in intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if in.BatchID == "" || in.Last < in.First {
		return nil, fmt.Errorf("invalid batch intent %q [%d, %d]", in.BatchID, in.First, in.Last)
	}
	return &in, nil
}

func sortIntents(ins []*intent) {
	sort.Slice(ins, func(i, j int) bool { return ins[i].First < ins[j].First })
}
