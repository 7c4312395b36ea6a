package materializer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-lake/internal/changelog"
	"github.com/katasec/dstream-ingester-lake/internal/checkpoint"
	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/internal/deadletter"
	"github.com/katasec/dstream-ingester-lake/internal/envelope"
	"github.com/katasec/dstream-ingester-lake/internal/lake"
	"github.com/katasec/dstream-ingester-lake/internal/locking"
	"github.com/katasec/dstream-ingester-lake/internal/metrics"
	"github.com/katasec/dstream-ingester-lake/internal/objectstore"
	"github.com/katasec/dstream-ingester-lake/internal/retry"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const (
	topic        = "cdc.public.tweets"
	topicPattern = `^[^.]+\.(?P<schema>[^.]+)\.(?P<table>[^.]+)$`
)

var part0 = cdc.Partition{Topic: topic, ID: 0}

type harness struct {
	source *changelog.Memory
	store  *objectstore.Memory
	cps    *checkpoint.MemoryStore
	dlq    *deadletter.MemorySink
	opts   Options
}

func newHarness(t *testing.T, partitions int) *harness {
	t.Helper()

	mappings, err := lake.NewMappings([]config.MappingConfig{{Source: "public.tweets", PartitionBy: lake.PartitionByNone}})
	require.NoError(t, err)
	dec, err := envelope.NewDecoder(topicPattern, mappings)
	require.NoError(t, err)

	h := &harness{
		source: changelog.NewMemory(),
		store:  objectstore.NewMemory(),
		cps:    checkpoint.NewMemoryStore(),
		dlq:    deadletter.NewMemorySink(),
	}
	h.source.CreatePartitions(topic, partitions)
	h.opts = Options{
		Batch: config.BatchConfig{
			MaxRecords:    3,
			MaxWindow:     50 * time.Millisecond,
			PollTimeout:   10 * time.Millisecond,
			CommitTimeout: 5 * time.Second,
		},
		Source:      h.source,
		Decoder:     dec,
		Mappings:    mappings,
		Writer:      lake.NewWriter(h.store, lake.JSONLinesEncoder{}, hclog.NewNullLogger()),
		Checkpoints: h.cps,
		DeadLetters: h.dlq,
		Metrics:     metrics.New(),
		Retry:       retry.Policy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
		Logger:      hclog.NewNullLogger(),
	}
	return h
}

func (h *harness) append(p cdc.Partition, value string) {
	var v []byte
	if value != "" {
		v = []byte(value)
	}
	h.source.Append(p, []byte(`{"id":1}`), v, time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
}

func (h *harness) position(t *testing.T, p cdc.Partition) int64 {
	cp, err := h.cps.Load(context.Background(), p)
	require.NoError(t, err)
	if cp == nil {
		return -1
	}
	return cp.Position
}

// runUntil runs a worker until partition p is checkpointed at want, then stops it.
func (h *harness) runUntil(t *testing.T, p cdc.Partition, want int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- NewWorker(h.opts, p).Run(ctx) }()

	require.Eventually(t, func() bool { return h.position(t, p) >= want }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

// lakeRows returns every published row, in key then line order.
func (h *harness) lakeRows(t *testing.T) []map[string]any {
	t.Helper()
	ctx := context.Background()
	keys, err := h.store.List(ctx, "tweets/")
	require.NoError(t, err)

	var rows []map[string]any
	for _, key := range keys {
		data, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var row map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
			rows = append(rows, row)
		}
	}
	return rows
}

func (h *harness) keys(t *testing.T, prefix string) []string {
	keys, err := h.store.List(context.Background(), prefix)
	require.NoError(t, err)
	return keys
}

func create(id int, text string) string {
	return `{"op":"c","after":{"id":` + itoa(id) + `,"text":"` + text + `"},"ts_ms":1760000000000}`
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestBatchID(t *testing.T) {
	assert.Equal(t, "cdc.public.tweets-p3-00000000000000000007-00000000000000000012", BatchID(cdc.Partition{Topic: topic, ID: 3}, 7, 12))

	// same partition number and range on another topic
	other := BatchID(cdc.Partition{Topic: "cdc.public.users", ID: 3}, 7, 12)
	assert.NotEqual(t, BatchID(cdc.Partition{Topic: topic, ID: 3}, 7, 12), other)
	assert.Equal(t, "_batches/cdc.public.tweets-3/x.json", intentKey(cdc.Partition{Topic: topic, ID: 3}, "x"))
}

func TestIntentRoundTripValidates(t *testing.T) {
	data, err := encodeIntent(&intent{BatchID: "b", Partition: part0, First: 1, Last: 4})
	require.NoError(t, err)
	in, err := decodeIntent(data)
	require.NoError(t, err)
	assert.Equal(t, int64(4), in.Last)

	_, err = decodeIntent([]byte(`{"batch_id":"b","first":5,"last":1}`))
	assert.Error(t, err)
	_, err = decodeIntent([]byte(`{`))
	assert.Error(t, err)
}

func TestBatchSizerObserve(t *testing.T) {
	bs := NewBatchSizer("p", 1000, 100, hclog.NewNullLogger(), WithMinBatchSize(10))
	assert.EqualValues(t, 100, bs.GetBatchSize())

	bs.Observe(10, 100) // 10 bytes per row, 12 with the buffer
	assert.EqualValues(t, 83, bs.GetBatchSize())
	assert.EqualValues(t, 10, bs.LastAvgRowSize())

	bs.Observe(10, 10000)
	assert.EqualValues(t, 10, bs.GetBatchSize())

	bs.Observe(1, 1)
	assert.EqualValues(t, 100, bs.GetBatchSize())

	// nothing observed, nothing changes
	bs.Observe(0, 0)
	assert.EqualValues(t, 100, bs.GetBatchSize())
}

func TestBatchSizerWithoutMargin(t *testing.T) {
	bs := NewBatchSizer("p", 1000, 100, hclog.NewNullLogger(), WithMinBatchSize(1), WithBufferFactor(0))
	bs.Observe(10, 400)
	assert.EqualValues(t, 25, bs.GetBatchSize())
}

func TestWorkerUsesConfiguredSizing(t *testing.T) {
	h := newHarness(t, 1)
	h.opts.Batch.MaxRecords = 100
	h.opts.Batch.TargetBytes = 1000
	h.opts.Batch.MinRecords = 7
	h.opts.Batch.SizeMargin = 0

	w := NewWorker(h.opts, part0)
	w.sizer.Observe(1, 10000)
	assert.EqualValues(t, 7, w.sizer.GetBatchSize())
	w.sizer.Observe(10, 200)
	assert.EqualValues(t, 50, w.sizer.GetBatchSize())
	assert.EqualValues(t, 20, w.sizer.LastAvgRowSize())
}

func TestBatchSizerMinClampedToMax(t *testing.T) {
	bs := NewBatchSizer("p", 10, 5, hclog.NewNullLogger())
	bs.Observe(1, 1000)
	assert.EqualValues(t, 5, bs.GetBatchSize())
}

func TestWorkerMaterializesChanges(t *testing.T) {
	h := newHarness(t, 1)
	h.append(part0, create(1, "hello"))
	h.append(part0, `{"op":"u","before":{"id":1,"text":"hello"},"after":{"id":1,"text":"edited"},"ts_ms":1760000000000}`)
	h.append(part0, `{"op":"d","before":{"id":1,"text":"edited"},"after":null,"ts_ms":1760000000000}`)
	h.append(part0, create(2, "second"))

	h.runUntil(t, part0, 3)

	assert.Equal(t, []string{
		"tweets/cdc.public.tweets-p0-00000000000000000000-00000000000000000002.jsonl",
		"tweets/cdc.public.tweets-p0-00000000000000000003-00000000000000000003.jsonl",
	}, h.keys(t, "tweets/"))

	rows := h.lakeRows(t)
	require.Len(t, rows, 4)
	var ops []string
	for i, row := range rows {
		ops = append(ops, row[lake.ColOp].(string))
		assert.EqualValues(t, i, row[lake.ColPosition])
	}
	assert.Equal(t, []string{"c", "u", "d", "c"}, ops)
	assert.Equal(t, "edited", rows[2]["text"])
	assert.Equal(t, true, rows[2][lake.ColDeleted])
	assert.Equal(t, "second", rows[3]["text"])

	assert.Empty(t, h.keys(t, "_staging/"))
	assert.Empty(t, h.keys(t, "_batches/"))
	assert.Empty(t, h.dlq.Records())
}

func TestWorkerDeadLettersAndTombstonesAdvance(t *testing.T) {
	h := newHarness(t, 1)
	h.append(part0, create(1, "a"))
	h.append(part0, `not json`)
	h.append(part0, "")
	h.append(part0, `{"op":"x","after":{"id":3}}`)

	h.runUntil(t, part0, 3)

	records := h.dlq.Records()
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Position)
	assert.Equal(t, []byte("not json"), records[0].Payload)
	assert.Equal(t, int64(3), records[1].Position)
	assert.Contains(t, records[1].Reason, "unrecognized operation")

	assert.Len(t, h.lakeRows(t), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.opts.Metrics.Tombstones.WithLabelValues(part0.String())))
}

func TestWorkerFlushesOnWindow(t *testing.T) {
	h := newHarness(t, 1)
	h.opts.Batch.MaxRecords = 1000
	h.opts.Batch.MaxWindow = 30 * time.Millisecond
	h.append(part0, create(1, "a"))

	h.runUntil(t, part0, 0)
	assert.Len(t, h.lakeRows(t), 1)
}

func TestWorkerCancelDiscardsOpenBatch(t *testing.T) {
	h := newHarness(t, 1)
	h.opts.Batch.MaxRecords = 1000
	h.opts.Batch.MaxWindow = time.Hour
	h.append(part0, create(1, "a"))
	h.append(part0, create(2, "b"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- NewWorker(h.opts, part0).Run(ctx) }()

	read := h.opts.Metrics.RecordsRead.WithLabelValues(part0.String())
	require.Eventually(t, func() bool { return testutil.ToFloat64(read) == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	assert.Equal(t, int64(-1), h.position(t, part0))
	assert.Empty(t, h.keys(t, ""))
}

func TestWorkerRestartDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, 1)
	for i := 1; i <= 3; i++ {
		h.append(part0, create(i, "x"))
	}
	h.runUntil(t, part0, 2)

	h.append(part0, create(4, "y"))
	h.runUntil(t, part0, 3)

	rows := h.lakeRows(t)
	require.Len(t, rows, 4)
	assert.EqualValues(t, 3, rows[3][lake.ColPosition])
}

func TestCheckpointFailureIsFatalAndRecoveryAdopts(t *testing.T) {
	h := newHarness(t, 1)
	for i := 1; i <= 3; i++ {
		h.append(part0, create(i, "x"))
	}

	h.cps.Fail = errors.New("checkpoint store down")
	err := NewWorker(h.opts, part0).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint store down")

	// published but not checkpointed
	published := h.keys(t, "tweets/")
	require.Len(t, published, 1)
	require.Len(t, h.keys(t, "_batches/"), 1)

	h.cps.Fail = nil
	h.runUntil(t, part0, 2)

	assert.Equal(t, published, h.keys(t, "tweets/"))
	assert.Len(t, h.lakeRows(t), 3)
	assert.Empty(t, h.keys(t, "_batches/"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.opts.Metrics.Recoveries.WithLabelValues(part0.String(), outcomeReused)))

	cp, err := h.cps.Load(context.Background(), part0)
	require.NoError(t, err)
	assert.Equal(t, BatchID(part0, 0, 2), cp.BatchID)
}

func TestDeadLetterFailureIsFatalAndReplayed(t *testing.T) {
	h := newHarness(t, 1)
	h.append(part0, create(1, "a"))
	h.append(part0, `garbage`)
	h.append(part0, create(3, "c"))

	h.dlq.Fail = errors.New("queue unavailable")
	err := NewWorker(h.opts, part0).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead-letter delivery")
	assert.Equal(t, int64(-1), h.position(t, part0))

	h.dlq.Fail = nil
	h.runUntil(t, part0, 2)

	require.Len(t, h.dlq.Records(), 1)
	assert.Equal(t, int64(1), h.dlq.Records()[0].Position)
	assert.Len(t, h.keys(t, "tweets/"), 1)
	assert.Len(t, h.lakeRows(t), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.opts.Metrics.Recoveries.WithLabelValues(part0.String(), outcomeReplayed)))
}

func TestRecoveryReplaysUnpublishedBatch(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		h.append(part0, create(i, "x"))
	}

	id := BatchID(part0, 0, 2)
	final := "tweets/" + id + ".jsonl"
	data, err := encodeIntent(&intent{
		BatchID:   id,
		Partition: part0,
		First:     0,
		Last:      2,
		Objects:   []intentObject{{Staging: "_staging/cdc.public.tweets-0/" + id + "/public.tweets/_all.jsonl", Final: final, Rows: 3}},
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, intentKey(part0, id), data))
	require.NoError(t, h.store.Put(ctx, "_staging/cdc.public.tweets-0/"+id+"/public.tweets/_all.jsonl", []byte("partial")))

	h.runUntil(t, part0, 2)

	assert.Equal(t, []string{final}, h.keys(t, "tweets/"))
	assert.Len(t, h.lakeRows(t), 3)
	assert.Empty(t, h.keys(t, "_staging/"))
	assert.Empty(t, h.keys(t, "_batches/"))
}

func TestRecoveryDropsStaleIntent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		h.append(part0, create(i, "x"))
	}
	h.runUntil(t, part0, 2)

	data, err := encodeIntent(&intent{BatchID: BatchID(part0, 0, 2), Partition: part0, First: 0, Last: 2})
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, intentKey(part0, BatchID(part0, 0, 2)), data))

	h.append(part0, create(4, "y"))
	h.runUntil(t, part0, 3)

	assert.Empty(t, h.keys(t, "_batches/"))
	assert.Len(t, h.lakeRows(t), 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.opts.Metrics.Recoveries.WithLabelValues(part0.String(), outcomeStale)))
}

func TestPipelineKeepsPartitionOrder(t *testing.T) {
	h := newHarness(t, 2)
	h.opts.Batch.TargetBytes = 1 << 20
	part1 := cdc.Partition{Topic: topic, ID: 1}
	for i := 1; i <= 5; i++ {
		h.append(part0, create(i, "p0"))
		h.append(part1, create(100+i, "p1"))
	}

	locks := locking.NewLockerFactory("local", "", "", "", hclog.NewNullLogger())
	p := NewPipeline(h.opts, []string{topic}, locks)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.position(t, part0) == 4 && h.position(t, part1) == 4
	}, 5*time.Second, 5*time.Millisecond)

	status := p.Status()
	require.Len(t, status, 2)
	assert.Equal(t, part0.String(), status[0].Partition)
	assert.Equal(t, int64(4), status[0].Position)
	assert.Positive(t, status[0].AvgRowBytes)

	cancel()
	assert.NoError(t, <-errc)

	last := map[string]float64{}
	for _, row := range h.lakeRows(t) {
		text := row["text"].(string)
		pos := row[lake.ColPosition].(float64)
		assert.Greater(t, pos, lastOr(last, text), "positions of %s out of order", text)
		last[text] = pos
		assert.Equal(t, strings.TrimPrefix(text, "p"), itoa(int(row[lake.ColPartition].(float64))))
	}
}

func lastOr(m map[string]float64, k string) float64 {
	if v, ok := m[k]; ok {
		return v
	}
	return -1
}

func TestPipelineWaitsForTopicToAppear(t *testing.T) {
	h := newHarness(t, 0)
	locks := locking.NewLockerFactory("local", "", "", "", hclog.NewNullLogger())
	p := NewPipeline(h.opts, []string{topic}, locks)
	p.topicPoll = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("pipeline exited before the topic existed: %v", err)
	default:
	}
	assert.Empty(t, p.Status())

	h.source.CreatePartitions(topic, 1)
	for i := 1; i <= 3; i++ {
		h.append(part0, create(i, "late"))
	}
	require.Eventually(t, func() bool { return h.position(t, part0) == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Len(t, p.Status(), 1)

	cancel()
	assert.NoError(t, <-errc)
	assert.Len(t, h.lakeRows(t), 3)
}

type brokenSource struct {
	*changelog.Memory
}

func (brokenSource) Partitions(context.Context, []string) ([]cdc.Partition, error) {
	return nil, errors.New("broker unreachable")
}

func TestPipelineFailsWhenPartitionsCannotBeListed(t *testing.T) {
	h := newHarness(t, 1)
	h.opts.Source = brokenSource{h.source}
	locks := locking.NewLockerFactory("local", "", "", "", hclog.NewNullLogger())
	p := NewPipeline(h.opts, []string{topic}, locks)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
	assert.NotErrorIs(t, err, cdc.ErrTopicNotFound)
}

func TestReplayFromSameCheckpointIsIdentical(t *testing.T) {
	h := newHarness(t, 1)
	h.append(part0, create(1, "a"))
	h.append(part0, `{"op":"u","before":{"id":1,"text":"a"},"after":{"id":1,"text":"b"},"ts_ms":1760000000000}`)
	h.append(part0, `{"op":"d","before":{"id":1,"text":"b"},"after":null,"ts_ms":1760000000000}`)
	h.runUntil(t, part0, 2)

	snapshot := func() map[string]string {
		out := map[string]string{}
		for _, key := range h.keys(t, "tweets/") {
			data, err := h.store.Get(context.Background(), key)
			require.NoError(t, err)
			out[key] = string(data)
		}
		return out
	}
	first := snapshot()

	// forget all progress and materialize the same range again
	h.cps = checkpoint.NewMemoryStore()
	h.opts.Checkpoints = h.cps
	h.runUntil(t, part0, 2)

	assert.Equal(t, first, snapshot())
}
