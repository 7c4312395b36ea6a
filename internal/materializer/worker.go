package materializer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/internal/envelope"
	"github.com/katasec/dstream-ingester-lake/internal/lake"
	"github.com/katasec/dstream-ingester-lake/internal/metrics"
	"github.com/katasec/dstream-ingester-lake/internal/retry"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

// Options are the collaborators shared by every partition worker
type Options struct {
	Batch       config.BatchConfig
	Source      cdc.ChangeLog
	Decoder     *envelope.Decoder
	Mappings    *lake.Mappings
	Writer      *lake.Writer
	Checkpoints cdc.CheckpointStore
	DeadLetters cdc.DeadLetterSink
	Metrics     *metrics.Metrics
	Retry       retry.Policy
	Logger      hclog.Logger

	// Clock defaults to time.Now
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultPolicy
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Batch.MaxRecords <= 0 {
		o.Batch.MaxRecords = 1000
	}
	if o.Batch.MaxWindow <= 0 {
		o.Batch.MaxWindow = 30 * time.Second
	}
	if o.Batch.PollTimeout <= 0 {
		o.Batch.PollTimeout = 500 * time.Millisecond
	}
	if o.Batch.CommitTimeout <= 0 {
		o.Batch.CommitTimeout = 2 * time.Minute
	}
}

// Worker materializes one change log partition. It is the only writer of that
// partition's staging area, intents and checkpoint.
type Worker struct {
	opts      Options
	partition cdc.Partition
	label     string
	sizer     *BatchSizer
	log       hclog.Logger

	position atomic.Int64
}

func NewWorker(opts Options, p cdc.Partition) *Worker {
	opts.setDefaults()
	log := opts.Logger.Named("worker").With("partition", p.String())
	sizer := NewBatchSizer(p.String(), opts.Batch.TargetBytes, opts.Batch.MaxRecords, log,
		WithMinBatchSize(opts.Batch.MinRecords),
		WithBufferFactor(opts.Batch.SizeMargin),
	)
	w := &Worker{
		opts:      opts,
		partition: p,
		label:     p.String(),
		sizer:     sizer,
		log:       log,
	}
	w.position.Store(-1)
	return w
}

// Position returns the last checkpointed position, or -1 before the first one.
func (w *Worker) Position() int64 {
	return w.position.Load()
}

// Run recovers the partition and then materializes it until ctx ends. A cancelled
// run returns ctx.Err(); any batch already in its commit phase finishes first.
func (w *Worker) Run(ctx context.Context) error {
	cp, err := w.opts.Checkpoints.Load(ctx, w.partition)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %s: %w", w.partition, err)
	}
	last := int64(-1)
	if cp != nil {
		last = cp.Position
	}
	w.position.Store(last)
	w.log.Info("Loaded checkpoint", "position", last)

	last, err = w.recover(ctx, last)
	if err != nil {
		return err
	}

	reader, err := w.opts.Source.Open(ctx, w.partition, nextPosition(last))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.partition, err)
	}
	defer reader.Close()

	w.log.Info("Materializing partition", "from", nextPosition(last))
	for {
		b, err := w.collect(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("Stopping, discarding uncommitted batch")
			}
			return err
		}
		if err := w.commit(ctx, b, false); err != nil {
			return err
		}
	}
}

func nextPosition(last int64) int64 {
	if last < 0 {
		return -1
	}
	return last + 1
}

// collect reads until the batch holds the current record limit or the window that
// opened with its first record has elapsed.
func (w *Worker) collect(ctx context.Context, reader cdc.LogReader) (*Batch, error) {
	limit := int(w.sizer.GetBatchSize())
	w.opts.Metrics.BatchLimit.WithLabelValues(w.label).Set(float64(limit))

	b := newBatch(w.partition)
	var deadline time.Time
	for b.Records < limit {
		timeout := w.opts.Batch.PollTimeout
		if !b.Empty() {
			remaining := deadline.Sub(w.opts.Clock())
			if remaining <= 0 {
				break
			}
			if remaining < timeout {
				timeout = remaining
			}
		}

		msg, err := reader.Poll(ctx, timeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", w.partition, err)
		}
		if msg == nil {
			continue
		}
		if b.Empty() {
			deadline = w.opts.Clock().Add(w.opts.Batch.MaxWindow)
		}
		w.add(b, msg)
	}
	return b, nil
}

func (w *Worker) add(b *Batch, msg *cdc.Message) {
	b.track(msg.Position, w.opts.Clock())
	w.opts.Metrics.RecordsRead.WithLabelValues(w.label).Inc()

	evt, err := w.opts.Decoder.Decode(msg)
	var de *envelope.DecodeError
	switch {
	case err == nil:
		b.Events = append(b.Events, evt)
	case errors.Is(err, envelope.ErrTombstone):
		b.Tombstones++
	case errors.As(err, &de):
		w.log.Warn("Undecodable record, dead-lettering", "position", msg.Position, "reason", de.Reason)
		b.DeadLetters = append(b.DeadLetters, de.DeadLetter(w.opts.Clock()))
	default:
		w.log.Warn("Undecodable record, dead-lettering", "position", msg.Position, "error", err)
		b.DeadLetters = append(b.DeadLetters, cdc.DeadLetter{
			Partition: msg.Partition,
			Position:  msg.Position,
			Key:       msg.Key,
			Payload:   msg.Value,
			Reason:    err.Error(),
			FailedAt:  w.opts.Clock(),
		})
	}
}

// plan splits the batch into one file per (source table, partition value), in a
// stable order, keeping position order inside each file.
func (w *Worker) plan(b *Batch) ([]*file, error) {
	id := b.ID()
	ext := w.opts.Writer.Extension()

	byKey := make(map[string]*file)
	var order []string
	for _, evt := range b.Events {
		m, ok := w.opts.Mappings.Get(evt.SourceTable)
		if !ok {
			return nil, fmt.Errorf("no table mapping for %s", evt.SourceTable)
		}
		pv := m.PartitionValue(evt)
		k := evt.SourceTable + "\x00" + pv
		f, ok := byKey[k]
		if !ok {
			name := pv
			if name == "" {
				name = "_all"
			}
			f = &file{
				source:         evt.SourceTable,
				target:         m.Target,
				partitionValue: pv,
				finalKey:       m.ObjectKey(pv, id, ext),
				stagingKey:     path.Join(stagingPrefix(b.Partition), id, evt.SourceTable, name) + ext,
			}
			byKey[k] = f
			order = append(order, k)
		}
		f.events = append(f.events, evt)
	}

	sort.Strings(order)
	files := make([]*file, len(order))
	for i, k := range order {
		files[i] = byKey[k]
	}
	return files, nil
}

// commit makes the batch visible and then advances the checkpoint: stage every file,
// record the intent, publish, deliver dead letters, checkpoint, drop the intent.
// It runs detached from ctx cancellation, bounded by the commit timeout. With reuse
// set, files whose final object already exists are kept as they are.
func (w *Worker) commit(parent context.Context, b *Batch, reuse bool) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.opts.Batch.CommitTimeout)
	defer cancel()

	id := b.ID()
	store := w.opts.Writer.Store()
	files, err := w.plan(b)
	if err != nil {
		return err
	}

	in := &intent{
		BatchID:     id,
		Partition:   b.Partition,
		First:       b.First,
		Last:        b.Last,
		DeadLetters: len(b.DeadLetters),
		CreatedAt:   w.opts.Clock().UTC(),
	}
	staged := make([]lake.StagedObject, len(files))
	for i, f := range files {
		if reuse {
			var exists bool
			err := retry.Do(ctx, w.log, "check "+f.finalKey, w.opts.Retry, func(ctx context.Context) error {
				var err error
				exists, err = store.Exists(ctx, f.finalKey)
				return err
			})
			if err != nil {
				return err
			}
			if exists {
				w.log.Info("Reusing published object", "batch", id, "key", f.finalKey)
				in.Objects = append(in.Objects, intentObject{Final: f.finalKey, Rows: len(f.events)})
				continue
			}
		}

		rows := make([]cdc.Row, len(f.events))
		for j, evt := range f.events {
			rows[j] = lake.RowFromEvent(evt)
		}
		err := retry.Do(ctx, w.log, "stage "+f.stagingKey, w.opts.Retry, func(ctx context.Context) error {
			var err error
			staged[i], err = w.opts.Writer.WriteBatch(ctx, f.stagingKey, rows)
			return err
		})
		if err != nil {
			return err
		}
		in.Objects = append(in.Objects, intentObject{Staging: f.stagingKey, Final: f.finalKey, Rows: len(rows)})
	}

	data, err := encodeIntent(in)
	if err != nil {
		return fmt.Errorf("failed to encode batch intent: %w", err)
	}
	ikey := intentKey(b.Partition, id)
	if err := retry.Do(ctx, w.log, "write intent "+ikey, w.opts.Retry, func(ctx context.Context) error {
		return store.Put(ctx, ikey, data)
	}); err != nil {
		return err
	}

	var bytesWritten int64
	var rowsWritten int
	for i, f := range files {
		if staged[i].Key == "" {
			continue
		}
		if err := retry.Do(ctx, w.log, "publish "+f.finalKey, w.opts.Retry, func(ctx context.Context) error {
			_, err := w.opts.Writer.Publish(ctx, staged[i], f.finalKey)
			return err
		}); err != nil {
			return err
		}
		bytesWritten += int64(staged[i].Bytes)
		rowsWritten += staged[i].Rows
		w.opts.Metrics.BytesWritten.WithLabelValues(f.target).Add(float64(staged[i].Bytes))
		for _, evt := range f.events {
			w.opts.Metrics.EventsMaterialized.WithLabelValues(f.target, string(evt.Operation)).Inc()
		}
	}

	if len(b.DeadLetters) > 0 {
		if err := retry.Do(ctx, w.log, "send dead letters", w.opts.Retry, func(ctx context.Context) error {
			return w.opts.DeadLetters.Send(ctx, b.DeadLetters)
		}); err != nil {
			return fmt.Errorf("dead-letter delivery for %s failed: %w", w.partition, err)
		}
		w.opts.Metrics.DeadLetters.WithLabelValues(w.label).Add(float64(len(b.DeadLetters)))
	}

	cp := cdc.Checkpoint{Position: b.Last, BatchID: id, UpdatedAt: w.opts.Clock().UTC()}
	if err := w.opts.Checkpoints.Advance(ctx, b.Partition, cp); err != nil {
		return fmt.Errorf("failed to advance checkpoint for %s: %w", w.partition, err)
	}
	w.position.Store(b.Last)

	if err := store.Delete(ctx, ikey); err != nil {
		w.log.Warn("Failed to delete batch intent", "key", ikey, "error", err)
	}

	w.sizer.Observe(rowsWritten, bytesWritten)
	w.opts.Metrics.BatchesCommitted.WithLabelValues(w.label).Inc()
	w.opts.Metrics.BatchRecords.WithLabelValues(w.label).Observe(float64(b.Records))
	w.opts.Metrics.CommitDuration.WithLabelValues(w.label).Observe(time.Since(start).Seconds())
	w.opts.Metrics.CheckpointPosition.WithLabelValues(w.label).Set(float64(b.Last))
	if b.Tombstones > 0 {
		w.opts.Metrics.Tombstones.WithLabelValues(w.label).Add(float64(b.Tombstones))
	}

	w.log.Info("Committed batch",
		"batch", id,
		"records", b.Records,
		"events", len(b.Events),
		"files", len(files),
		"deadLetters", len(b.DeadLetters),
		"window", w.opts.Clock().Sub(b.started),
		"duration", time.Since(start))
	return nil
}
