package materializer

import (
	"context"
	"fmt"

	"github.com/katasec/dstream-ingester-lake/internal/retry"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const (
	outcomeStale    = "stale"
	outcomeReused   = "reused"
	outcomeReplayed = "replayed"
)

// recover brings the partition back to a state where every position up to the
// returned one is both visible in the lake and checkpointed. Staged objects never
// became visible and are discarded. Each open intent beyond the checkpoint is
// either adopted, when all of its files were published, or rebuilt from the log
// under the same batch ID.
func (w *Worker) recover(ctx context.Context, last int64) (int64, error) {
	store := w.opts.Writer.Store()

	var staged []string
	if err := retry.Do(ctx, w.log, "list staging", w.opts.Retry, func(ctx context.Context) error {
		var err error
		staged, err = store.List(ctx, stagingPrefix(w.partition))
		return err
	}); err != nil {
		return last, err
	}
	for _, key := range staged {
		if err := store.Delete(ctx, key); err != nil {
			return last, fmt.Errorf("failed to discard staged object %s: %w", key, err)
		}
	}
	if len(staged) > 0 {
		w.log.Info("Discarded staged objects", "count", len(staged))
	}

	var keys []string
	if err := retry.Do(ctx, w.log, "list intents", w.opts.Retry, func(ctx context.Context) error {
		var err error
		keys, err = store.List(ctx, intentPrefix(w.partition))
		return err
	}); err != nil {
		return last, err
	}

	var intents []*intent
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		if err != nil {
			return last, fmt.Errorf("failed to read batch intent %s: %w", key, err)
		}
		in, err := decodeIntent(data)
		if err != nil {
			return last, fmt.Errorf("batch intent %s: %w", key, err)
		}
		intents = append(intents, in)
	}
	sortIntents(intents)

	for _, in := range intents {
		key := intentKey(w.partition, in.BatchID)
		if in.Last <= last {
			w.log.Debug("Dropping intent of checkpointed batch", "batch", in.BatchID)
			if err := store.Delete(ctx, key); err != nil {
				w.log.Warn("Failed to delete batch intent", "key", key, "error", err)
			}
			w.opts.Metrics.Recoveries.WithLabelValues(w.label, outcomeStale).Inc()
			continue
		}

		var err error
		last, err = w.resolve(ctx, in, last)
		if err != nil {
			return last, fmt.Errorf("failed to recover batch %s: %w", in.BatchID, err)
		}
	}
	return last, nil
}

func (w *Worker) resolve(ctx context.Context, in *intent, last int64) (int64, error) {
	store := w.opts.Writer.Store()

	// Dead letters leave no trace in the lake, so a batch that had any is always rebuilt.
	if in.DeadLetters == 0 {
		published := true
		for _, obj := range in.Objects {
			ok, err := store.Exists(ctx, obj.Final)
			if err != nil {
				return last, err
			}
			if !ok {
				published = false
				break
			}
		}
		if published {
			cp := cdc.Checkpoint{Position: in.Last, BatchID: in.BatchID, UpdatedAt: w.opts.Clock().UTC()}
			if err := w.opts.Checkpoints.Advance(ctx, w.partition, cp); err != nil {
				return last, fmt.Errorf("failed to advance checkpoint for %s: %w", w.partition, err)
			}
			w.position.Store(in.Last)
			key := intentKey(w.partition, in.BatchID)
			if err := store.Delete(ctx, key); err != nil {
				w.log.Warn("Failed to delete batch intent", "key", key, "error", err)
			}
			w.opts.Metrics.Recoveries.WithLabelValues(w.label, outcomeReused).Inc()
			w.opts.Metrics.CheckpointPosition.WithLabelValues(w.label).Set(float64(in.Last))
			w.log.Info("Adopted published batch", "batch", in.BatchID, "position", in.Last)
			return in.Last, nil
		}
	}

	b, err := w.reread(ctx, nextPosition(last), in.Last)
	if err != nil {
		return last, err
	}
	b.id = in.BatchID
	w.log.Info("Replaying batch", "batch", in.BatchID, "first", b.First, "last", b.Last)
	if err := w.commit(ctx, b, true); err != nil {
		return last, err
	}
	w.opts.Metrics.Recoveries.WithLabelValues(w.label, outcomeReplayed).Inc()
	return in.Last, nil
}

// reread rebuilds the batch ending at last from the log. It gives up once the log
// has been silent for the commit timeout.
func (w *Worker) reread(ctx context.Context, from, last int64) (*Batch, error) {
	reader, err := w.opts.Source.Open(ctx, w.partition, from)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", w.partition, err)
	}
	defer reader.Close()

	b := newBatch(w.partition)
	var idle int64
	for b.Empty() || b.Last < last {
		msg, err := reader.Poll(ctx, w.opts.Batch.PollTimeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", w.partition, err)
		}
		if msg == nil {
			idle += int64(w.opts.Batch.PollTimeout)
			if idle >= int64(w.opts.Batch.CommitTimeout) {
				return nil, fmt.Errorf("positions up to %d of %s are no longer readable", last, w.partition)
			}
			continue
		}
		idle = 0
		if msg.Position > last {
			break
		}
		w.add(b, msg)
	}
	if b.Empty() {
		return nil, fmt.Errorf("no records left in %s up to %d", w.partition, last)
	}
	b.Last = last
	return b, nil
}
