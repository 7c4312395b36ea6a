package materializer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-ingester-lake/internal/locking"
	"github.com/katasec/dstream-ingester-lake/internal/retry"
	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

const (
	defaultLockRetry = 15 * time.Second
	defaultTopicPoll = 10 * time.Second
)

// PartitionStatus is the externally visible progress of one partition
type PartitionStatus struct {
	Partition   string `json:"partition"`
	Position    int64  `json:"position"`
	BatchLimit  int32  `json:"batch_limit"`
	AvgRowBytes int32  `json:"avg_row_bytes"`
}

// Pipeline runs one worker per change log partition, each under a partition lock
type Pipeline struct {
	opts      Options
	topics    []string
	locks     *locking.LockerFactory
	lockRetry time.Duration
	topicPoll time.Duration
	log       hclog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

func NewPipeline(opts Options, topics []string, locks *locking.LockerFactory) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		opts:      opts,
		topics:    topics,
		locks:     locks,
		lockRetry: defaultLockRetry,
		topicPoll: defaultTopicPoll,
		log:       opts.Logger.Named("pipeline"),
		workers:   make(map[string]*Worker),
	}
}

// Run materializes every partition of the configured topics until ctx is cancelled
// or a worker fails. Topics that do not exist yet are watched until they appear.
// The first failure stops all workers and is returned; a shutdown requested through
// ctx returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if len(p.topics) == 0 {
		return errors.New("no topics configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range p.topics {
		topic := topic
		g.Go(func() error {
			return p.discover(gctx, g, topic)
		})
	}

	err := g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		p.log.Info("Pipeline stopped")
		return nil
	}
	return err
}

// discover waits for topic to exist, then starts one worker per partition in g.
func (p *Pipeline) discover(ctx context.Context, g *errgroup.Group, topic string) error {
	waiting := false
	for {
		var parts []cdc.Partition
		err := retry.Do(ctx, p.log, "list partitions of "+topic, p.opts.Retry, func(ctx context.Context) error {
			var err error
			parts, err = p.opts.Source.Partitions(ctx, []string{topic})
			if errors.Is(err, cdc.ErrTopicNotFound) {
				return retry.Permanent(err)
			}
			return err
		})
		if err == nil {
			p.log.Info("Starting workers", "topic", topic, "partitions", len(parts))
			for _, part := range parts {
				part := part
				g.Go(func() error {
					return p.runPartition(ctx, part)
				})
			}
			return nil
		}
		if !errors.Is(err, cdc.ErrTopicNotFound) {
			return fmt.Errorf("failed to list partitions of %s: %w", topic, err)
		}

		if !waiting {
			p.log.Info("Topic does not exist yet, waiting for its first change", "topic", topic, "interval", p.topicPoll)
			waiting = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.topicPoll):
		}
	}
}

func (p *Pipeline) runPartition(ctx context.Context, part cdc.Partition) error {
	log := p.log.With("partition", part.String())

	lockName := p.locks.GetLockName(part.Key())
	locker, err := p.locks.CreateLocker(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to create locker for %s: %w", part, err)
	}

	leaseID, err := p.acquire(ctx, locker, lockName, log)
	if err != nil {
		return err
	}
	log.Debug("Acquired lease", "leaseID", leaseID)

	renewCtx, stopRenewal := context.WithCancel(ctx)
	wctx, cancel := context.WithCancelCause(renewCtx)
	lost := locker.StartLockRenewal(renewCtx, lockName)
	go func() {
		if err, ok := <-lost; ok && err != nil {
			log.Error("Lost partition lock, stopping worker", "error", err)
			cancel(fmt.Errorf("lost lock %s: %w", lockName, err))
		}
	}()

	defer func() {
		stopRenewal()
		cancel(nil)
		releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer done()
		if err := locker.ReleaseLock(releaseCtx, lockName, leaseID); err != nil {
			log.Warn("Failed to release lock", "error", err)
		}
	}()

	w := NewWorker(p.opts, part)
	p.mu.Lock()
	p.workers[part.String()] = w
	p.mu.Unlock()

	err = w.Run(wctx)
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(wctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Worker failed", "error", err)
	}
	return err
}

// acquire waits until this process owns lockName
func (p *Pipeline) acquire(ctx context.Context, locker locking.DistributedLocker, lockName string, log hclog.Logger) (string, error) {
	for {
		leaseID, err := locker.AcquireLock(ctx, lockName)
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock %s: %w", lockName, err)
		}
		if leaseID != "" {
			return leaseID, nil
		}

		log.Info("Partition already locked, waiting", "lock", lockName, "retry", p.lockRetry)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.lockRetry):
		}
	}
}

// Status reports the progress of every partition owned by this process
func (p *Pipeline) Status() []PartitionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PartitionStatus, 0, len(p.workers))
	for name, w := range p.workers {
		out = append(out, PartitionStatus{
			Partition:   name,
			Position:    w.Position(),
			BatchLimit:  w.sizer.GetBatchSize(),
			AvgRowBytes: w.sizer.LastAvgRowSize(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}
