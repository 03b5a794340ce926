package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
)

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
	// Epochs bounds the number of passes over every shard. Zero streams
	// forever.
	Epochs int
	// NoShuffle keeps each root's shards in lexical order.
	NoShuffle bool
}

// StartSampler launches the multi-root sampler pipeline. Shards are read by
// a pool of workers, but samples are emitted in a deterministic order for a
// given seed. Both channels are closed once the last epoch is drained or ctx
// is cancelled.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	if CountShards(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.Epochs < 0 {
		return nil, nil, errors.New("sampler: epochs must be >= 0")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	var rng *rand.Rand
	if !opts.NoShuffle {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	go produceJobs(ctx, jobs, opts.Roots, rng, opts.Epochs)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.PendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// runAggregator forwards shard streams strictly in job order, buffering
// cursors that arrive early.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case c, open := <-cursors:
				if !open {
					return
				}
				pending[c.id] = c
			}
			continue
		}

		if !drain(ctx, cursor, out) {
			return
		}
		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func drain(ctx context.Context, cursor shardCursor, out chan<- Sample) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sample, ok := <-cursor.samples:
			if !ok {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- sample:
			}
		}
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand, epochs int) {
	defer close(jobs)
	var jobID int64
	for epoch := 0; epochs == 0 || epoch < epochs; epoch++ {
		for _, entry := range buildRoundRobinOrder(roots, rng) {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: jobID, root: entry.root, path: entry.path}:
				jobID++
			}
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder interleaves the roots (sorted by name) one shard at a
// time. A nil rng keeps each root's shards in their given order.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			s := copied[root]
			rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}
