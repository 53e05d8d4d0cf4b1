package turnscheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/convoke-run/convoke/pkg/executor"
	"github.com/convoke-run/convoke/pkg/runstore"
)

// Config tunes the worker pool.
type Config struct {
	WorkerCount        int
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Pool claims and executes queued runs across a fixed number of worker
// goroutines, grounded on the teacher's WorkerPool/Worker split: a pool
// owns lifecycle, each worker owns its own poll loop.
type Pool struct {
	store    *runstore.Store
	executor *executor.Executor
	cfg      Config
	wake     <-chan string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a Pool. wake is the Scheduler's Kick channel -- a
// worker blocked on its poll interval wakes early when a conversation
// id arrives on it.
func NewPool(store *runstore.Store, exec *executor.Executor, wake <-chan string, cfg Config) *Pool {
	return &Pool{
		store:    store,
		executor: exec,
		cfg:      cfg.withDefaults(),
		wake:     wake,
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.run(ctx, id)
	}
}

// Stop signals every worker to stop and waits for in-flight runs to
// finish executing before returning.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := slog.With("worker_id", workerID)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		run, err := p.store.ClaimNext(ctx, workerID)
		if err != nil {
			if errors.Is(err, runstore.ErrNotClaimable) {
				p.sleep(p.pollInterval())
				continue
			}
			log.Error("failed to claim next run", "error", err)
			p.sleep(time.Second)
			continue
		}

		log.Info("run claimed", "run_id", run.ID, "conversation_id", run.ConversationID)
		p.executor.Execute(ctx, run)
	}
}

// sleep waits for the poll interval, a stop signal, or a kick --
// whichever comes first.
func (p *Pool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopCh:
	case <-timer.C:
	case <-p.wake:
	}
}

// pollInterval adds jitter so a pool of idle workers doesn't hammer
// the claim query in lockstep.
func (p *Pool) pollInterval() time.Duration {
	base := p.cfg.PollInterval
	jitter := p.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
