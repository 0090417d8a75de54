package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/extscan/extscan/internal/analysis"
)

// Analyzer drives one full remote analysis sequence for one extension
// version and returns the result plus the number of transient retries
// consumed.
type Analyzer interface {
	Analyze(ctx context.Context, publisher, name, version string) (*analysis.Result, int, error)
}

// job is a single cache-miss to analyze, tagged with its position in
// the original input so the report can be rebuilt in input order.
type job struct {
	index int
	ref   ExtensionRef
}

// indexedOutcome is a worker's result plus its input position and the
// retries it consumed.
type indexedOutcome struct {
	index   int
	outcome Outcome
	retries int
}

// workerPool manages concurrent analysis sequences across a fixed
// number of workers. Workers share only the jobs channel and the
// results channel; all per-sequence state is worker-local.
type workerPool struct {
	workers int
	jobs    chan job
	results chan indexedOutcome
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// newWorkerPool creates a pool with the given number of workers. Both
// channels are sized to the full queue so neither submission nor
// result delivery can block the other side.
func newWorkerPool(workers, queueLen int, logger *slog.Logger) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	return &workerPool{
		workers: workers,
		jobs:    make(chan job, queueLen),
		results: make(chan indexedOutcome, queueLen),
		logger:  logger,
	}
}

// submit adds a job to the queue. The queue is pre-sized, so this
// never blocks.
func (p *workerPool) submit(j job) {
	p.jobs <- j
}

// seal signals that no more jobs will be submitted.
func (p *workerPool) seal() {
	close(p.jobs)
}

// start launches all worker goroutines and a closer that shuts the
// results channel once every worker has joined.
func (p *workerPool) start(ctx context.Context, analyzer Analyzer) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, analyzer)
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
}

// worker is the main loop for a single worker goroutine. Each job is
// one full submit/poll/fetch sequence; a failure is delivered as a
// tagged outcome and never aborts sibling jobs.
func (p *workerPool) worker(ctx context.Context, analyzer Analyzer) {
	defer p.wg.Done()

	for j := range p.jobs {
		p.results <- p.runJob(ctx, analyzer, j)
	}
}

// runJob executes one job, recovering from panics so one bad sequence
// does not crash the pool.
func (p *workerPool) runJob(ctx context.Context, analyzer Analyzer, j job) (out indexedOutcome) {
	out = indexedOutcome{index: j.index, outcome: Outcome{Ref: j.ref}}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic",
				"extension", j.ref.String(),
				"panic", fmt.Sprintf("%v", r),
			)
			out.outcome.Result = nil
			out.outcome.Err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	// A cancelled scan stops dispatching work at the next pull;
	// the outcome still reports the extension that was skipped.
	if err := ctx.Err(); err != nil {
		out.outcome.Err = err
		return out
	}

	result, retries, err := analyzer.Analyze(ctx, j.ref.Publisher, j.ref.Name, j.ref.Version)
	out.retries = retries
	if err != nil {
		out.outcome.Err = err
		return out
	}
	out.outcome.Result = result
	return out
}
