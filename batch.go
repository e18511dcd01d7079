package apkpack

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrDuplicateDestination is returned for a batch job whose destination an
// earlier job in the same batch already claimed.
var ErrDuplicateDestination = errors.New("apkpack: duplicate destination")

// Job names one archive to run through the pipeline.
type Job struct {
	Source      string
	Destination string
}

// JobResult is the outcome of one Job.
type JobResult struct {
	Job    Job
	Result *Result
	Err    error
}

// ExitCode returns the process exit status for the job.
func (r JobResult) ExitCode() int {
	return ExitCode(r.Err)
}

// Batch runs jobs concurrently, at most the configured concurrency at once.
// Jobs share no state and a failing job does not stop the others. Results
// are returned in job order.
func (p *Pipeline) Batch(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	seen := make(map[string]int, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, job := range jobs {
		results[i].Job = job
		if first, ok := seen[job.Destination]; ok {
			results[i].Err = fmt.Errorf("%w: %s also written by job %d", ErrDuplicateDestination, job.Destination, first)
			continue
		}
		seen[job.Destination] = i

		g.Go(func() error {
			res, err := p.Run(ctx, job.Source, job.Destination)
			results[i].Result = res
			results[i].Err = err
			if err != nil {
				p.log().Warn("job failed", "source", job.Source, "destination", job.Destination, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // jobs report through results

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	p.log().Info("batch complete", "jobs", len(jobs), "failed", failed)
	return results
}

// Failed returns the results that carry an error.
func Failed(results []JobResult) []JobResult {
	var out []JobResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
