// Package planner splits a page range across a bounded number of workers.
package planner

import (
	"fmt"

	"github.com/JakeFAU/serialfetch/internal/serial"
)

// Plan partitions [1, totalPages] into contiguous ranges, one per worker.
// The worker count is min(ceil(totalPages/pagesPerWorker), maxWorkers); the
// first totalPages%workers ranges receive one extra page so sizes never
// differ by more than one.
func Plan(totalPages, pagesPerWorker, maxWorkers int) ([]serial.WorkerAssignment, error) {
	if totalPages < 1 || pagesPerWorker < 1 || maxWorkers < 1 {
		return nil, fmt.Errorf(
			"plan: invalid input total=%d per_worker=%d max_workers=%d",
			totalPages, pagesPerWorker, maxWorkers,
		)
	}

	workers := (totalPages + pagesPerWorker - 1) / pagesPerWorker
	if workers > maxWorkers {
		workers = maxWorkers
	}
	base := totalPages / workers
	remainder := totalPages % workers

	plan := make([]serial.WorkerAssignment, 0, workers)
	next := 1
	for i := 0; i < workers; i++ {
		size := base
		if i < remainder {
			size++
		}
		plan = append(plan, serial.WorkerAssignment{Start: next, End: next + size - 1})
		next += size
	}
	return plan, nil
}

// Summarize renders a plan in the form reported in fetch statistics.
func Summarize(plan []serial.WorkerAssignment) []serial.AssignmentSummary {
	out := make([]serial.AssignmentSummary, 0, len(plan))
	for i, a := range plan {
		out = append(out, serial.AssignmentSummary{
			Worker: i,
			Pages:  fmt.Sprintf("%d-%d", a.Start, a.End),
			Count:  a.Size(),
		})
	}
	return out
}
