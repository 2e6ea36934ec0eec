// ============================================================================
// psotune Worker - Training Step Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Executes simulated training steps, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the step function (with timeout control)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ step(ctx, task)         │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   Each task gets its own context.WithTimeout. Step functions must watch
//   ctx.Done(); a timed out step reports context.DeadlineExceeded.
//
// Error Handling:
//   Step errors and panics are encapsulated in Result, the Worker keeps running.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	step     StepFunc      // Training step implementation
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, step StepFunc, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		step:     step,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// Pool is stopping and nobody reads results anymore
			log.Debug("Dropping result of stopped pool", "worker", w.id, "trial", task.TrialID)
		}
	}
}

// execute runs one step with its own timeout context
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{TrialID: task.TrialID, Iteration: task.Iteration}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("step panicked: %v", r)
			result.Duration = time.Since(start)
			log.Error("Worker recovered from panic", "worker", w.id, "trial", task.TrialID, "panic", r)
		}
	}()

	model, score, err := w.step(ctx, task)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		log.Debug("Training step failed", "worker", w.id, "trial", task.TrialID, "error", err)
		return result
	}

	result.Success = true
	result.Model = model
	result.Score = score
	return result
}
