// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package ciwait blocks until the CI pipeline for a (branch, commit) pair reaches a terminal
// state, and classifies the outcome. A pipeline is accepted as authoritative only if both its ref
// and its SHA match what the caller pushed: anything else belongs to some other push.
package ciwait

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sergebot/serge/gitlabutil"
)

// Outcome is the terminal classification of a CI wait.
type Outcome int

const (
	// OK: a matching pipeline succeeded.
	OK Outcome = iota
	// Failed: a matching pipeline failed, was canceled, was skipped, or (under ManualFails) is
	// blocked on a manual job. Reason carries the detail.
	Failed
	// Timeout: no matching pipeline reached a terminal state before the deadline.
	Timeout
	// Superseded: the MR's head moved to a different SHA while waiting. The result no longer
	// matters; the caller must refetch and start over.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Failed:
		return "failed"
	case Timeout:
		return "timeout"
	case Superseded:
		return "superseded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ManualPolicy decides what to do when the only pipeline for the commit is blocked on a manual
// job. The service reports such pipelines with a non-terminal "manual" status, so without a
// policy the bot would wait out its whole CI budget on a pipeline no one intends to click.
type ManualPolicy int

const (
	// ManualFails treats a blocked manual pipeline as a CI failure.
	ManualFails ManualPolicy = iota
	// ManualWaits keeps polling until someone runs the manual job or the deadline passes.
	ManualWaits
)

// Result is the classified end state of one wait.
type Result struct {
	Outcome Outcome
	// Reason is a human-readable explanation for Failed and Timeout outcomes, suitable for an MR
	// comment.
	Reason string
	// Pipeline is the authoritative pipeline, when one was found.
	Pipeline gitlabutil.Pipeline
}

// Waiter polls the service for pipeline status.
type Waiter struct {
	API gitlabutil.API
	// PollInterval is clamped to [1s, 10s].
	PollInterval time.Duration
	// Timeout is the per-MR wall clock budget for CI.
	Timeout      time.Duration
	ManualPolicy ManualPolicy
}

// Wait polls until the pipeline for sha on branch terminates, the MR head moves, or the deadline
// passes. Returns an error only for non-transient API failures or caller cancellation; everything
// else is expressed in the Result.
func (w *Waiter) Wait(ctx context.Context, projectID, iid int, branch, sha string) (Result, error) {
	return w.wait(ctx, projectID, iid, branch, sha)
}

// WaitBranch is Wait for a branch that is not an MR's source branch (a batch integration branch):
// there is no MR head to supersede, so only pipeline state ends the wait.
func (w *Waiter) WaitBranch(ctx context.Context, projectID int, branch, sha string) (Result, error) {
	return w.wait(ctx, projectID, 0, branch, sha)
}

func (w *Waiter) wait(ctx context.Context, projectID, iid int, branch, sha string) (Result, error) {
	interval := w.PollInterval
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	deadline := time.Now().Add(w.Timeout)

	log.Printf("Waiting for CI on %v (branch %v), polling every %v, deadline %v...\n",
		shortSHA(sha), branch, interval, w.Timeout)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		result, done, err := w.check(ctx, projectID, iid, branch, sha)
		if err != nil {
			if !gitlabutil.IsTransient(err) {
				return Result{}, err
			}
			log.Printf("Transient error while polling CI, will retry: %v\n", err)
		} else if done {
			return result, nil
		}

		if time.Now().After(deadline) {
			return Result{
				Outcome: Timeout,
				Reason:  fmt.Sprintf("CI did not finish on %v within %v", shortSHA(sha), w.Timeout),
			}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
}

// check performs one poll round. done is false when nothing conclusive happened yet. iid zero
// disables the supersession check.
func (w *Waiter) check(ctx context.Context, projectID, iid int, branch, sha string) (Result, bool, error) {
	if iid != 0 {
		mr, err := w.API.GetMergeRequest(ctx, projectID, iid)
		if err != nil {
			return Result{}, false, err
		}
		if mr.SHA != sha {
			return Result{
				Outcome: Superseded,
				Reason:  fmt.Sprintf("head moved from %v to %v while waiting", shortSHA(sha), shortSHA(mr.SHA)),
			}, true, nil
		}
	}

	pipelines, err := w.API.PipelinesForSHA(ctx, projectID, sha)
	if err != nil {
		return Result{}, false, err
	}
	pipeline, found := authoritative(pipelines, branch, sha)
	if !found {
		return Result{}, false, nil
	}

	switch pipeline.Status {
	case gitlabutil.PipelineSuccess:
		return Result{Outcome: OK, Pipeline: pipeline}, true, nil
	case gitlabutil.PipelineFailed:
		return Result{
			Outcome:  Failed,
			Reason:   fmt.Sprintf("CI failed on %v", shortSHA(sha)),
			Pipeline: pipeline,
		}, true, nil
	case gitlabutil.PipelineCanceled:
		return Result{
			Outcome:  Failed,
			Reason:   fmt.Sprintf("CI was canceled on %v", shortSHA(sha)),
			Pipeline: pipeline,
		}, true, nil
	case gitlabutil.PipelineSkipped:
		return Result{
			Outcome:  Failed,
			Reason:   fmt.Sprintf("CI was skipped on %v", shortSHA(sha)),
			Pipeline: pipeline,
		}, true, nil
	case gitlabutil.PipelineManual:
		if w.ManualPolicy == ManualFails {
			return Result{
				Outcome:  Failed,
				Reason:   fmt.Sprintf("CI is blocked on a manual job on %v", shortSHA(sha)),
				Pipeline: pipeline,
			}, true, nil
		}
		return Result{}, false, nil
	}
	// created / pending / running: keep polling.
	return Result{}, false, nil
}

// authoritative picks the pipeline that proves anything about our push: ref and SHA both match.
// The service returns pipelines newest first, and only the newest matching one counts.
func authoritative(pipelines []gitlabutil.Pipeline, branch, sha string) (gitlabutil.Pipeline, bool) {
	for _, p := range pipelines {
		if p.Ref == branch && p.SHA == sha {
			return p, true
		}
	}
	return gitlabutil.Pipeline{}, false
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
