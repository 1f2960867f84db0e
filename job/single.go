// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sergebot/serge/ciwait"
	"github.com/sergebot/serge/commitmsg"
	"github.com/sergebot/serge/gitcmd"
	"github.com/sergebot/serge/gitlabutil"
)

// state enumerates the single merge job's state machine. Each state has a transition function
// returning the next state; terminal conditions are expressed as errors (or nil for done), not as
// control flow exceptions.
type state int

const (
	stateRefetch state = iota
	stateValidate
	stateUpdate
	statePush
	stateAwaitCI
	stateAccept
	stateDone
)

func (s state) String() string {
	switch s {
	case stateRefetch:
		return "REFETCH"
	case stateValidate:
		return "VALIDATE"
	case stateUpdate:
		return "UPDATE"
	case statePush:
		return "PUSH"
	case stateAwaitCI:
		return "AWAIT_CI"
	case stateAccept:
		return "ACCEPT"
	case stateDone:
		return "DONE"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SingleJob drives one merge request end to end: refetch, validate, fuse, push, wait for CI,
// accept.
type SingleJob struct {
	*Job
	MR gitlabutil.MergeRequest

	mr       gitlabutil.MergeRequest
	snapshot *approvalsSnapshot
	fusion   fusionResult
	// testedSHA is the head SHA the CI waiter returned ok for. The accept call is made with
	// exactly this SHA; the service rejects it if the head moved (I1).
	testedSHA string
	// retries counts how many times each retrying edge fired.
	retries map[state]int
	lastErr error
}

// Execute runs the state machine to completion. A nil return means the MR was merged. A
// CannotMergeError means the MR was noted and unassigned; other errors are run-level problems
// (canceled context, persistent API failure).
func (s *SingleJob) Execute(ctx context.Context) error {
	s.retries = make(map[state]int)
	current := stateRefetch
	log.Printf("=== Merging %v\n", s.MR.WebURL)

	for {
		next, err := s.step(ctx, current)
		if err != nil {
			var cm *CannotMergeError
			if errors.As(err, &cm) {
				s.commentAndUnassign(ctx, s.mrOrInput(), "I couldn't merge this branch: "+cm.Reason)
				return err
			}
			return err
		}
		if next == stateDone {
			log.Printf("=== Merged %v\n", s.MR.WebURL)
			return nil
		}
		// A backwards edge is a retry; bound each one.
		if next <= current {
			s.retries[next]++
			if s.retries[next] > maxStateRetries {
				err := cannotMerge("gave up after %v attempts; last problem: %v", maxStateRetries, s.lastErr)
				s.commentAndUnassign(ctx, s.mrOrInput(), "I couldn't merge this branch: "+err.(*CannotMergeError).Reason)
				return err
			}
		}
		log.Printf("--- %v -> %v\n", current, next)
		current = next
	}
}

func (s *SingleJob) mrOrInput() gitlabutil.MergeRequest {
	if s.mr.IID != 0 {
		return s.mr
	}
	return s.MR
}

// step runs one state's transition function.
func (s *SingleJob) step(ctx context.Context, current state) (state, error) {
	switch current {
	case stateRefetch:
		return s.refetch(ctx)
	case stateValidate:
		return s.validateState(ctx)
	case stateUpdate:
		return s.update(ctx)
	case statePush:
		return s.push(ctx)
	case stateAwaitCI:
		return s.awaitCI(ctx)
	case stateAccept:
		return s.accept(ctx)
	}
	return stateDone, fmt.Errorf("no transition defined for state %v", current)
}

func (s *SingleJob) refetch(ctx context.Context) (state, error) {
	var fresh gitlabutil.MergeRequest
	err := gitlabutil.Retry(func() error {
		var err error
		fresh, err = s.freshMR(ctx, s.MR)
		return err
	})
	if err != nil {
		if gitlabutil.IsTransient(err) {
			s.lastErr = err
			return stateRefetch, nil
		}
		return 0, err
	}
	s.mr = fresh
	return stateValidate, nil
}

// ErrLeaveAssigned distinguishes "do nothing now" (outside the weekly interval) from real
// failures; the caller leaves the MR in the queue untouched.
var ErrLeaveAssigned = errors.New("leaving MR assigned for a later scan")

func (s *SingleJob) validateState(ctx context.Context) (state, error) {
	snapshot, err := s.snapshotApprovals(ctx, s.mr)
	if err != nil {
		return 0, err
	}
	s.snapshot = snapshot

	switch result, reason := s.validate(&s.mr, &snapshot.approvals, time.Now()); result {
	case validationHard:
		log.Printf("Skipping MR !%v: %v\n", s.mr.IID, reason)
		if err := s.API.Unassign(ctx, s.mr.ProjectID, s.mr.IID); err != nil {
			log.Printf("Failed to unassign MR !%v: %v\n", s.mr.IID, err)
		}
		return 0, fmt.Errorf("MR !%v not mine to merge: %v", s.mr.IID, reason)
	case validationSoft:
		return 0, cannotMerge("%v", reason)
	case validationWait:
		log.Printf("MR !%v: waiting for interval, leaving assigned.\n", s.mr.IID)
		return 0, ErrLeaveAssigned
	}
	return stateUpdate, nil
}

func (s *SingleJob) update(ctx context.Context) (state, error) {
	result, err := s.fuse(ctx, s.mr, s.snapshot)
	if err != nil {
		var superseded *supersededError
		switch {
		case errors.As(err, &superseded):
			s.lastErr = err
			log.Printf("MR !%v superseded during fusion: %v\n", s.mr.IID, err)
			return stateRefetch, nil
		case errors.Is(err, gitcmd.ErrConflict):
			return 0, cannotMerge("the branch conflicts with %v and needs a manual rebase", s.mr.TargetBranch)
		default:
			return 0, err
		}
	}
	s.fusion = result
	if result.pushed {
		// Service-side rebase already moved the branch.
		s.testedSHA = result.tip
		return stateAwaitCI, nil
	}
	return statePush, nil
}

func (s *SingleJob) push(ctx context.Context) (state, error) {
	// The rewrite may have taken a while; re-confirm assignment and approvals before touching the
	// remote branch (I2).
	fresh, err := s.freshMR(ctx, s.mr)
	if err != nil {
		return 0, err
	}
	if !fresh.Open() || !fresh.AssignedTo(s.User.ID) {
		return 0, cannotMerge("the MR was %v or reassigned while I was rewriting it", fresh.State)
	}
	if fresh.SHA != s.fusion.remoteHead {
		s.lastErr = fmt.Errorf("head moved to %v before my push", shortSHA(fresh.SHA))
		return stateRefetch, nil
	}
	if err := s.confirmApprovals(ctx, s.mr); err != nil {
		return 0, err
	}

	err = s.Repo.PushSourceWithLease(ctx, s.mr.SourceBranch, s.fusion.tip, s.fusion.remoteHead)
	if err != nil {
		if errors.Is(err, gitcmd.ErrStaleLease) {
			s.lastErr = err
			log.Printf("Push race on MR !%v, starting over: %v\n", s.mr.IID, err)
			return stateRefetch, nil
		}
		return 0, err
	}
	s.testedSHA = s.fusion.tip

	if err := s.restoreApprovals(ctx, s.mr, s.snapshot, s.testedSHA); err != nil {
		return 0, err
	}
	return stateAwaitCI, nil
}

func (s *SingleJob) awaitCI(ctx context.Context) (state, error) {
	result, err := s.Waiter.Wait(ctx, s.mr.ProjectID, s.mr.IID, s.mr.SourceBranch, s.testedSHA)
	if err != nil {
		return 0, err
	}
	switch result.Outcome {
	case ciwait.OK:
		return stateAccept, nil
	case ciwait.Superseded:
		s.lastErr = errors.New(result.Reason)
		return stateRefetch, nil
	default:
		return 0, cannotMerge("%v", result.Reason)
	}
}

func (s *SingleJob) accept(ctx context.Context) (state, error) {
	opts := gitlabutil.AcceptOptions{
		SHA:                s.testedSHA,
		RemoveSourceBranch: s.mr.ForceRemoveSourceBranch,
		Squash:             s.mr.Squash,
	}
	if s.Project.MergeMethod == gitlabutil.MergeMethodMerge {
		message, err := commitmsg.RenderMergeCommit(s.Project.MergeCommitTemplate, commitmsg.MergeCommitData{
			Title:        s.mr.Title,
			Description:  s.mr.Description,
			SourceBranch: s.mr.SourceBranch,
			TargetBranch: s.mr.TargetBranch,
			Reference:    fmt.Sprintf("!%v", s.mr.IID),
			WebURL:       s.mr.WebURL,
		})
		if err != nil {
			log.Printf("Falling back to the service's merge message: %v\n", err)
		} else {
			opts.MergeCommitMessage = message
		}
	}

	merged, err := s.API.Accept(ctx, s.mr.ProjectID, s.mr.IID, opts)
	if err != nil {
		return s.classifyAcceptError(ctx, err)
	}
	if !merged.Merged() {
		// The service accepted the call but reports another state (e.g. merge trains). Confirm
		// with a follow-up read before declaring victory.
		fresh, freshErr := s.freshMR(ctx, s.mr)
		if freshErr != nil {
			return 0, freshErr
		}
		if !fresh.Merged() {
			s.lastErr = fmt.Errorf("accept returned state %q", merged.State)
			return stateRefetch, nil
		}
		merged = fresh
	}
	if err := s.verifyMergedCommit(ctx, merged, s.testedSHA); err != nil {
		return 0, err
	}
	return stateDone, nil
}

// classifyAcceptError sorts out the service's accept failures. A 409 is ambiguous between
// "already merged by someone else" and "sha mismatch": probe with a follow-up GET rather than
// guessing.
func (s *SingleJob) classifyAcceptError(ctx context.Context, acceptErr error) (state, error) {
	status := gitlabutil.ErrorStatus(acceptErr)
	switch status {
	case http.StatusConflict:
		fresh, err := s.freshMR(ctx, s.mr)
		if err != nil {
			return 0, err
		}
		if fresh.Merged() {
			// Merged by someone else. That only counts as success if what landed is the commit
			// this job tested.
			if err := s.verifyMergedCommit(ctx, fresh, s.testedSHA); err != nil {
				return 0, err
			}
			log.Printf("MR !%v was merged by someone else at the commit I tested (%v).\n",
				s.mr.IID, shortSHA(s.testedSHA))
			return stateDone, nil
		}
		s.lastErr = acceptErr
		return stateRefetch, nil
	case http.StatusMethodNotAllowed, http.StatusNotAcceptable, http.StatusUnprocessableEntity:
		// The service refuses the merge as such: conflict, failed pipeline requirement, or a
		// draft flag that appeared under us.
		return 0, cannotMerge("the service rejected the merge of %v: %v", shortSHA(s.testedSHA), acceptErr)
	default:
		if gitlabutil.IsTransient(acceptErr) {
			s.lastErr = acceptErr
			return stateRefetch, nil
		}
		return 0, acceptErr
	}
}
