// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package job implements the merge jobs: the per-MR state machine that rebases, waits for CI, and
// accepts a single merge request, and the batch engine that speculatively chains several MRs
// through one integration branch. Both consume the same capabilities: fusion, the approvals gate,
// lease-guarded pushes, and the CI waiter.
package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sergebot/serge/ciwait"
	"github.com/sergebot/serge/gitlabutil"
	"github.com/sergebot/serge/interval"
	"github.com/sergebot/serge/repostore"
)

// Fusion selects how a new source-branch tip is produced on top of the target branch.
type Fusion int

const (
	// FusionRebase rebases the source commits onto the target locally and force-pushes with a
	// lease.
	FusionRebase Fusion = iota
	// FusionMerge merges the target branch into a local copy of the source with a merge commit.
	FusionMerge
	// FusionGitLabRebase asks the service to rebase the source branch in place, skipping the
	// local clone entirely.
	FusionGitLabRebase
)

func (f Fusion) String() string {
	switch f {
	case FusionRebase:
		return "rebase"
	case FusionMerge:
		return "merge"
	case FusionGitLabRebase:
		return "gitlab-rebase"
	}
	return fmt.Sprintf("fusion(%d)", int(f))
}

// Options carries the per-run merge behavior configuration shared by all jobs.
type Options struct {
	Fusion Fusion

	// AddTested stamps Tested-by on the tip commit of each MR.
	AddTested bool
	// AddPartOf stamps Part-of on every commit.
	AddPartOf bool
	// AddReviewers stamps Reviewed-by per approver. Requires an admin token to resolve emails.
	AddReviewers bool
	// Reapprove re-approves as each prior approver after a rewrite resets approvals. Requires an
	// admin token.
	Reapprove bool
	// TagOriginalSHA records the commit each rewritten commit replaced.
	TagOriginalSHA bool

	// RequireResolvedDiscussions refuses MRs with open discussion threads.
	RequireResolvedDiscussions bool
	// BlockingLabels prevent an MR from being merged while present.
	BlockingLabels []string
	// AllowedStrategies restricts which project merge methods the bot will work with. Empty
	// means all.
	AllowedStrategies []string

	// Interval restricts when merges may happen. An empty union means always.
	Interval interval.Union

	// BatchSkip permits skipping a conflicting MR mid-batch rather than truncating the batch.
	BatchSkip bool
	// Bisect marks the last MR of a failed batch as the suspected culprit.
	Bisect bool

	CIPollInterval time.Duration
	CITimeout      time.Duration
	ManualPolicy   ciwait.ManualPolicy
}

// strategyAllowed reports whether the project merge method is acceptable under the configuration.
func (o *Options) strategyAllowed(mergeMethod string) bool {
	if len(o.AllowedStrategies) == 0 {
		return true
	}
	for _, s := range o.AllowedStrategies {
		if s == mergeMethod {
			return true
		}
	}
	return false
}

// CannotMergeError is a business condition: the MR cannot be merged as it stands (WIP,
// unapproved, conflicts, CI failure). The bot posts a note, unassigns, and moves on. Not retried
// in the current iteration.
type CannotMergeError struct {
	Reason string
}

func (e *CannotMergeError) Error() string { return "cannot merge: " + e.Reason }

func cannotMerge(format string, args ...any) error {
	return &CannotMergeError{Reason: fmt.Sprintf(format, args...)}
}

// CannotBatchError is a structural condition preventing speculative pipelining (forks, API-only
// mode, unsupported merge method). The caller falls back to the single-job path.
type CannotBatchError struct {
	Reason string
}

func (e *CannotBatchError) Error() string { return "cannot batch: " + e.Reason }

func cannotBatch(format string, args ...any) error {
	return &CannotBatchError{Reason: fmt.Sprintf(format, args...)}
}

// supersededError marks that the MR head moved under us. The job refetches and retries, bounded.
type supersededError struct {
	detail string
}

func (e *supersededError) Error() string { return "superseded: " + e.detail }

// Job bundles the capabilities a merge job consumes.
type Job struct {
	API     gitlabutil.API
	User    gitlabutil.User
	Project gitlabutil.Project
	// Repo is the working tree for the MR's source project, or nil in API-only mode.
	Repo   *repostore.Repo
	Waiter *ciwait.Waiter
	Opts   Options
}

// maxStateRetries bounds how many times any single retrying edge of the state machine may fire
// before the MR is declared unmergeable with the last cause.
const maxStateRetries = 4

// commentAndUnassign posts an explanatory note and removes the MR from the bot's queue. Failures
// here are logged, not returned: the unassignment is best-effort cleanup on an already-failed MR.
func (j *Job) commentAndUnassign(ctx context.Context, mr gitlabutil.MergeRequest, comment string) {
	if comment != "" {
		if err := j.API.PostComment(ctx, mr.ProjectID, mr.IID, comment); err != nil {
			log.Printf("Failed to post note on MR !%v: %v\n", mr.IID, err)
		}
	}
	if err := j.API.Unassign(ctx, mr.ProjectID, mr.IID); err != nil {
		log.Printf("Failed to unassign MR !%v: %v\n", mr.IID, err)
	}
}

// validationResult distinguishes how an MR failed validation.
type validationResult int

const (
	validationOK validationResult = iota
	// validationSoft: a condition the author can fix (WIP, label, approvals). Note + unassign.
	validationSoft
	// validationHard: the MR is not the bot's to merge (closed, foreign assignee). Unassign
	// silently.
	validationHard
	// validationWait: the weekly interval is closed. Leave the MR assigned and untouched; it will
	// be picked up when the interval opens.
	validationWait
)

// validate re-checks everything that must hold before the bot invests work in an MR. mr must be a
// fresh read. approvals may be nil when the project doesn't gate on them.
func (j *Job) validate(mr *gitlabutil.MergeRequest, approvals *gitlabutil.Approvals, now time.Time) (validationResult, string) {
	if !mr.Open() {
		return validationHard, fmt.Sprintf("MR is %v", mr.State)
	}
	if !mr.AssignedTo(j.User.ID) {
		return validationHard, "MR is no longer assigned to me"
	}
	if !j.Opts.Interval.Empty() && !j.Opts.Interval.Covers(now) {
		return validationWait, "waiting for allowed merge interval"
	}
	if mr.Draft {
		return validationSoft, "the MR is marked as a draft and I don't merge drafts"
	}
	for _, blocking := range j.Opts.BlockingLabels {
		for _, label := range mr.Labels {
			if label == blocking {
				return validationSoft, fmt.Sprintf("the %q label blocks merging", label)
			}
		}
	}
	if j.Opts.RequireResolvedDiscussions && !mr.BlockingDiscussionsResolved {
		return validationSoft, "there are unresolved discussions"
	}
	if approvals != nil && !approvals.Sufficient() {
		return validationSoft, fmt.Sprintf("the MR still needs %v approval(s)", approvals.ApprovalsLeft)
	}
	if !j.Opts.strategyAllowed(j.Project.MergeMethod) {
		return validationSoft, fmt.Sprintf("project merge method %q is not allowed by my configuration", j.Project.MergeMethod)
	}
	return validationOK, ""
}

// freshMR reloads the MR from the service.
func (j *Job) freshMR(ctx context.Context, mr gitlabutil.MergeRequest) (gitlabutil.MergeRequest, error) {
	return j.API.GetMergeRequest(ctx, mr.ProjectID, mr.IID)
}

// verifyMergedCommit confirms that what the service merged is the commit the CI waiter saw green
// (I1): the merged MR's head or merge commit is testedSHA, or the target branch contains it. A
// merge reported at any other commit is not this job's success, no matter who performed it.
func (j *Job) verifyMergedCommit(ctx context.Context, merged gitlabutil.MergeRequest, testedSHA string) error {
	if merged.SHA == testedSHA || merged.MergeCommitSHA == testedSHA {
		return nil
	}
	if j.Repo != nil {
		contains, err := j.Repo.BranchContains(ctx, merged.TargetBranch, testedSHA)
		if err != nil {
			return err
		}
		if contains {
			return nil
		}
	}
	return cannotMerge("the service reports !%v merged, but %v does not contain the commit I tested (%v)",
		merged.IID, merged.TargetBranch, shortSHA(testedSHA))
}

// shortSHA trims a SHA for log and comment readability.
func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
