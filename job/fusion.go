// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sergebot/serge/commitmsg"
	"github.com/sergebot/serge/gitcmd"
	"github.com/sergebot/serge/gitlabutil"
)

// fusionResult is the outcome of producing a new source-branch tip.
type fusionResult struct {
	// tip is the SHA of the new source-branch head.
	tip string
	// remoteHead is the SHA the remote source branch held when fusion started. Pushes are leased
	// against it.
	remoteHead string
	// pushed is true when the service already moved the branch (gitlab-rebase): there is nothing
	// left to push.
	pushed bool
}

// trailersFor assembles the trailer set for one MR from the run options and the approvals
// snapshot.
func (j *Job) trailersFor(mr gitlabutil.MergeRequest, snapshot *approvalsSnapshot) commitmsg.Trailers {
	t := commitmsg.Trailers{}
	if j.Opts.AddReviewers && snapshot != nil {
		t.Reviewers = snapshot.reviewers
	}
	if j.Opts.AddTested {
		t.TesterName = j.User.Name
		t.TesterRef = mr.WebURL
	}
	if j.Opts.AddPartOf {
		t.PartOf = fmt.Sprintf("!%v", mr.IID)
	}
	return t
}

// fusionPrecheck enforces I4: local fusion strategies rewrite the source branch, which for forked
// MRs requires push access to the fork.
func (j *Job) fusionPrecheck(ctx context.Context, mr gitlabutil.MergeRequest) error {
	if j.Opts.Fusion == FusionGitLabRebase || !mr.FromFork() {
		return nil
	}
	fork, err := j.API.GetProject(ctx, mr.SourceProjectID)
	if err != nil {
		return err
	}
	if fork.AccessLevel < gitlabutil.AccessLevelDeveloper {
		return cannotMerge("I don't have push access to fork %v, so I can't rewrite its branch; consider fusion=gitlab-rebase",
			fork.PathWithNamespace)
	}
	return nil
}

// fuse produces the new source-branch tip for the MR using the configured strategy.
func (j *Job) fuse(ctx context.Context, mr gitlabutil.MergeRequest, snapshot *approvalsSnapshot) (fusionResult, error) {
	if err := j.fusionPrecheck(ctx, mr); err != nil {
		return fusionResult{}, err
	}
	switch j.Opts.Fusion {
	case FusionGitLabRebase:
		return j.fuseGitLabRebase(ctx, mr)
	case FusionMerge:
		return j.fuseMerge(ctx, mr, snapshot)
	default:
		return j.fuseRebase(ctx, mr, snapshot)
	}
}

// fuseRebase rebases the MR's commits onto the target branch tip, rewriting each message with the
// configured trailers. Merge commits in the span are dropped, as a rebase does.
func (j *Job) fuseRebase(ctx context.Context, mr gitlabutil.MergeRequest, snapshot *approvalsSnapshot) (fusionResult, error) {
	targetSHA, sourceSHA, err := j.Repo.FetchBranches(ctx, mr.TargetBranch, mr.SourceBranch)
	if err != nil {
		return fusionResult{}, err
	}
	if sourceSHA != mr.SHA {
		return fusionResult{}, &supersededError{
			detail: fmt.Sprintf("remote source branch is at %v, MR says %v", shortSHA(sourceSHA), shortSHA(mr.SHA)),
		}
	}

	tip, err := j.rewriteSpan(ctx, targetSHA, targetSHA, sourceSHA, j.trailersFor(mr, snapshot))
	if err != nil {
		return fusionResult{}, err
	}
	return fusionResult{tip: tip, remoteHead: sourceSHA}, nil
}

// rewriteSpan replays the commits of exclude..include on top of base, one cherry-pick at a time,
// rewriting each commit message. Returns the new tip.
func (j *Job) rewriteSpan(ctx context.Context, base, exclude, include string, trailers commitmsg.Trailers) (string, error) {
	commits, err := j.Repo.RevList(ctx, exclude, include)
	if err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return "", cannotMerge("the MR has no commits on top of %v", shortSHA(exclude))
	}
	if err := j.Repo.CheckoutDetached(ctx, base); err != nil {
		return "", err
	}
	tip := base
	for i, commit := range commits {
		if err := j.Repo.CherryPick(ctx, commit); err != nil {
			return "", err
		}
		message, err := j.Repo.CommitMessage(ctx, commit)
		if err != nil {
			return "", err
		}
		original := ""
		if j.Opts.TagOriginalSHA {
			original = commit
		}
		rewritten := commitmsg.Rewrite(message, trailers, i == len(commits)-1, original)
		tip, err = j.Repo.AmendMessage(ctx, rewritten)
		if err != nil {
			return "", err
		}
	}
	return tip, nil
}

// fuseMerge integrates the target branch into the source branch with a merge commit, leaving the
// existing source commits untouched. Only the produced merge commit is rewritten.
func (j *Job) fuseMerge(ctx context.Context, mr gitlabutil.MergeRequest, snapshot *approvalsSnapshot) (fusionResult, error) {
	targetSHA, sourceSHA, err := j.Repo.FetchBranches(ctx, mr.TargetBranch, mr.SourceBranch)
	if err != nil {
		return fusionResult{}, err
	}
	if sourceSHA != mr.SHA {
		return fusionResult{}, &supersededError{
			detail: fmt.Sprintf("remote source branch is at %v, MR says %v", shortSHA(sourceSHA), shortSHA(mr.SHA)),
		}
	}
	already, err := j.Repo.IsAncestor(ctx, targetSHA, sourceSHA)
	if err != nil {
		return fusionResult{}, err
	}
	if already {
		// Target already contained: nothing to integrate, the current tip is fine.
		return fusionResult{tip: sourceSHA, remoteHead: sourceSHA}, nil
	}

	if err := j.Repo.CheckoutDetached(ctx, sourceSHA); err != nil {
		return fusionResult{}, err
	}
	message := fmt.Sprintf("Merge branch %q into %q", mr.TargetBranch, mr.SourceBranch)
	message = commitmsg.Rewrite(message, j.trailersFor(mr, snapshot), true, "")
	tip, err := j.Repo.MergeNoFF(ctx, targetSHA, message)
	if err != nil {
		return fusionResult{}, err
	}
	return fusionResult{tip: tip, remoteHead: sourceSHA}, nil
}

// gitlabRebasePollInterval is how often the service is asked whether its in-place rebase
// finished.
const gitlabRebasePollInterval = 2 * time.Second

// gitlabRebaseTimeout bounds the whole service-side rebase.
const gitlabRebaseTimeout = 5 * time.Minute

// fuseGitLabRebase asks the service to rebase the source branch in place and polls until it
// reports completion. No local clone is involved, and no push is needed afterwards.
func (j *Job) fuseGitLabRebase(ctx context.Context, mr gitlabutil.MergeRequest) (fusionResult, error) {
	if err := j.API.Rebase(ctx, mr.ProjectID, mr.IID); err != nil {
		return fusionResult{}, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, gitlabRebaseTimeout)
	defer cancel()
	checker := &rebaseChecker{ctx: pollCtx, job: j, mr: mr}
	if _, err := gitcmd.Poll(pollCtx, checker, gitlabRebasePollInterval); err != nil {
		return fusionResult{}, fmt.Errorf("service-side rebase did not finish: %w", err)
	}
	if checker.fatal != nil {
		return fusionResult{}, checker.fatal
	}
	return fusionResult{tip: checker.newSHA, remoteHead: checker.newSHA, pushed: true}, nil
}

// rebaseChecker adapts the rebase-completion poll to gitcmd.Poll. A service-reported merge error
// is terminal and lands in fatal rather than the retryable error path.
type rebaseChecker struct {
	ctx    context.Context
	job    *Job
	mr     gitlabutil.MergeRequest
	newSHA string
	fatal  error
}

func (c *rebaseChecker) Check() (string, error) {
	fresh, err := c.job.API.GetMergeRequest(c.ctx, c.mr.ProjectID, c.mr.IID)
	if err != nil {
		return "", err
	}
	if fresh.RebaseInProgress {
		return "", errors.New("rebase still in progress")
	}
	if fresh.MergeError != "" {
		c.fatal = cannotMerge("the service could not rebase the branch: %v", fresh.MergeError)
		return "failed", nil
	}
	c.newSHA = fresh.SHA
	return fresh.SHA, nil
}
