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
	"github.com/sergebot/serge/gitcmd"
	"github.com/sergebot/serge/gitlabutil"
)

// BatchJob amortizes CI cost by chaining several merge requests into one local integration
// branch, running CI once on its tip, and then accepting the validated prefix in order.
type BatchJob struct {
	*Job
	MRs []gitlabutil.MergeRequest
}

// batchEntry is one MR successfully fused onto the integration branch.
type batchEntry struct {
	mr gitlabutil.MergeRequest
	// snapshot of approvals taken before the MR's commits were rewritten.
	snapshot *approvalsSnapshot
	// remoteHead is the source branch tip observed while fusing; the later lease push expects it.
	remoteHead string
	// prefixSHA is the integration branch head after this MR's commits. Accepting the MR at this
	// SHA merges exactly the validated prefix (I5).
	prefixSHA string
}

// integrationBranch names the throwaway branch CI runs against.
func integrationBranch(targetBranch string) string {
	return "serge/batch/" + targetBranch
}

// Execute runs the batch. A CannotBatchError tells the caller to fall back to the single-job
// path; this includes a first MR that does not validate or fuse, so the single job produces the
// user-visible failure. An MR that fails during the accept phase is noted and unassigned, and the
// batch stops there with a nil return.
func (b *BatchJob) Execute(ctx context.Context) error {
	if b.Repo == nil {
		return cannotBatch("no local working tree in API-only mode")
	}
	if len(b.MRs) < 2 {
		return cannotBatch("need at least two MRs to be worth a batch")
	}
	switch b.Project.MergeMethod {
	case gitlabutil.MergeMethodFastForward, gitlabutil.MergeMethodRebaseMerge:
	default:
		return cannotBatch("project merge method %q would not preserve the tested history", b.Project.MergeMethod)
	}
	for _, mr := range b.MRs {
		// The integration branch lives in the target project's tree; fused commits must be
		// pushable back to every source branch from that same tree.
		if mr.FromFork() {
			return cannotBatch("MR !%v comes from a fork", mr.IID)
		}
	}

	target := b.MRs[0].TargetBranch
	log.Printf("=== Batching %v MRs into %v\n", len(b.MRs), target)

	entries, tip, err := b.assemble(ctx, target)
	if err != nil {
		return err
	}

	branch := integrationBranch(target)
	if err := b.Repo.PushThrowawayBranch(ctx, branch, tip); err != nil {
		return fmt.Errorf("failed to push integration branch: %w", err)
	}
	defer b.Repo.DeleteRemoteBranch(context.WithoutCancel(ctx), branch)

	result, err := b.Waiter.WaitBranch(ctx, b.Project.ID, branch, tip)
	if err != nil {
		return err
	}
	if result.Outcome != ciwait.OK {
		return b.ciFailed(ctx, entries, result)
	}

	accepted := 0
	for _, entry := range entries {
		if err := b.acceptEntry(ctx, entry); err != nil {
			// The rest of the batch is now based on a target that includes the accepted prefix;
			// the next scan picks them up.
			log.Printf("Stopping batch after %v accepted MR(s): %v\n", accepted, err)
			var cm *CannotMergeError
			if errors.As(err, &cm) {
				b.commentAndUnassign(ctx, entry.mr, "I couldn't merge this branch as part of a batch: "+cm.Reason)
			}
			return nil
		}
		accepted++
		log.Printf("=== Merged %v (batch %v/%v)\n", entry.mr.WebURL, accepted, len(entries))
	}
	return nil
}

// assemble resets the integration branch to the target tip and fuses each candidate in order.
// Returns the fused entries and the final integration tip.
func (b *BatchJob) assemble(ctx context.Context, target string) ([]batchEntry, string, error) {
	targetSHA, _, err := b.Repo.FetchBranches(ctx, target, b.MRs[0].SourceBranch)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch target branch: %w", err)
	}

	var entries []batchEntry
	tip := targetSHA
	for i, mr := range b.MRs {
		entry, newTip, err := b.fuseOne(ctx, mr, targetSHA, tip)
		if err != nil {
			if i == 0 {
				// Without the head MR there is no batch; let the single-job path produce the
				// user-visible failure.
				return nil, "", cannotBatch("first MR !%v did not fuse: %v", mr.IID, err)
			}
			if errors.Is(err, gitcmd.ErrConflict) && b.Opts.BatchSkip {
				log.Printf("Skipping MR !%v in batch (conflicts with the fused prefix).\n", mr.IID)
				continue
			}
			log.Printf("Truncating batch at MR !%v: %v\n", mr.IID, err)
			break
		}
		entries = append(entries, entry)
		tip = newTip
	}
	if len(entries) == 0 {
		return nil, "", cannotBatch("no MRs fused")
	}
	return entries, tip, nil
}

// fuseOne validates one MR and replays its commits onto the integration branch head.
func (b *BatchJob) fuseOne(ctx context.Context, mr gitlabutil.MergeRequest, targetSHA, base string) (batchEntry, string, error) {
	fresh, err := b.freshMR(ctx, mr)
	if err != nil {
		return batchEntry{}, "", err
	}
	snapshot, err := b.snapshotApprovals(ctx, fresh)
	if err != nil {
		return batchEntry{}, "", err
	}
	if result, reason := b.validate(&fresh, &snapshot.approvals, time.Now()); result != validationOK {
		return batchEntry{}, "", fmt.Errorf("validation: %v", reason)
	}

	_, sourceSHA, err := b.Repo.FetchBranches(ctx, fresh.TargetBranch, fresh.SourceBranch)
	if err != nil {
		return batchEntry{}, "", err
	}
	if sourceSHA != fresh.SHA {
		return batchEntry{}, "", fmt.Errorf("head moved to %v while batching", shortSHA(sourceSHA))
	}

	tip, err := b.rewriteSpan(ctx, base, targetSHA, sourceSHA, b.trailersFor(fresh, snapshot))
	if err != nil {
		return batchEntry{}, "", err
	}
	return batchEntry{mr: fresh, snapshot: snapshot, remoteHead: sourceSHA, prefixSHA: tip}, tip, nil
}

// acceptEntry moves one MR's source branch to its validated prefix and accepts it. Order matters:
// the target branch advances through exactly the prefix SHAs CI validated (P4).
func (b *BatchJob) acceptEntry(ctx context.Context, entry batchEntry) error {
	fresh, err := b.freshMR(ctx, entry.mr)
	if err != nil {
		return err
	}
	if !fresh.Open() || !fresh.AssignedTo(b.User.ID) {
		return cannotMerge("the MR was %v or reassigned while the batch was in CI", fresh.State)
	}
	if fresh.SHA != entry.remoteHead {
		return cannotMerge("the branch moved to %v while the batch was in CI", shortSHA(fresh.SHA))
	}
	if err := b.confirmApprovals(ctx, entry.mr); err != nil {
		return err
	}

	if err := b.Repo.PushSourceWithLease(ctx, entry.mr.SourceBranch, entry.prefixSHA, entry.remoteHead); err != nil {
		if errors.Is(err, gitcmd.ErrStaleLease) {
			return cannotMerge("someone pushed to the branch while the batch was in CI")
		}
		return err
	}
	if err := b.restoreApprovals(ctx, entry.mr, entry.snapshot, entry.prefixSHA); err != nil {
		return err
	}

	merged, err := b.API.Accept(ctx, entry.mr.ProjectID, entry.mr.IID, gitlabutil.AcceptOptions{
		SHA:                entry.prefixSHA,
		RemoveSourceBranch: entry.mr.ForceRemoveSourceBranch,
		Squash:             entry.mr.Squash,
	})
	if err != nil {
		// A 409 is ambiguous between "already merged by someone else" and "sha mismatch"; a
		// follow-up read settles it, same as the single job.
		if gitlabutil.ErrorStatus(err) == http.StatusConflict {
			refetched, freshErr := b.freshMR(ctx, entry.mr)
			if freshErr != nil {
				return freshErr
			}
			if refetched.Merged() {
				return b.verifyMergedCommit(ctx, refetched, entry.prefixSHA)
			}
		}
		return fmt.Errorf("accept failed: %w", err)
	}
	return b.verifyMergedCommit(ctx, merged, entry.prefixSHA)
}

// ciFailed handles a red integration branch. With bisection enabled the last MR is the suspect:
// it is the one whose commits changed the outcome relative to the previously green prefix.
func (b *BatchJob) ciFailed(ctx context.Context, entries []batchEntry, result ciwait.Result) error {
	log.Printf("Batch CI did not pass: %v\n", result.Reason)
	if b.Opts.Bisect && len(entries) > 0 {
		suspect := entries[len(entries)-1].mr
		b.commentAndUnassign(ctx, suspect,
			fmt.Sprintf("Batch CI failed and this MR is the prime suspect: %v", result.Reason))
		return cannotBatch("CI failed, suspect MR !%v removed from the queue", suspect.IID)
	}
	return cannotBatch("CI failed on the integration branch: %v", result.Reason)
}
