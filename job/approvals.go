// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package job

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sergebot/serge/commitmsg"
	"github.com/sergebot/serge/gitlabutil"
	"golang.org/x/sync/errgroup"
)

// approvalsSnapshot remembers who had approved an MR head before the bot rewrote it, so the
// approvals can be restored afterwards.
type approvalsSnapshot struct {
	approvals gitlabutil.Approvals
	// reviewers carries resolved names/emails for Reviewed-by trailers. Only populated when the
	// bot is admin and AddReviewers is on; email lookup requires impersonation rights.
	reviewers []commitmsg.Reviewer
}

// snapshotApprovals reads the current approver set and, if reviewer trailers are wanted, resolves
// each approver's name and email concurrently.
func (j *Job) snapshotApprovals(ctx context.Context, mr gitlabutil.MergeRequest) (*approvalsSnapshot, error) {
	approvals, err := j.API.GetApprovals(ctx, mr.ProjectID, mr.IID)
	if err != nil {
		return nil, err
	}
	snapshot := &approvalsSnapshot{approvals: approvals}

	if !j.Opts.AddReviewers || !j.User.IsAdmin {
		return snapshot, nil
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range approvals.ApproverIDs {
		eg.Go(func() error {
			user, err := j.API.UserByID(egCtx, id)
			if err != nil {
				return fmt.Errorf("failed to resolve approver %v: %w", id, err)
			}
			if user.Email == "" {
				// The token turned out not to reveal emails. Skip the trailer rather than
				// emitting a bogus address.
				log.Printf("No email visible for approver %v, omitting Reviewed-by.\n", user.Username)
				return nil
			}
			mu.Lock()
			snapshot.reviewers = append(snapshot.reviewers, commitmsg.Reviewer{Name: user.Name, Email: user.Email})
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// confirmApprovals re-reads the approver set just before a push (I2). The head hasn't moved yet,
// so a shortfall here means a reviewer explicitly revoked: refuse to push rather than rewrite a
// branch the reviewers no longer stand behind.
func (j *Job) confirmApprovals(ctx context.Context, mr gitlabutil.MergeRequest) error {
	current, err := j.API.GetApprovals(ctx, mr.ProjectID, mr.IID)
	if err != nil {
		return err
	}
	if !current.Sufficient() {
		return cannotMerge("approvals were revoked while I was rewriting the branch; it still needs %v approval(s)",
			current.ApprovalsLeft)
	}
	return nil
}

// restoreApprovals re-approves the new head as each snapshotted approver, when the rewrite reset
// approvals and impersonation is available. When reapproval is off, losing approvals is tolerated
// only if the service doesn't gate the merge on them.
func (j *Job) restoreApprovals(ctx context.Context, mr gitlabutil.MergeRequest, snapshot *approvalsSnapshot, newSHA string) error {
	if len(snapshot.approvals.ApproverIDs) == 0 {
		return nil
	}
	current, err := j.API.GetApprovals(ctx, mr.ProjectID, mr.IID)
	if err != nil {
		return err
	}
	still := make(map[int]bool, len(current.ApproverIDs))
	for _, id := range current.ApproverIDs {
		still[id] = true
	}

	var lost []int
	for _, id := range snapshot.approvals.ApproverIDs {
		if !still[id] {
			lost = append(lost, id)
		}
	}
	if len(lost) == 0 {
		return nil
	}

	if !j.Opts.Reapprove || !j.User.IsAdmin {
		if current.Sufficient() {
			log.Printf("Approvals were reset by the rewrite but the MR is still mergeable without them.\n")
			return nil
		}
		return cannotMerge("approvals were reset by my rewrite and I can't re-approve (reapprove disabled or not admin)")
	}

	for _, id := range lost {
		if err := j.API.ApproveAs(ctx, mr.ProjectID, mr.IID, newSHA, id); err != nil {
			return fmt.Errorf("failed to restore approval of user %v: %w", id, err)
		}
		log.Printf("Restored approval of user %v on %v.\n", id, shortSHA(newSHA))
	}
	return nil
}
