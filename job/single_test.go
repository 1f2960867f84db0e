// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package job

import (
	"context"
	"errors"
	"net/http"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/sergebot/serge/gitlabutil"
	"github.com/sergebot/serge/interval"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

func conflictError() error {
	return &gitlab.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusConflict, Header: http.Header{}},
		Message:  "409 Conflict: SHA does not match HEAD of source branch",
	}
}

// neverInterval builds a schedule covering a single minute a few days away from now, so the
// current instant is always outside it.
func neverInterval(t *testing.T) interval.Union {
	t.Helper()
	future := time.Now().Add(84 * time.Hour)
	return interval.NewUnion(interval.NewWeekly(
		future.Weekday(), future.Hour(), future.Minute(),
		future.Weekday(), future.Hour(), future.Minute(),
		time.Local))
}

// Clean rebase, CI passes: accept is called exactly once, with the SHA the CI waiter saw green,
// and that SHA is the head the job pushed (P1, P2).
func TestSingleCleanRebase(t *testing.T) {
	h := newHarness(t)
	h.addMR(1, "feature", map[string]string{"feature.txt": "new"})
	h.advanceMain("main.txt", "moved ahead")

	oldHead := h.service.branchSHA("feature")
	s := h.singleJob(Options{})
	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(h.service.acceptedSHAs) != 1 {
		t.Fatalf("accept called %v times, want 1", len(h.service.acceptedSHAs))
	}
	newHead := h.service.branchSHA("feature")
	if newHead == oldHead {
		t.Error("source branch was not rewritten")
	}
	if h.service.acceptedSHAs[0] != newHead {
		t.Errorf("accepted SHA %v is not the pushed head %v", h.service.acceptedSHAs[0], newHead)
	}
	// The rebased branch must contain the advanced main.
	if err := exec.Command("git", "-C", h.origin, "merge-base", "--is-ancestor",
		h.service.branchSHA("main"), newHead).Run(); err != nil {
		t.Error("rebased head does not contain the target branch tip")
	}
	if h.service.unassigned {
		t.Error("MR should stay assigned through a successful merge")
	}
}

// Tested-by appears on the rewritten tip commit only; Part-of appears on every rewritten commit.
func TestSingleAddsTrailers(t *testing.T) {
	h := newHarness(t)
	h.addMR(2, "feature", map[string]string{"a.txt": "a", "b.txt": "b"})

	s := h.singleJob(Options{AddTested: true, AddPartOf: true})
	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tip := h.service.branchSHA("feature")
	tipMessage := commitMessage(t, h.origin, tip)
	if !strings.Contains(tipMessage, "Tested-by: Serge Bot <https://gitlab.example.com/g/p/-/merge_requests/2>") {
		t.Errorf("tip commit missing Tested-by trailer:\n%v", tipMessage)
	}
	if !strings.Contains(tipMessage, "Part-of: <!2>") {
		t.Errorf("tip commit missing Part-of trailer:\n%v", tipMessage)
	}
	parentMessage := commitMessage(t, h.origin, tip+"~1")
	if strings.Contains(parentMessage, "Tested-by:") {
		t.Errorf("non-tip commit must not carry Tested-by:\n%v", parentMessage)
	}
	if !strings.Contains(parentMessage, "Part-of: <!2>") {
		t.Errorf("non-tip commit missing Part-of trailer:\n%v", parentMessage)
	}
}

// Race on push: a contributor lands a commit on the source branch between fusion and push. The
// lease rejects, the job refetches and succeeds on the second attempt.
func TestSinglePushRace(t *testing.T) {
	h := newHarness(t)
	h.addMR(3, "feature", map[string]string{"feature.txt": "new"})
	h.advanceMain("main.txt", "moved ahead")

	raced := false
	h.service.onFreshMR = func(n int) {
		// The push step's freshness re-check is the 2nd GetMergeRequest of the run (after the
		// initial refetch). Land a racing commit just before it, directly on the origin.
		if n == 2 && !raced {
			raced = true
			runGit(t, h.origin, "checkout", "feature")
			addFile(t, h.origin, "racer.txt", "raced", "Racing commit")
			runGit(t, h.origin, "checkout", "main")
		}
	}

	s := h.singleJob(Options{})
	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(h.service.acceptedSHAs) != 1 {
		t.Fatalf("accept called %v times, want 1", len(h.service.acceptedSHAs))
	}
	head := h.service.branchSHA("feature")
	if h.service.acceptedSHAs[0] != head {
		t.Errorf("accepted SHA %v is not the final head %v", h.service.acceptedSHAs[0], head)
	}
	// The racing commit's change must have survived the second rebase.
	if err := exec.Command("git", "-C", h.origin, "cat-file", "-e", head+":racer.txt").Run(); err != nil {
		t.Error("racing commit was lost by the retry")
	}
}

// CI fails: a note is posted, the MR is unassigned, and no merge call is made.
func TestSingleCIFails(t *testing.T) {
	h := newHarness(t)
	h.addMR(4, "feature", map[string]string{"feature.txt": "new"})
	h.service.pipelineStatus = gitlabutil.PipelineFailed

	s := h.singleJob(Options{})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError", err)
	}
	if len(h.service.acceptedSHAs) != 0 {
		t.Error("accept must not be called when CI fails")
	}
	if !h.service.unassigned {
		t.Error("MR should be unassigned after CI failure")
	}
	if len(h.service.comments) == 0 || !strings.Contains(h.service.comments[0], "CI failed") {
		t.Errorf("expected an explanatory CI-failure note, got %v", h.service.comments)
	}
}

// A draft MR is refused with a note.
func TestSingleDraft(t *testing.T) {
	h := newHarness(t)
	h.addMR(5, "feature", map[string]string{"feature.txt": "new"})
	h.service.mr.Draft = true

	s := h.singleJob(Options{})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError", err)
	}
	if !h.service.unassigned {
		t.Error("draft MR should be unassigned")
	}
	if len(h.service.acceptedSHAs) != 0 {
		t.Error("draft MR must not be merged")
	}
}

// Outside the weekly interval: the MR is left assigned and untouched.
func TestSingleOutsideInterval(t *testing.T) {
	h := newHarness(t)
	h.addMR(6, "feature", map[string]string{"feature.txt": "new"})

	opts := Options{Interval: neverInterval(t)}
	s := h.singleJob(opts)
	err := s.Execute(context.Background())
	if !errors.Is(err, ErrLeaveAssigned) {
		t.Fatalf("Execute returned %v, want ErrLeaveAssigned", err)
	}
	if h.service.unassigned {
		t.Error("MR must stay assigned while waiting for the interval")
	}
	if len(h.service.comments) != 0 {
		t.Error("no note should be posted while waiting for the interval")
	}
	if len(h.service.acceptedSHAs) != 0 {
		t.Error("no merge should happen outside the interval")
	}
}

// Fork without push access and a local fusion strategy: cannot-merge suggesting gitlab-rebase.
func TestSingleForkWithoutPushAccess(t *testing.T) {
	h := newHarness(t)
	h.addMR(7, "feature", map[string]string{"feature.txt": "new"})
	// The fake's GetProject reports access level 10 for any project, below developer.
	h.service.mr.SourceProjectID = 999

	s := h.singleJob(Options{Fusion: FusionRebase})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError", err)
	}
	if !strings.Contains(cm.Reason, "push access to fork") {
		t.Errorf("reason %q should explain the missing fork push access", cm.Reason)
	}
	if !strings.Contains(cm.Reason, "gitlab-rebase") {
		t.Errorf("reason %q should suggest fusion=gitlab-rebase", cm.Reason)
	}
}

// A 409 from accept where the follow-up read shows the MR merged at exactly the commit this job
// tested: someone else merged our work, and that counts as success.
func TestSingleAccept409MergedElsewhereAtTestedSHA(t *testing.T) {
	h := newHarness(t)
	h.addMR(9, "feature", map[string]string{"feature.txt": "new"})
	h.service.acceptErr = conflictError()
	h.service.onFreshMR = func(n int) {
		if h.service.acceptCalls > 0 {
			h.service.merged = true
		}
	}

	s := h.singleJob(Options{})
	if err := s.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.service.unassigned {
		t.Error("MR should stay assigned; the tested commit did land")
	}
}

// A 409 where the follow-up read shows the MR merged at a DIFFERENT commit than the one this job
// observed passing CI: that is not this job's success and must not be reported as one (I1).
func TestSingleAccept409MergedAtForeignSHA(t *testing.T) {
	h := newHarness(t)
	h.addMR(10, "feature", map[string]string{"feature.txt": "new"})
	h.service.acceptErr = conflictError()
	h.service.onFreshMR = func(n int) {
		if h.service.acceptCalls > 0 {
			h.service.merged = true
			h.service.forceSHA = "f00df00df00df00df00df00df00df00df00df00d"
		}
	}

	s := h.singleJob(Options{})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError (merged commit was not the tested one)", err)
	}
	if !strings.Contains(cm.Reason, "does not contain the commit I tested") {
		t.Errorf("reason %q should explain the tested-commit mismatch", cm.Reason)
	}
}

// The merged-commit check also guards the plain success path: a service that reports the merge at
// a foreign SHA is not believed.
func TestSingleAcceptSuccessVerifiesSHA(t *testing.T) {
	h := newHarness(t)
	h.addMR(11, "feature", map[string]string{"feature.txt": "new"})
	h.service.onAccept = func() {
		h.service.forceSHA = "f00df00df00df00df00df00df00df00df00df00d"
	}

	s := h.singleJob(Options{})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError", err)
	}
}

// A reviewer revokes their approval between validation and the push: the branch must not be
// rewritten (I2).
func TestSingleApprovalRevokedBeforePush(t *testing.T) {
	h := newHarness(t)
	h.addMR(12, "feature", map[string]string{"feature.txt": "new"})
	oldHead := h.service.branchSHA("feature")
	h.service.onFreshMR = func(n int) {
		// The push step's freshness re-check is the 2nd GetMergeRequest of the run. Revoke just
		// before it.
		if n == 2 {
			h.service.approvals = gitlabutil.Approvals{ApprovalsLeft: 1}
		}
	}

	s := h.singleJob(Options{})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError", err)
	}
	if !strings.Contains(cm.Reason, "revoked") {
		t.Errorf("reason %q should mention the revoked approval", cm.Reason)
	}
	if head := h.service.branchSHA("feature"); head != oldHead {
		t.Error("the source branch must not be pushed after an approval revocation")
	}
	if len(h.service.acceptedSHAs) != 0 {
		t.Error("no merge may happen after an approval revocation")
	}
}

// The approvals gate refuses an under-approved MR before any work happens.
func TestSingleInsufficientApprovals(t *testing.T) {
	h := newHarness(t)
	h.addMR(8, "feature", map[string]string{"feature.txt": "new"})
	h.service.approvals = gitlabutil.Approvals{ApprovalsLeft: 2}

	s := h.singleJob(Options{})
	err := s.Execute(context.Background())
	var cm *CannotMergeError
	if !errors.As(err, &cm) {
		t.Fatalf("Execute returned %v, want CannotMergeError", err)
	}
	if !strings.Contains(cm.Reason, "approval") {
		t.Errorf("reason %q should mention approvals", cm.Reason)
	}
}
