// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package gitcmd contains utilities for common Git operations in a local repository, including
// authentication with a remote repository.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sergebot/serge/executil"
)

// Errors that callers are expected to branch on. Each wraps the underlying git output.
var (
	// ErrConflict indicates a rebase, merge, or cherry-pick stopped on conflicting changes. The
	// working tree has already been restored with the matching abort command.
	ErrConflict = errors.New("git operation hit conflicting changes")
	// ErrStaleLease indicates a push --force-with-lease was rejected because the remote branch no
	// longer points at the expected commit.
	ErrStaleLease = errors.New("remote branch moved, force-with-lease rejected")
)

// Run runs "git <args>" in the given directory, showing the command to the user in logs for
// diagnosability. Using this func helps make one-line Git commands readable.
func Run(ctx context.Context, dir string, args ...string) error {
	return executil.Run(executil.DirContext(ctx, dir, "git", args...))
}

// CombinedOutput runs "git <args...>" in the given directory and returns the result.
func CombinedOutput(ctx context.Context, dir string, args ...string) (string, error) {
	return executil.CombinedOutput(executil.DirContext(ctx, dir, "git", args...))
}

// RevParse runs "git rev-parse <rev>" and returns the result with whitespace trimmed.
func RevParse(ctx context.Context, dir, rev string) (string, error) {
	return executil.SpaceTrimmedCombinedOutput(executil.DirContext(ctx, dir, "git", "rev-parse", rev))
}

// RevList returns the non-merge commits in 'exclude..include', oldest first. Merge commits are
// dropped, matching what a rebase of the span would do.
func RevList(ctx context.Context, dir, exclude, include string) ([]string, error) {
	out, err := CombinedOutput(ctx, dir, "rev-list", "--reverse", "--no-merges", exclude+".."+include)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// IsAncestor reports whether maybeAncestor is an ancestor of rev.
func IsAncestor(ctx context.Context, dir, maybeAncestor, rev string) (bool, error) {
	err := executil.RunQuiet(executil.DirContext(ctx, dir, "git", "merge-base", "--is-ancestor", maybeAncestor, rev))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	// merge-base exits 1 for "no", other codes for real failures. An exec failure without an exit
	// code would also land here; either way the answer is not "yes".
	return false, nil
}

// CommitMessage returns the full commit message body of rev.
func CommitMessage(ctx context.Context, dir, rev string) (string, error) {
	return CombinedOutput(ctx, dir, "show", "--quiet", "--pretty=format:%B", strings.TrimSpace(rev))
}

// ShowQuietPretty runs "git show" with the given format and revision and returns the result.
// See https://git-scm.com/docs/git-show#_pretty_formats
func ShowQuietPretty(ctx context.Context, dir, format, rev string) (string, error) {
	return CombinedOutput(ctx, dir, "show", "--quiet", "--pretty=format:"+format, strings.TrimSpace(rev))
}

// Fetch fetches the given refspecs from the remote URL.
func Fetch(ctx context.Context, dir, remote string, refspecs ...string) error {
	args := append([]string{"fetch", "--no-tags", remote}, refspecs...)
	return Run(ctx, dir, args...)
}

// CheckoutDetached moves HEAD to rev without a branch, discarding local state.
func CheckoutDetached(ctx context.Context, dir, rev string) error {
	return Run(ctx, dir, "checkout", "--force", "--detach", rev)
}

// CheckoutNewBranch creates or resets branch at startPoint and checks it out.
func CheckoutNewBranch(ctx context.Context, dir, branch, startPoint string) error {
	return Run(ctx, dir, "checkout", "--force", "-B", branch, startPoint)
}

// ResetHard resets the current branch and working tree to rev.
func ResetHard(ctx context.Context, dir, rev string) error {
	return Run(ctx, dir, "reset", "--hard", rev)
}

// RebaseOnto runs "git rebase --onto <newBase> <upstream> <rev>", leaving HEAD at the rebased tip.
// Conflicts abort the rebase and return ErrConflict, leaving the tree clean.
func RebaseOnto(ctx context.Context, dir, newBase, upstream, rev string) error {
	out, err := CombinedOutput(ctx, dir, "rebase", "--onto", newBase, upstream, rev)
	if err != nil {
		if abortErr := Run(ctx, dir, "rebase", "--abort"); abortErr != nil {
			log.Printf("Failed to abort rebase after conflict (tree may need recreating): %v\n", abortErr)
		}
		if strings.Contains(out, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

// CherryPick applies the given commit onto HEAD. Commits that are or become empty are kept, so a
// rewrite span never loses a commit position. Conflicts abort the pick and return ErrConflict.
func CherryPick(ctx context.Context, dir, rev string) error {
	_, err := CombinedOutput(ctx, dir, "cherry-pick", "--allow-empty", "--keep-redundant-commits", rev)
	if err != nil {
		if abortErr := Run(ctx, dir, "cherry-pick", "--abort"); abortErr != nil {
			log.Printf("Failed to abort cherry-pick after conflict: %v\n", abortErr)
		}
		if strings.Contains(err.Error(), "CONFLICT") || strings.Contains(err.Error(), "conflict") {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

// AmendMessage replaces the message of the commit at HEAD, keeping tree and author.
func AmendMessage(ctx context.Context, dir, message string) error {
	return Run(ctx, dir, "commit", "--amend", "--allow-empty", "-m", message)
}

// MergeNoFF merges rev into the current branch with a merge commit carrying the given message.
// Conflicts abort the merge and return ErrConflict.
func MergeNoFF(ctx context.Context, dir, rev, message string) error {
	_, err := CombinedOutput(ctx, dir, "merge", "--no-ff", "-m", message, rev)
	if err != nil {
		if abortErr := Run(ctx, dir, "merge", "--abort"); abortErr != nil {
			log.Printf("Failed to abort merge after conflict: %v\n", abortErr)
		}
		if strings.Contains(err.Error(), "CONFLICT") {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

// PushForceWithLease pushes localRef to branch on the remote, but only if the remote branch still
// points at expectedSHA. A lease rejection returns ErrStaleLease: someone pushed to the branch
// while we were working, and the caller must refetch and reconsider.
func PushForceWithLease(ctx context.Context, dir, remote, localRef, branch, expectedSHA string) error {
	out, err := CombinedOutput(ctx, dir,
		"push",
		"--force-with-lease=refs/heads/"+branch+":"+expectedSHA,
		remote,
		localRef+":refs/heads/"+branch)
	if err != nil {
		if strings.Contains(out, "stale info") || strings.Contains(err.Error(), "stale info") ||
			strings.Contains(err.Error(), "[rejected]") {
			return fmt.Errorf("%w: %v", ErrStaleLease, err)
		}
		return err
	}
	return nil
}

// Push pushes localRef to branch on the remote without any lease.
func Push(ctx context.Context, dir, remote, localRef, branch string) error {
	return Run(ctx, dir, "push", remote, localRef+":refs/heads/"+branch)
}

// DeleteRemoteBranch removes the branch from the remote. Used for throwaway integration branches.
func DeleteRemoteBranch(ctx context.Context, dir, remote, branch string) error {
	return Run(ctx, dir, "push", remote, ":refs/heads/"+branch)
}

// SetConfig sets a repository-local config value.
func SetConfig(ctx context.Context, dir, key, value string) error {
	return Run(ctx, dir, "config", key, value)
}

// CreateRefspec makes a forced refspec that will fetch a branch "source" to "dest". The force
// marker matters: after a lease push rewrites a remote branch, the next fetch of it is not a
// fast-forward. The args must not already have a "refs/heads/" prefix.
func CreateRefspec(source, dest string) string {
	return fmt.Sprintf("+refs/heads/%v:refs/heads/%v", source, dest)
}

// Poll repeatedly checks using the given checker until it returns a successful result, the
// deadline passes, or ctx is canceled.
func Poll(ctx context.Context, checker PollChecker, delay time.Duration) (string, error) {
	t := time.NewTicker(delay)
	defer t.Stop()
	for {
		result, err := checker.Check()
		if err == nil {
			log.Printf("Check succeeded, result: %q.\n", result)
			return result, nil
		}
		log.Printf("Failed check: %v, next poll in %v...", err, delay)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// PollChecker runs a check that returns a result. This is normally used to check the remote
// service for completion of an asynchronous operation, like a server-side rebase.
type PollChecker interface {
	// Check finds the string result associated with the check, or returns an error describing why
	// the result couldn't be found yet.
	Check() (string, error)
}
