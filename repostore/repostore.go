// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package repostore hands out per-project Git working trees configured for SSH, HTTPS, or
// API-only operation. One clone is kept per source project for the lifetime of a run, under a
// scoped temporary directory that is destroyed on shutdown.
package repostore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sergebot/serge/executil"
	"github.com/sergebot/serge/gitcmd"
	"github.com/sergebot/serge/gitlabutil"
)

// ErrAPIOnly is returned when a local working tree is requested but the manager was configured
// for API-only operation.
var ErrAPIOnly = errors.New("manager is API-only, no local working trees")

// Mode selects how the manager reaches the Git remotes.
type Mode int

const (
	// ModeSSH clones over SSH using an identity key file.
	ModeSSH Mode = iota
	// ModeHTTPS clones over HTTPS with an access token inserted into the URL.
	ModeHTTPS
	// ModeAPIOnly performs no local Git operations at all; fusion must go through the service's
	// rebase endpoint.
	ModeAPIOnly
)

// Options configures a Manager.
type Options struct {
	Mode Mode
	// RootDir is where working trees are created. A unique subdirectory is created per run.
	RootDir string
	// User is the bot identity stamped into each clone as the commit author.
	User gitlabutil.User
	// SSHKeyFile is the identity file for ModeSSH.
	SSHKeyFile string
	// AuthToken is the access token for ModeHTTPS remote URLs.
	AuthToken string
	// Reference is an optional local repository passed to "git clone --reference-if-able" to
	// speed up clones of large projects.
	Reference string
	// Timeout bounds each Git operation's wall clock.
	Timeout time.Duration
}

// Manager hands out one Repo per source project id.
type Manager struct {
	opts   Options
	runDir string
	repos  map[int]*Repo
}

// NewManager validates the options and creates the run-scoped root directory. For ModeSSH the
// identity file is parsed up front so a bad key fails the run before any merge work starts.
func NewManager(opts Options) (*Manager, error) {
	if opts.Mode == ModeSSH {
		if err := gitcmd.ValidateSSHKeyFile(opts.SSHKeyFile); err != nil {
			return nil, err
		}
	}
	if opts.Mode == ModeHTTPS && opts.AuthToken == "" {
		return nil, errors.New("HTTPS mode requires an auth token")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	runDir, err := executil.MakeWorkDir(opts.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create repo store root: %w", err)
	}
	return &Manager{opts: opts, runDir: runDir, repos: make(map[int]*Repo)}, nil
}

// APIOnly reports whether the manager performs no local Git operations.
func (m *Manager) APIOnly() bool { return m.opts.Mode == ModeAPIOnly }

// remoteURL picks the remote URL for a project according to the manager's mode.
func (m *Manager) remoteURL(p gitlabutil.Project) string {
	switch m.opts.Mode {
	case ModeSSH:
		return p.SSHURL
	case ModeHTTPS:
		auther := gitcmd.GitLabPATAuther{User: m.opts.User.Username, PAT: m.opts.AuthToken}
		return auther.InsertAuth(p.HTTPURL)
	}
	return ""
}

// RepoForProject returns the cached working tree for the MR's source project, cloning on first
// use. target is the project being merged into; source differs from it only for forked MRs.
func (m *Manager) RepoForProject(ctx context.Context, target, source gitlabutil.Project) (*Repo, error) {
	if m.APIOnly() {
		return nil, ErrAPIOnly
	}
	if repo, ok := m.repos[source.ID]; ok {
		return repo, nil
	}

	dir := filepath.Join(m.runDir, uuid.NewString())
	repo := &Repo{
		Dir:             dir,
		SourceProjectID: source.ID,
		OriginURL:       m.remoteURL(target),
		SourceURL:       m.remoteURL(source),
		Timeout:         m.opts.Timeout,
	}

	opCtx, cancel := repo.opCtx(ctx)
	defer cancel()
	cloneArgs := []string{"clone", "--origin", "origin"}
	if m.opts.Reference != "" {
		cloneArgs = append(cloneArgs, "--reference-if-able", m.opts.Reference)
	}
	cloneArgs = append(cloneArgs, repo.OriginURL, dir)
	if err := executil.Run(executil.DirContext(opCtx, m.runDir, "git", cloneArgs...)); err != nil {
		return nil, fmt.Errorf("failed to clone project %v: %w", target.PathWithNamespace, err)
	}
	if m.opts.Mode == ModeSSH {
		sshCommand := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o BatchMode=yes", m.opts.SSHKeyFile)
		if err := gitcmd.SetConfig(opCtx, dir, "core.sshCommand", sshCommand); err != nil {
			return nil, err
		}
	}
	if err := gitcmd.SetConfig(opCtx, dir, "user.name", m.opts.User.Name); err != nil {
		return nil, err
	}
	email := m.opts.User.Email
	if email == "" {
		email = m.opts.User.Username + "@invalid"
	}
	if err := gitcmd.SetConfig(opCtx, dir, "user.email", email); err != nil {
		return nil, err
	}
	if repo.SourceURL != repo.OriginURL {
		if err := gitcmd.Run(opCtx, dir, "remote", "add", "source", repo.SourceURL); err != nil {
			return nil, err
		}
	}

	m.repos[source.ID] = repo
	return repo, nil
}

// Drop forgets a cached working tree and deletes it from disk, so the next use recreates it.
// Called when a tree is suspected corrupted after a failed Git operation.
func (m *Manager) Drop(sourceProjectID int) {
	repo, ok := m.repos[sourceProjectID]
	if !ok {
		return
	}
	delete(m.repos, sourceProjectID)
	if err := os.RemoveAll(repo.Dir); err != nil {
		log.Printf("Unable to clean up git repository directory %#q: %v\n", repo.Dir, err)
	}
}

// Close removes the run's entire working tree root. If an error occurs, log it, but this is not
// fatal: the root is in temp storage, so it will be cleaned up later by the OS anyway.
func (m *Manager) Close() {
	if err := os.RemoveAll(m.runDir); err != nil {
		log.Printf("Unable to clean up repo store root %#q: %v\n", m.runDir, err)
	}
}

// Repo is a local working clone of one source project: the working tree the merge jobs rebase and
// push from. Operations are bounded by the per-operation timeout.
type Repo struct {
	Dir             string
	SourceProjectID int
	// OriginURL is the authenticated remote of the target project ("origin").
	OriginURL string
	// SourceURL is the authenticated remote of the source project. Same as OriginURL unless the
	// MR comes from a fork.
	SourceURL string
	Timeout   time.Duration
}

func (r *Repo) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.Timeout)
}

// sourceRemote names the remote holding the MR source branch.
func (r *Repo) sourceRemote() string {
	if r.SourceURL != r.OriginURL {
		return "source"
	}
	return "origin"
}

// FetchBranches fetches the target branch from origin and the source branch from the source
// remote into local tracking refs, returning the fetched tip SHAs.
func (r *Repo) FetchBranches(ctx context.Context, targetBranch, sourceBranch string) (targetSHA, sourceSHA string, err error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := gitcmd.Fetch(opCtx, r.Dir, "origin", gitcmd.CreateRefspec(targetBranch, "serge/target")); err != nil {
		return "", "", err
	}
	if err := gitcmd.Fetch(opCtx, r.Dir, r.sourceRemote(), gitcmd.CreateRefspec(sourceBranch, "serge/source")); err != nil {
		return "", "", err
	}
	targetSHA, err = gitcmd.RevParse(opCtx, r.Dir, "refs/heads/serge/target")
	if err != nil {
		return "", "", err
	}
	sourceSHA, err = gitcmd.RevParse(opCtx, r.Dir, "refs/heads/serge/source")
	if err != nil {
		return "", "", err
	}
	return targetSHA, sourceSHA, nil
}

// RevParse resolves a revision in the working tree.
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.RevParse(opCtx, r.Dir, rev)
}

// RevList returns the commits in exclude..include, oldest first.
func (r *Repo) RevList(ctx context.Context, exclude, include string) ([]string, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.RevList(opCtx, r.Dir, exclude, include)
}

// CheckoutDetached moves HEAD to rev with no branch.
func (r *Repo) CheckoutDetached(ctx context.Context, rev string) error {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.CheckoutDetached(opCtx, r.Dir, rev)
}

// RebaseOnto rebases rev's commits (those not in upstream) onto newBase, leaving HEAD detached at
// the rebased tip. Conflicts surface as gitcmd.ErrConflict with the tree restored.
func (r *Repo) RebaseOnto(ctx context.Context, newBase, upstream, rev string) (string, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := gitcmd.RebaseOnto(opCtx, r.Dir, newBase, upstream, rev); err != nil {
		return "", err
	}
	return gitcmd.RevParse(opCtx, r.Dir, "HEAD")
}

// CherryPick applies rev onto HEAD.
func (r *Repo) CherryPick(ctx context.Context, rev string) error {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.CherryPick(opCtx, r.Dir, rev)
}

// AmendMessage replaces HEAD's commit message and returns the new SHA.
func (r *Repo) AmendMessage(ctx context.Context, message string) (string, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := gitcmd.AmendMessage(opCtx, r.Dir, message); err != nil {
		return "", err
	}
	return gitcmd.RevParse(opCtx, r.Dir, "HEAD")
}

// CommitMessage reads rev's full message.
func (r *Repo) CommitMessage(ctx context.Context, rev string) (string, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.CommitMessage(opCtx, r.Dir, rev)
}

// MergeNoFF merges rev into HEAD with a merge commit and returns the new SHA.
func (r *Repo) MergeNoFF(ctx context.Context, rev, message string) (string, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := gitcmd.MergeNoFF(opCtx, r.Dir, rev, message); err != nil {
		return "", err
	}
	return gitcmd.RevParse(opCtx, r.Dir, "HEAD")
}

// IsAncestor reports whether maybeAncestor is an ancestor of rev in the working tree.
func (r *Repo) IsAncestor(ctx context.Context, maybeAncestor, rev string) (bool, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.IsAncestor(opCtx, r.Dir, maybeAncestor, rev)
}

// BranchContains refetches the origin branch and reports whether its tip contains sha. Used to
// confirm a merge actually landed the commit that was tested.
func (r *Repo) BranchContains(ctx context.Context, branch, sha string) (bool, error) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := gitcmd.Fetch(opCtx, r.Dir, "origin", gitcmd.CreateRefspec(branch, "serge/verify")); err != nil {
		return false, err
	}
	tip, err := gitcmd.RevParse(opCtx, r.Dir, "refs/heads/serge/verify")
	if err != nil {
		return false, err
	}
	return gitcmd.IsAncestor(opCtx, r.Dir, sha, tip)
}

// PushSourceWithLease updates the MR source branch to localRef, conditional on the remote still
// pointing at expectedSHA.
func (r *Repo) PushSourceWithLease(ctx context.Context, sourceBranch, localRef, expectedSHA string) error {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.PushForceWithLease(opCtx, r.Dir, r.sourceRemote(), localRef, sourceBranch, expectedSHA)
}

// PushThrowawayBranch force-pushes localRef to a throwaway branch on origin, used for batch
// integration branches that CI runs against.
func (r *Repo) PushThrowawayBranch(ctx context.Context, branch, localRef string) error {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	return gitcmd.Run(opCtx, r.Dir, "push", "--force", "origin", localRef+":refs/heads/"+branch)
}

// DeleteRemoteBranch removes a throwaway branch from origin. Failure is logged, not returned:
// leaving a stale batch branch behind doesn't affect correctness.
func (r *Repo) DeleteRemoteBranch(ctx context.Context, branch string) {
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := gitcmd.DeleteRemoteBranch(opCtx, r.Dir, "origin", branch); err != nil {
		log.Printf("Failed to delete throwaway branch %q: %v\n", branch, err)
	}
}
