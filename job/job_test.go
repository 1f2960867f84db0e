// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package job

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sergebot/serge/ciwait"
	"github.com/sergebot/serge/gitlabutil"
	"github.com/sergebot/serge/repostore"
)

// fakeService simulates the remote service on top of a real local "origin" repository: merge
// request head SHAs are read straight from the origin's branches, so pushes made by the job are
// observed the way the live service would observe them.
type fakeService struct {
	t         *testing.T
	originDir string

	mr gitlabutil.MergeRequest
	// mrs holds additional MRs by IID for batch scenarios; mr is the fallback for lookups.
	mrs       map[int]gitlabutil.MergeRequest
	approvals gitlabutil.Approvals
	// pipelineStatus is what PipelinesForSHA reports for the current head of pipelineRef.
	pipelineStatus string
	pipelineRef    string

	// onFreshMR runs before each GetMergeRequest, with the 1-based call count. Tests use it to
	// interleave racing pushes.
	onFreshMR func(n int)
	freshMRs  int
	// forceSHA overrides the head SHA reported for every MR, simulating a service view that
	// diverges from the origin repo (e.g. merged by someone else at another commit).
	forceSHA string

	acceptedIIDs   []int
	acceptedSHAs   []string
	acceptCalls    int
	acceptErr      error
	// onAccept runs at the start of each Accept call, before the response is built.
	onAccept func()
	comments       []string
	unassigned     bool
	unassignedIIDs []int
	mergedIIDs     map[int]bool
	merged         bool

	users map[int]gitlabutil.User
}

var _ gitlabutil.API = (*fakeService)(nil)

func (f *fakeService) branchSHA(branch string) string {
	f.t.Helper()
	out, err := exec.Command("git", "-C", f.originDir, "rev-parse", "refs/heads/"+branch).Output()
	if err != nil {
		f.t.Fatalf("rev-parse %v in fake origin: %v", branch, err)
	}
	return strings.TrimSpace(string(out))
}

func (f *fakeService) currentMR() gitlabutil.MergeRequest {
	return f.mrByIID(f.mr.IID)
}

func (f *fakeService) mrByIID(iid int) gitlabutil.MergeRequest {
	mr := f.mr
	if stored, ok := f.mrs[iid]; ok {
		mr = stored
	}
	mr.SHA = f.branchSHA(mr.SourceBranch)
	if f.forceSHA != "" {
		mr.SHA = f.forceSHA
	}
	if f.merged || f.mergedIIDs[mr.IID] {
		mr.State = "merged"
	}
	return mr
}

func (f *fakeService) CurrentUser(ctx context.Context) (gitlabutil.User, error) {
	return gitlabutil.User{ID: 1, Username: "serge", Name: "Serge Bot"}, nil
}

func (f *fakeService) UserByID(ctx context.Context, id int) (gitlabutil.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return gitlabutil.User{}, fmt.Errorf("no such user %v", id)
}

func (f *fakeService) MyProjects(ctx context.Context) ([]gitlabutil.Project, error) {
	return nil, nil
}

func (f *fakeService) GetProject(ctx context.Context, projectID int) (gitlabutil.Project, error) {
	return gitlabutil.Project{ID: projectID, PathWithNamespace: "forks/project", AccessLevel: 10}, nil
}

func (f *fakeService) AssignedMergeRequests(ctx context.Context, projectID int, order gitlabutil.MergeOrder) ([]gitlabutil.MergeRequest, error) {
	return []gitlabutil.MergeRequest{f.currentMR()}, nil
}

func (f *fakeService) GetMergeRequest(ctx context.Context, projectID, iid int) (gitlabutil.MergeRequest, error) {
	f.freshMRs++
	if f.onFreshMR != nil {
		f.onFreshMR(f.freshMRs)
	}
	return f.mrByIID(iid), nil
}

func (f *fakeService) GetMergeRequestCommits(ctx context.Context, projectID, iid int) ([]gitlabutil.Commit, error) {
	return nil, nil
}

func (f *fakeService) GetApprovals(ctx context.Context, projectID, iid int) (gitlabutil.Approvals, error) {
	return f.approvals, nil
}

func (f *fakeService) PipelinesForSHA(ctx context.Context, projectID int, sha string) ([]gitlabutil.Pipeline, error) {
	status := f.pipelineStatus
	if status == "" {
		status = gitlabutil.PipelineSuccess
	}
	return []gitlabutil.Pipeline{{ID: 1, SHA: sha, Ref: f.pipelineRef, Status: status}}, nil
}

func (f *fakeService) Accept(ctx context.Context, projectID, iid int, opts gitlabutil.AcceptOptions) (gitlabutil.MergeRequest, error) {
	f.acceptCalls++
	if f.onAccept != nil {
		f.onAccept()
	}
	if f.acceptErr != nil {
		return gitlabutil.MergeRequest{}, f.acceptErr
	}
	mr := f.mrByIID(iid)
	head := f.branchSHA(mr.SourceBranch)
	if opts.SHA != head {
		f.t.Errorf("Accept of !%v called with SHA %v, but source branch head is %v", iid, opts.SHA, head)
	}
	f.acceptedIIDs = append(f.acceptedIIDs, iid)
	f.acceptedSHAs = append(f.acceptedSHAs, opts.SHA)
	if f.mergedIIDs == nil {
		f.mergedIIDs = map[int]bool{}
	}
	f.mergedIIDs[iid] = true
	if iid == f.mr.IID {
		f.merged = true
	}
	mr.State = "merged"
	return mr, nil
}

func (f *fakeService) Rebase(ctx context.Context, projectID, iid int) error { return nil }

func (f *fakeService) ApproveAs(ctx context.Context, projectID, iid int, sha string, userID int) error {
	return nil
}

func (f *fakeService) Unassign(ctx context.Context, projectID, iid int) error {
	f.unassigned = true
	f.unassignedIIDs = append(f.unassignedIIDs, iid)
	return nil
}

func (f *fakeService) PostComment(ctx context.Context, projectID, iid int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

// harness is one scenario's worth of repositories and fakes.
type harness struct {
	t       *testing.T
	origin  string
	workDir string
	service *fakeService
	repo    *repostore.Repo
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func addFile(t *testing.T, dir, relativePath, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, relativePath), []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", message)
}

// newHarness builds an origin repo with a "main" branch holding one commit, clones it as the
// job's working tree, and wires a fake service around it.
func newHarness(t *testing.T) *harness {
	t.Helper()
	d := t.TempDir()
	origin := filepath.Join(d, "origin")
	if err := os.MkdirAll(origin, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	runGit(t, origin, "init", "-b", "main")
	runGit(t, origin, "config", "user.name", "Origin Owner")
	runGit(t, origin, "config", "user.email", "owner@example.com")
	addFile(t, origin, "README.md", "Hello", "Initial commit")
	// Let the job push into this non-bare repo.
	runGit(t, origin, "config", "receive.denyCurrentBranch", "ignore")

	workDir := filepath.Join(d, "work")
	runGit(t, d, "clone", origin, workDir)
	runGit(t, workDir, "config", "user.name", "Serge Bot")
	runGit(t, workDir, "config", "user.email", "serge@example.com")

	service := &fakeService{
		t:           t,
		originDir:   origin,
		pipelineRef: "feature",
		users:       map[int]gitlabutil.User{},
	}
	return &harness{
		t:       t,
		origin:  origin,
		workDir: workDir,
		service: service,
		repo: &repostore.Repo{
			Dir:             workDir,
			SourceProjectID: 100,
			OriginURL:       origin,
			SourceURL:       origin,
			Timeout:         time.Minute,
		},
	}
}

// addMR creates a source branch with commits off main and registers it as the fake's MR.
func (h *harness) addMR(iid int, branch string, files map[string]string) {
	h.t.Helper()
	runGit(h.t, h.origin, "checkout", "-b", branch, "main")
	for path, content := range files {
		addFile(h.t, h.origin, path, content, "Change "+path)
	}
	runGit(h.t, h.origin, "checkout", "main")

	h.service.mr = gitlabutil.MergeRequest{
		ProjectID:       100,
		IID:             iid,
		ID:              iid,
		Title:           "Test change",
		State:           "opened",
		WebURL:          fmt.Sprintf("https://gitlab.example.com/g/p/-/merge_requests/%v", iid),
		SourceBranch:    branch,
		TargetBranch:    "main",
		SourceProjectID: 100,
		TargetProjectID: 100,
		AssigneeIDs:     []int{1},
	}
	h.service.pipelineRef = branch
}

// advanceMain simulates another change landing on the target branch.
func (h *harness) advanceMain(path, content string) {
	h.t.Helper()
	runGit(h.t, h.origin, "checkout", "main")
	addFile(h.t, h.origin, path, content, "Change "+path)
}

func (h *harness) job(opts Options) *Job {
	if opts.CIPollInterval == 0 {
		opts.CIPollInterval = time.Second
	}
	if opts.CITimeout == 0 {
		opts.CITimeout = time.Minute
	}
	return &Job{
		API:     h.service,
		User:    gitlabutil.User{ID: 1, Username: "serge", Name: "Serge Bot"},
		Project: gitlabutil.Project{ID: 100, PathWithNamespace: "group/project", MergeMethod: gitlabutil.MergeMethodFastForward},
		Repo:    h.repo,
		Waiter: &ciwait.Waiter{
			API:          h.service,
			PollInterval: time.Second,
			Timeout:      time.Minute,
		},
		Opts: opts,
	}
}

func (h *harness) singleJob(opts Options) *SingleJob {
	return &SingleJob{Job: h.job(opts), MR: h.service.currentMR()}
}

func commitMessage(t *testing.T, dir, rev string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "show", "--quiet", "--pretty=format:%B", rev).Output()
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}
