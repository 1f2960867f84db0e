// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gitlabutil

import (
	"context"
	"fmt"
	"sort"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// MergeOrder controls the order merge requests are returned in, which is also the order they are
// merged in.
type MergeOrder string

const (
	OrderAssignedAt MergeOrder = "assigned_at"
	OrderCreatedAt  MergeOrder = "created_at"
)

// AcceptOptions are the parameters of an accept-merge-request call.
type AcceptOptions struct {
	// SHA the service must verify is still the MR head. Guards the "tested commit equals merged
	// commit" invariant.
	SHA                string
	RemoveSourceBranch bool
	Squash             bool
	// MergeCommitMessage overrides the service-generated merge commit message when non-empty.
	MergeCommitMessage string
}

// API is the slice of the service REST surface the merge jobs consume. Implemented by Client for
// the live service, and by fakes in tests.
type API interface {
	CurrentUser(ctx context.Context) (User, error)
	// UserByID resolves a user. Email is only populated when the client token has admin rights.
	UserByID(ctx context.Context, id int) (User, error)
	// MyProjects lists all projects the token user is a member of.
	MyProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, projectID int) (Project, error)
	// AssignedMergeRequests lists open MRs assigned to the token user in the project, in merge
	// order.
	AssignedMergeRequests(ctx context.Context, projectID int, order MergeOrder) ([]MergeRequest, error)
	GetMergeRequest(ctx context.Context, projectID, iid int) (MergeRequest, error)
	GetMergeRequestCommits(ctx context.Context, projectID, iid int) ([]Commit, error)
	GetApprovals(ctx context.Context, projectID, iid int) (Approvals, error)
	// PipelinesForSHA lists pipelines attached to the commit, newest first.
	PipelinesForSHA(ctx context.Context, projectID int, sha string) ([]Pipeline, error)
	Accept(ctx context.Context, projectID, iid int, opts AcceptOptions) (MergeRequest, error)
	// Rebase asks the service to rebase the MR source branch in place. Completion is observed by
	// polling GetMergeRequest for RebaseInProgress to clear.
	Rebase(ctx context.Context, projectID, iid int) error
	// ApproveAs approves the MR head impersonating the given user. Requires an admin token.
	ApproveAs(ctx context.Context, projectID, iid int, sha string, userID int) error
	Unassign(ctx context.Context, projectID, iid int) error
	PostComment(ctx context.Context, projectID, iid int, body string) error
}

// Client implements API against a live GitLab instance.
type Client struct {
	gl *gitlab.Client
}

// NewAPI wraps a GitLab client in the typed facade.
func NewAPI(gl *gitlab.Client) *Client {
	return &Client{gl: gl}
}

var _ API = (*Client)(nil)

func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	u, _, err := c.gl.Users.CurrentUser(gitlab.WithContext(ctx))
	if err != nil {
		return User{}, fmt.Errorf("failed to identify token user: %w", err)
	}
	return userFromAPI(u), nil
}

func (c *Client) UserByID(ctx context.Context, id int) (User, error) {
	u, _, err := c.gl.Users.GetUser(id, gitlab.GetUsersOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return User{}, fmt.Errorf("failed to look up user %v: %w", id, err)
	}
	return userFromAPI(u), nil
}

func (c *Client) MyProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := FetchEachPage(func(options gitlab.ListOptions) (*gitlab.Response, error) {
		opt := &gitlab.ListProjectsOptions{
			ListOptions: options,
			Membership:  gitlab.Ptr(true),
		}
		page, resp, err := c.gl.Projects.ListProjects(opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			projects = append(projects, projectFromAPI(p))
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list my projects: %w", err)
	}
	return projects, nil
}

func (c *Client) GetProject(ctx context.Context, projectID int) (Project, error) {
	p, _, err := c.gl.Projects.GetProject(projectID, nil, gitlab.WithContext(ctx))
	if err != nil {
		return Project{}, fmt.Errorf("failed to fetch project %v: %w", projectID, err)
	}
	return projectFromAPI(p), nil
}

func (c *Client) AssignedMergeRequests(ctx context.Context, projectID int, order MergeOrder) ([]MergeRequest, error) {
	var mrs []MergeRequest
	err := FetchEachPage(func(options gitlab.ListOptions) (*gitlab.Response, error) {
		opt := &gitlab.ListProjectMergeRequestsOptions{
			ListOptions: options,
			State:       gitlab.Ptr("opened"),
			Scope:       gitlab.Ptr("assigned_to_me"),
			OrderBy:     gitlab.Ptr("created_at"),
			Sort:        gitlab.Ptr("asc"),
		}
		page, resp, err := c.gl.MergeRequests.ListProjectMergeRequests(projectID, opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, mr := range page {
			mrs = append(mrs, basicMergeRequestFromAPI(mr))
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned MRs in project %v: %w", projectID, err)
	}
	if order == OrderAssignedAt {
		// The service can't sort by assignment time. Last-updated is the closest stable proxy:
		// assigning an MR always bumps updated_at.
		sort.SliceStable(mrs, func(i, j int) bool { return mrs[i].UpdatedAt.Before(mrs[j].UpdatedAt) })
	}
	return mrs, nil
}

func (c *Client) GetMergeRequest(ctx context.Context, projectID, iid int) (MergeRequest, error) {
	mr, _, err := c.gl.MergeRequests.GetMergeRequest(projectID, iid, &gitlab.GetMergeRequestsOptions{
		IncludeRebaseInProgress: gitlab.Ptr(true),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, fmt.Errorf("failed to fetch MR %v!%v: %w", projectID, iid, err)
	}
	return mergeRequestFromAPI(mr), nil
}

func (c *Client) GetMergeRequestCommits(ctx context.Context, projectID, iid int) ([]Commit, error) {
	var commits []Commit
	err := FetchEachPage(func(options gitlab.ListOptions) (*gitlab.Response, error) {
		opt := gitlab.GetMergeRequestCommitsOptions(options)
		page, resp, err := c.gl.MergeRequests.GetMergeRequestCommits(projectID, iid, &opt, gitlab.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, commit := range page {
			commits = append(commits, Commit{SHA: commit.ID, Message: commit.Message})
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch commits of MR %v!%v: %w", projectID, iid, err)
	}
	return commits, nil
}

func (c *Client) GetApprovals(ctx context.Context, projectID, iid int) (Approvals, error) {
	approvals, _, err := c.gl.MergeRequestApprovals.GetConfiguration(projectID, iid, gitlab.WithContext(ctx))
	if err != nil {
		return Approvals{}, fmt.Errorf("failed to fetch approvals of MR %v!%v: %w", projectID, iid, err)
	}
	out := Approvals{ProjectID: projectID, IID: iid, ApprovalsLeft: approvals.ApprovalsLeft}
	for _, by := range approvals.ApprovedBy {
		if by.User != nil {
			out.ApproverIDs = append(out.ApproverIDs, by.User.ID)
		}
	}
	return out, nil
}

func (c *Client) PipelinesForSHA(ctx context.Context, projectID int, sha string) ([]Pipeline, error) {
	infos, _, err := c.gl.Pipelines.ListProjectPipelines(projectID, &gitlab.ListProjectPipelinesOptions{
		SHA: gitlab.Ptr(sha),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines for %v @ %v: %w", projectID, sha, err)
	}
	pipelines := make([]Pipeline, 0, len(infos))
	for _, p := range infos {
		pipelines = append(pipelines, Pipeline{ID: p.ID, SHA: p.SHA, Ref: p.Ref, Status: p.Status})
	}
	return pipelines, nil
}

func (c *Client) Accept(ctx context.Context, projectID, iid int, opts AcceptOptions) (MergeRequest, error) {
	acceptOpts := &gitlab.AcceptMergeRequestOptions{
		SHA:                      gitlab.Ptr(opts.SHA),
		ShouldRemoveSourceBranch: gitlab.Ptr(opts.RemoveSourceBranch),
		Squash:                   gitlab.Ptr(opts.Squash),
	}
	if opts.MergeCommitMessage != "" {
		acceptOpts.MergeCommitMessage = gitlab.Ptr(opts.MergeCommitMessage)
	}
	mr, _, err := c.gl.MergeRequests.AcceptMergeRequest(projectID, iid, acceptOpts, gitlab.WithContext(ctx))
	if err != nil {
		return MergeRequest{}, fmt.Errorf("accept of MR %v!%v rejected: %w", projectID, iid, err)
	}
	return mergeRequestFromAPI(mr), nil
}

func (c *Client) Rebase(ctx context.Context, projectID, iid int) error {
	if _, err := c.gl.MergeRequests.RebaseMergeRequest(projectID, iid, nil, gitlab.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to start service-side rebase of MR %v!%v: %w", projectID, iid, err)
	}
	return nil
}

func (c *Client) ApproveAs(ctx context.Context, projectID, iid int, sha string, userID int) error {
	_, _, err := c.gl.MergeRequestApprovals.ApproveMergeRequest(projectID, iid, &gitlab.ApproveMergeRequestOptions{
		SHA: gitlab.Ptr(sha),
	}, gitlab.WithContext(ctx), gitlab.WithSudo(userID))
	if err != nil {
		return fmt.Errorf("failed to approve MR %v!%v as user %v: %w", projectID, iid, userID, err)
	}
	return nil
}

func (c *Client) Unassign(ctx context.Context, projectID, iid int) error {
	_, _, err := c.gl.MergeRequests.UpdateMergeRequest(projectID, iid, &gitlab.UpdateMergeRequestOptions{
		AssigneeID: gitlab.Ptr(0),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to unassign MR %v!%v: %w", projectID, iid, err)
	}
	return nil
}

func (c *Client) PostComment(ctx context.Context, projectID, iid int, body string) error {
	_, _, err := c.gl.Notes.CreateMergeRequestNote(projectID, iid, &gitlab.CreateMergeRequestNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to comment on MR %v!%v: %w", projectID, iid, err)
	}
	return nil
}
