// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gitlabutil

import (
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// Access levels as reported by the service. Only the levels the bot branches on are named.
const (
	AccessLevelReporter  = 20
	AccessLevelDeveloper = 30
)

// Merge methods a project may be configured with.
const (
	MergeMethodMerge       = "merge"
	MergeMethodRebaseMerge = "rebase_merge"
	MergeMethodFastForward = "ff"
)

// User is the service-side identity of a user. Email is only populated when the lookup was
// performed with admin rights.
type User struct {
	ID       int
	Username string
	Name     string
	Email    string
	IsAdmin  bool
}

// Project is the slice of project state the bot makes decisions on.
type Project struct {
	ID                               int
	PathWithNamespace                string
	AccessLevel                      int
	MergeMethod                      string
	OnlyAllowMergeIfPipelineSucceeds bool
	MergeCommitTemplate              string
	SSHURL                           string
	HTTPURL                          string
}

// MergeRequest is a point-in-time read of a merge request. The remote service mutates these at any
// moment: refetch before any decision that depends on freshness.
type MergeRequest struct {
	ProjectID                   int
	IID                         int
	ID                          int
	Title                       string
	Description                 string
	State                       string
	WebURL                      string
	SourceBranch                string
	TargetBranch                string
	SourceProjectID             int
	TargetProjectID             int
	SHA                         string
	MergeCommitSHA              string
	AuthorID                    int
	AssigneeIDs                 []int
	Labels                      []string
	Draft                       bool
	Squash                      bool
	ForceRemoveSourceBranch     bool
	HasConflicts                bool
	BlockingDiscussionsResolved bool
	RebaseInProgress            bool
	MergeError                  string
	DetailedMergeStatus         string
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// Open reports whether the MR is still open on the service.
func (mr *MergeRequest) Open() bool { return mr.State == "opened" }

// Merged reports whether the service considers the MR merged.
func (mr *MergeRequest) Merged() bool { return mr.State == "merged" }

// FromFork reports whether the MR's source branch lives in a different project than its target.
func (mr *MergeRequest) FromFork() bool {
	return mr.SourceProjectID != 0 && mr.SourceProjectID != mr.TargetProjectID
}

// AssignedTo reports whether the given user is among the MR's assignees.
func (mr *MergeRequest) AssignedTo(userID int) bool {
	for _, id := range mr.AssigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Approvals is a snapshot of who has approved the current head of an MR. The service invalidates
// it when the head changes.
type Approvals struct {
	ProjectID     int
	IID           int
	ApproverIDs   []int
	ApprovalsLeft int
}

// Sufficient reports whether the service is satisfied with the current approvals.
func (a *Approvals) Sufficient() bool { return a.ApprovalsLeft == 0 }

// Pipeline statuses defined by the service.
const (
	PipelineCreated  = "created"
	PipelinePending  = "pending"
	PipelineRunning  = "running"
	PipelineSuccess  = "success"
	PipelineFailed   = "failed"
	PipelineCanceled = "canceled"
	PipelineSkipped  = "skipped"
	PipelineManual   = "manual"
)

// Pipeline is one CI pipeline attached to a commit.
type Pipeline struct {
	ID     int
	SHA    string
	Ref    string
	Status string
}

// Terminal reports whether the pipeline has reached a state it won't leave on its own.
func (p *Pipeline) Terminal() bool {
	switch p.Status {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	}
	return false
}

// Commit is one commit of a merge request as reported by the service.
type Commit struct {
	SHA     string
	Message string
}

func userFromAPI(u *gitlab.User) User {
	if u == nil {
		return User{}
	}
	return User{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Email:    u.Email,
		IsAdmin:  u.IsAdmin,
	}
}

func projectFromAPI(p *gitlab.Project) Project {
	out := Project{
		ID:                               p.ID,
		PathWithNamespace:                p.PathWithNamespace,
		MergeMethod:                      string(p.MergeMethod),
		OnlyAllowMergeIfPipelineSucceeds: p.OnlyAllowMergeIfPipelineSucceeds,
		MergeCommitTemplate:              p.MergeCommitTemplate,
		SSHURL:                           p.SSHURLToRepo,
		HTTPURL:                          p.HTTPURLToRepo,
	}
	if p.Permissions != nil {
		if p.Permissions.ProjectAccess != nil {
			out.AccessLevel = int(p.Permissions.ProjectAccess.AccessLevel)
		}
		if p.Permissions.GroupAccess != nil && int(p.Permissions.GroupAccess.AccessLevel) > out.AccessLevel {
			out.AccessLevel = int(p.Permissions.GroupAccess.AccessLevel)
		}
	}
	return out
}

func basicMergeRequestFromAPI(mr *gitlab.BasicMergeRequest) MergeRequest {
	out := MergeRequest{
		ProjectID:               mr.ProjectID,
		IID:                     mr.IID,
		ID:                      mr.ID,
		Title:                   mr.Title,
		Description:             mr.Description,
		State:                   mr.State,
		WebURL:                  mr.WebURL,
		SourceBranch:            mr.SourceBranch,
		TargetBranch:            mr.TargetBranch,
		SourceProjectID:         mr.SourceProjectID,
		TargetProjectID:         mr.TargetProjectID,
		SHA:                     mr.SHA,
		MergeCommitSHA:          mr.MergeCommitSHA,
		Labels:                  mr.Labels,
		Draft:                   mr.Draft,
		Squash:                  mr.Squash,
		ForceRemoveSourceBranch: mr.ForceRemoveSourceBranch,
		HasConflicts:            mr.HasConflicts,
		DetailedMergeStatus:     mr.DetailedMergeStatus,
	}
	if mr.Author != nil {
		out.AuthorID = mr.Author.ID
	}
	for _, a := range mr.Assignees {
		out.AssigneeIDs = append(out.AssigneeIDs, a.ID)
	}
	if len(out.AssigneeIDs) == 0 && mr.Assignee != nil {
		out.AssigneeIDs = []int{mr.Assignee.ID}
	}
	if mr.CreatedAt != nil {
		out.CreatedAt = *mr.CreatedAt
	}
	if mr.UpdatedAt != nil {
		out.UpdatedAt = *mr.UpdatedAt
	}
	return out
}

func mergeRequestFromAPI(mr *gitlab.MergeRequest) MergeRequest {
	out := basicMergeRequestFromAPI(&mr.BasicMergeRequest)
	out.BlockingDiscussionsResolved = mr.BlockingDiscussionsResolved
	out.RebaseInProgress = mr.RebaseInProgress
	out.MergeError = mr.MergeError
	return out
}
