// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package bot

import (
	"context"
	"testing"

	"github.com/sergebot/serge/gitlabutil"
)

type fakeListAPI struct {
	gitlabutil.API

	projects []gitlabutil.Project
	mrs      []gitlabutil.MergeRequest
}

func (f *fakeListAPI) MyProjects(ctx context.Context) ([]gitlabutil.Project, error) {
	return f.projects, nil
}

func (f *fakeListAPI) AssignedMergeRequests(ctx context.Context, projectID int, order gitlabutil.MergeOrder) ([]gitlabutil.MergeRequest, error) {
	return f.mrs, nil
}

func testBot(t *testing.T, api gitlabutil.API, mutate func(*Config)) *Bot {
	t.Helper()
	cfg := defaultConfig()
	cfg.BaseURL = "https://gitlab.example.com"
	cfg.AuthToken = "token"
	cfg.UseHTTPS = true
	cfg.RootDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := cfg.parse()
	if err != nil {
		t.Fatal(err)
	}
	return &Bot{api: api, user: gitlabutil.User{ID: 1, Username: "serge"}, settings: s}
}

func TestMatchingProjects(t *testing.T) {
	api := &fakeListAPI{projects: []gitlabutil.Project{
		{ID: 1, PathWithNamespace: "platform/api"},
		{ID: 2, PathWithNamespace: "platform/web"},
		{ID: 3, PathWithNamespace: "sandbox/scratch"},
	}}
	b := testBot(t, api, func(c *Config) { c.ProjectRegexp = `^platform/` })

	got, err := b.matchingProjects(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("matched %v projects, want 2", len(got))
	}
	for _, p := range got {
		if p.PathWithNamespace == "sandbox/scratch" {
			t.Error("sandbox project should have been filtered out")
		}
	}
}

func TestMatchingMergeRequests(t *testing.T) {
	api := &fakeListAPI{mrs: []gitlabutil.MergeRequest{
		{IID: 1, TargetBranch: "main", SourceBranch: "feature/a"},
		{IID: 2, TargetBranch: "experimental", SourceBranch: "feature/b"},
		{IID: 3, TargetBranch: "main", SourceBranch: "wip/c"},
	}}
	b := testBot(t, api, func(c *Config) {
		c.BranchRegexp = `^main$`
		c.SourceBranchRegexp = `^feature/`
	})

	got, err := b.matchingMergeRequests(context.Background(), gitlabutil.Project{ID: 1, PathWithNamespace: "platform/api"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].IID != 1 {
		t.Fatalf("matched %v, want just MR !1", got)
	}
}
