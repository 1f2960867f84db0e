// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repostore

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sergebot/serge/gitlabutil"
)

func setupOrigin(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "origin")
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.name", "Origin"},
		{"config", "user.email", "origin@example.com"},
		{"commit", "--allow-empty", "-m", "Initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Mode:      ModeHTTPS,
		AuthToken: "token",
		RootDir:   t.TempDir(),
		User:      gitlabutil.User{Username: "serge", Name: "Serge Bot", Email: "serge@example.com"},
		Timeout:   time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRepoForProjectCachesPerSourceProject(t *testing.T) {
	origin := setupOrigin(t)
	m := testManager(t)
	defer m.Close()

	project := gitlabutil.Project{ID: 1, PathWithNamespace: "g/p", HTTPURL: origin}
	ctx := context.Background()

	first, err := m.RepoForProject(ctx, project, project)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.RepoForProject(ctx, project, project)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same source project should reuse the cached clone")
	}
	if _, err := os.Stat(filepath.Join(first.Dir, ".git")); err != nil {
		t.Errorf("clone missing: %v", err)
	}

	m.Drop(project.ID)
	if _, err := os.Stat(first.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Error("Drop should delete the working tree")
	}
	third, err := m.RepoForProject(ctx, project, project)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Error("a dropped tree must be recreated, not reused")
	}
}

func TestCloseRemovesEverything(t *testing.T) {
	origin := setupOrigin(t)
	m := testManager(t)

	project := gitlabutil.Project{ID: 1, PathWithNamespace: "g/p", HTTPURL: origin}
	repo, err := m.RepoForProject(context.Background(), project, project)
	if err != nil {
		t.Fatal(err)
	}
	m.Close()
	if _, err := os.Stat(repo.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Error("Close should remove the run's working trees")
	}
}

func TestAPIOnlyManager(t *testing.T) {
	m, err := NewManager(Options{Mode: ModeAPIOnly, RootDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if !m.APIOnly() {
		t.Error("manager should report API-only")
	}
	if _, err := m.RepoForProject(context.Background(), gitlabutil.Project{ID: 1}, gitlabutil.Project{ID: 1}); !errors.Is(err, ErrAPIOnly) {
		t.Errorf("RepoForProject = %v, want ErrAPIOnly", err)
	}
}

func TestNewManagerRejectsBadSSHKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyFile, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewManager(Options{Mode: ModeSSH, SSHKeyFile: keyFile, RootDir: t.TempDir()})
	if err == nil {
		t.Fatal("a bogus SSH key must fail manager construction")
	}
}
