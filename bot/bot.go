// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package bot is the polling driver: it discovers projects and merge requests assigned to the bot
// user, and hands them to the merge jobs one project at a time.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sergebot/serge/ciwait"
	"github.com/sergebot/serge/gitlabutil"
	"github.com/sergebot/serge/job"
	"github.com/sergebot/serge/repostore"
)

const (
	sleepBetweenProjects  = time.Second
	minSleepAfterIdleScan = 30 * time.Second
)

// Bot polls the service and serializes merges.
type Bot struct {
	api      gitlabutil.API
	user     gitlabutil.User
	settings *settings
	store    *repostore.Manager
	waiter   *ciwait.Waiter
	// once makes Run process the backlog a single time and return.
	once bool
}

// New validates the configuration against the service and builds a ready-to-run bot. Admin-only
// options are rejected up front when the token user isn't an admin: finding out at re-approval
// time would mean work is already lost.
func New(ctx context.Context, cfg Config, api gitlabutil.API, once bool) (*Bot, error) {
	s, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	user, err := api.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate against %v: %w", cfg.BaseURL, err)
	}
	if !user.IsAdmin {
		if s.opts.Reapprove {
			return nil, fmt.Errorf("%v is not an admin, can't impersonate for reapprove", user.Username)
		}
		if s.opts.AddReviewers {
			return nil, fmt.Errorf("%v is not an admin, can't look up Reviewed-by email addresses", user.Username)
		}
	}

	s.storeOpts.User = user
	store, err := repostore.NewManager(s.storeOpts)
	if err != nil {
		return nil, err
	}

	return &Bot{
		api:      api,
		user:     user,
		settings: s,
		store:    store,
		waiter: &ciwait.Waiter{
			API:          api,
			PollInterval: s.opts.CIPollInterval,
			Timeout:      s.opts.CITimeout,
			ManualPolicy: s.opts.ManualPolicy,
		},
		once: once,
	}, nil
}

// Close releases the run's working trees.
func (b *Bot) Close() {
	b.store.Close()
}

// Run is the main loop: scan all matching projects, process each one's backlog, and sleep when a
// full scan found nothing to do. Returns when ctx is canceled, or after one scan in once mode.
func (b *Bot) Run(ctx context.Context) error {
	for {
		projects, err := b.matchingProjects(ctx)
		if err != nil {
			return err
		}

		processed := 0
		for _, project := range projects {
			n, err := b.processProject(ctx, project)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Keep the run alive: an error in one project must not starve the others.
				log.Printf("Error processing %v: %v\n", project.PathWithNamespace, err)
			}
			processed += n
			if !sleepCtx(ctx, sleepBetweenProjects) {
				return ctx.Err()
			}
		}

		if b.once {
			return nil
		}
		if processed == 0 {
			bigSleep := minSleepAfterIdleScan - sleepBetweenProjects*time.Duration(len(projects))
			if bigSleep > 0 {
				log.Printf("Nothing to merge anywhere; sleeping for %v...\n", bigSleep)
				if !sleepCtx(ctx, bigSleep) {
					return ctx.Err()
				}
			}
		}
	}
}

// matchingProjects lists the bot's projects and filters them by the project regexp.
func (b *Bot) matchingProjects(ctx context.Context) ([]gitlabutil.Project, error) {
	var projects []gitlabutil.Project
	err := gitlabutil.Retry(func() error {
		var err error
		projects, err = b.api.MyProjects(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list my projects: %w", err)
	}
	var matched []gitlabutil.Project
	for _, p := range projects {
		if !b.settings.projectRegexp.MatchString(p.PathWithNamespace) {
			log.Printf("Project %v does not match project_regexp.\n", p.PathWithNamespace)
			continue
		}
		matched = append(matched, p)
	}
	return matched, nil
}

// matchingMergeRequests lists open MRs assigned to the bot in the project, filtered by the branch
// regexps, in merge order.
func (b *Bot) matchingMergeRequests(ctx context.Context, project gitlabutil.Project) ([]gitlabutil.MergeRequest, error) {
	log.Printf("Fetching merge requests assigned to me in %v...\n", project.PathWithNamespace)
	mrs, err := b.api.AssignedMergeRequests(ctx, project.ID, gitlabutil.MergeOrder(b.settings.mergeOrder))
	if err != nil {
		return nil, err
	}
	var matched []gitlabutil.MergeRequest
	for _, mr := range mrs {
		if !b.settings.branchRegexp.MatchString(mr.TargetBranch) {
			log.Printf("MR %v does not match branch_regexp.\n", mr.WebURL)
			continue
		}
		if !b.settings.sourceBranchRegexp.MatchString(mr.SourceBranch) {
			log.Printf("MR %v does not match source_branch_regexp.\n", mr.WebURL)
			continue
		}
		matched = append(matched, mr)
	}
	return matched, nil
}

// processProject handles one project's backlog. Returns the number of MRs considered.
func (b *Bot) processProject(ctx context.Context, project gitlabutil.Project) (int, error) {
	if project.AccessLevel < gitlabutil.AccessLevelReporter {
		log.Printf("Don't have enough permissions to browse merge requests in %v!\n", project.PathWithNamespace)
		return 0, nil
	}
	mrs, err := b.matchingMergeRequests(ctx, project)
	if err != nil {
		return 0, err
	}
	if len(mrs) == 0 {
		log.Printf("Nothing to merge in %v at this point.\n", project.PathWithNamespace)
		return 0, nil
	}
	log.Printf("Got %v requests to merge in %v.\n", len(mrs), project.PathWithNamespace)

	if b.settings.batch && len(mrs) > 1 && !b.store.APIOnly() {
		log.Printf("Attempting to merge as many MRs as possible in one batch...\n")
		batchJob, err := b.batchJob(ctx, project, mrs)
		if err == nil {
			err = batchJob.Execute(ctx)
		}
		var cannotBatch *job.CannotBatchError
		var cannotMerge *job.CannotMergeError
		switch {
		case err == nil:
			return len(mrs), nil
		case errors.As(err, &cannotBatch):
			log.Printf("Batch aborted: %v\n", err)
		case errors.As(err, &cannotMerge):
			log.Printf("Batch failed: %v\n", err)
			return len(mrs), nil
		case ctx.Err() != nil:
			return len(mrs), ctx.Err()
		default:
			// Most likely a git failure; the working tree may be corrupted. Drop it so the next
			// use starts from a fresh clone.
			log.Printf("Batch failed: %v\n", err)
			if batchJob != nil && batchJob.Repo != nil {
				b.store.Drop(batchJob.Repo.SourceProjectID)
			}
		}
	}

	log.Printf("Attempting to merge the oldest MR...\n")
	singleJob, err := b.singleJob(ctx, project, mrs[0])
	if err != nil {
		return len(mrs), err
	}
	err = singleJob.Execute(ctx)
	switch {
	case err == nil:
	case errors.Is(err, job.ErrLeaveAssigned):
	default:
		var cannotMerge *job.CannotMergeError
		if !errors.As(err, &cannotMerge) {
			// Run-level failure, likely a git error mid-job; the tree may be corrupted. Drop it
			// so the next scan recreates it.
			if singleJob.Repo != nil {
				b.store.Drop(singleJob.Repo.SourceProjectID)
			}
			return len(mrs), err
		}
		log.Printf("MR not merged: %v\n", err)
	}
	return len(mrs), nil
}

// baseJob assembles the capability bundle shared by both job kinds.
func (b *Bot) baseJob(project gitlabutil.Project, repo *repostore.Repo) *job.Job {
	return &job.Job{
		API:     b.api,
		User:    b.user,
		Project: project,
		Repo:    repo,
		Waiter:  b.waiter,
		Opts:    b.settings.opts,
	}
}

func (b *Bot) singleJob(ctx context.Context, project gitlabutil.Project, mr gitlabutil.MergeRequest) (*job.SingleJob, error) {
	repo, err := b.repoFor(ctx, project, mr)
	if err != nil {
		return nil, err
	}
	return &job.SingleJob{Job: b.baseJob(project, repo), MR: mr}, nil
}

func (b *Bot) batchJob(ctx context.Context, project gitlabutil.Project, mrs []gitlabutil.MergeRequest) (*job.BatchJob, error) {
	repo, err := b.store.RepoForProject(ctx, project, project)
	if err != nil {
		return nil, err
	}
	return &job.BatchJob{Job: b.baseJob(project, repo), MRs: mrs}, nil
}

// repoFor resolves the working tree for an MR: the source project's clone, with the target
// project as origin. API-only mode runs without one.
func (b *Bot) repoFor(ctx context.Context, project gitlabutil.Project, mr gitlabutil.MergeRequest) (*repostore.Repo, error) {
	if b.store.APIOnly() {
		return nil, nil
	}
	source := project
	if mr.FromFork() {
		var err error
		source, err = b.api.GetProject(ctx, mr.SourceProjectID)
		if err != nil {
			return nil, err
		}
	}
	repo, err := b.store.RepoForProject(ctx, project, source)
	if err != nil {
		// A failed clone may leave a broken tree behind; drop it so the next scan starts clean.
		b.store.Drop(source.ID)
		return nil, err
	}
	return repo, nil
}

// sleepCtx sleeps for d unless ctx is canceled first. Reports whether the full sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
