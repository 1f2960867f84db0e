// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sergebot/serge/bot"
	"github.com/sergebot/serge/gitlabutil"
	"github.com/sergebot/serge/subcmd"
)

func init() {
	subcommands = append(subcommands, subcmd.Option{
		Name:    "run",
		Summary: "Poll for assigned merge requests and merge them.",
		Description: `

Runs forever unless -once is given. On SIGINT/SIGTERM the in-flight REST call or Git command is
canceled rather than finished, the current MR is abandoned without being accepted, and temporary
working trees are removed.
`,
		Handle: handleRun,
	})
}

func handleRun(p subcmd.ParseFunc) error {
	flags := bot.BindFlags()
	if err := p(); err != nil {
		return err
	}
	cfg, err := flags.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gl, err := gitlabutil.NewClient(ctx, cfg.BaseURL, cfg.AuthToken)
	if err != nil {
		return err
	}
	b, err := bot.New(ctx, cfg, gitlabutil.NewAPI(gl), *flags.Once)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
