// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package executil contains some common wrappers for simple use of exec.Cmd.
package executil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Run sets up the command to log directly to our stdout/stderr streams, then runs it.
func Run(c *exec.Cmd) error {
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return RunQuiet(c)
}

// RunQuiet logs the command line and runs the given command without attaching output streams.
func RunQuiet(c *exec.Cmd) error {
	fmt.Printf("---- Running command: %v %v\n", c.Path, c.Args)
	return c.Run()
}

// CombinedOutput runs a command and returns the output string of c.CombinedOutput.
func CombinedOutput(c *exec.Cmd) (string, error) {
	fmt.Printf("---- Running command: %v %v\n", c.Path, c.Args)
	out, err := c.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command %v %v failed: %w: %s", c.Path, c.Args, err, out)
	}
	return string(out), nil
}

// SpaceTrimmedCombinedOutput runs CombinedOutput and trims leading/trailing spaces from the result.
func SpaceTrimmedCombinedOutput(c *exec.Cmd) (string, error) {
	out, err := CombinedOutput(c)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Dir creates a command that runs in the given directory.
func Dir(dir, name string, args ...string) *exec.Cmd {
	c := exec.Command(name, args...)
	c.Dir = dir
	return c
}

// DirContext is like Dir, but the command is bound to ctx. When the ctx deadline passes, the
// process is killed and the command returns an error (an *exec.ExitError such as
// "signal: killed", not ctx.Err()).
func DirContext(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = dir
	return c
}

// MakeWorkDir creates a unique path inside the given root dir to use as a workspace. The name
// starts with the local time in a sortable format to help with browsing multiple workspaces. This
// function uses os.MkdirAll to ensure the root dir exists.
func MakeWorkDir(rootDir string) (string, error) {
	pathDate := time.Now().Format("2006-01-02_15-04-05")
	if err := os.MkdirAll(rootDir, os.ModePerm); err != nil {
		return "", err
	}
	return os.MkdirTemp(rootDir, fmt.Sprintf("%s_*", pathDate))
}
