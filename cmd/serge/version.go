// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"runtime/debug"

	"github.com/sergebot/serge/subcmd"
)

func init() {
	subcommands = append(subcommands, subcmd.Option{
		Name:    "version",
		Summary: "Print build information.",
		Handle:  handleVersion,
	})
}

func handleVersion(p subcmd.ParseFunc) error {
	if err := p(); err != nil {
		return err
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("serge (no build info)")
		return nil
	}
	fmt.Printf("serge %v\n", info.Main.Version)
	return nil
}
