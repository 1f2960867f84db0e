// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// serge is a merge-request serialization bot: it polls for merge requests assigned to its user,
// rebases each one onto the target branch, waits for CI, and merges, keeping the target branch
// linear and always green.
package main

import (
	"log"

	"github.com/sergebot/serge/subcmd"
)

const description = `
serge serializes merge requests: assign an MR to the bot user and it will rebase, wait for a
green pipeline on the rebased commit, and merge.
`

// subcommands is the list of subcommand options, populated by each file's init function.
var subcommands []subcmd.Option

func main() {
	if err := subcmd.Run("serge", description, subcommands); err != nil {
		log.Fatal(err)
	}
}
