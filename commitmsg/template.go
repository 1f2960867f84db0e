// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commitmsg

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// MergeCommitData is the information available to a project's merge commit template.
type MergeCommitData struct {
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	// Reference is the short MR reference, "!123".
	Reference string
	WebURL    string
}

// RenderMergeCommit renders a project's merge-commit-template with the MR's data. An empty
// template produces the service's conventional default message.
func RenderMergeCommit(tmpl string, data MergeCommitData) (string, error) {
	if tmpl == "" {
		return fmt.Sprintf("Merge branch %q into %q\n\n%v\n\nSee merge request %v",
			data.SourceBranch, data.TargetBranch, data.Title, data.Reference), nil
	}
	t, err := template.New("merge-commit").Funcs(sprig.TxtFuncMap()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse merge commit template: %w", err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render merge commit template: %w", err)
	}
	return sb.String(), nil
}
