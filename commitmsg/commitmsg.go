// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package commitmsg rewrites commit messages: trailer lines carrying review provenance, and merge
// commit messages rendered from a project's template.
package commitmsg

import (
	"fmt"
	"regexp"
	"strings"
)

// Reviewer identifies one approver for a Reviewed-by trailer.
type Reviewer struct {
	Name  string
	Email string
}

// Trailers describes the trailer lines to stamp onto a commit span. Fields left empty produce no
// trailer.
type Trailers struct {
	// Reviewers adds one "Reviewed-by: Name <email>" line per entry to every commit.
	Reviewers []Reviewer
	// TesterName and TesterRef add "Tested-by: Name <ref>" to the tip commit only. TesterRef is
	// the merge request web URL: the pipeline that proves testing hangs off the MR.
	TesterName string
	TesterRef  string
	// PartOf adds "Part-of: <!iid>" to every commit.
	PartOf string
}

// tipTrailerLine returns the Tested-by line, or "" when not configured.
func (t Trailers) tipTrailerLine() string {
	if t.TesterName == "" || t.TesterRef == "" {
		return ""
	}
	return fmt.Sprintf("Tested-by: %v <%v>", t.TesterName, t.TesterRef)
}

func (t Trailers) commonTrailerLines() []string {
	var lines []string
	for _, r := range t.Reviewers {
		lines = append(lines, fmt.Sprintf("Reviewed-by: %v <%v>", r.Name, r.Email))
	}
	if t.PartOf != "" {
		lines = append(lines, fmt.Sprintf("Part-of: <%v>", t.PartOf))
	}
	return lines
}

// trailerLine matches an RFC-2822-style "Key: value" trailer, or the parenthetical
// "(cherry picked from commit ...)" footer git emits for -x cherry-picks.
var trailerLine = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*: .+|\(cherry picked from commit [0-9a-f]+\))$`)

// Rewrite returns the message with the configured trailers appended. tip selects whether the
// commit is the last of the span, which is the only one that carries Tested-by. originalSHA, when
// non-empty, records the commit this one replaced as a cherry-pick footer.
//
// Rewrite is idempotent: running it on its own output yields a byte-identical message. Trailer
// lines already present are not duplicated, and the message is normalized to end in exactly one
// newline.
func Rewrite(message string, t Trailers, tip bool, originalSHA string) string {
	body, existing := splitTrailers(message)

	want := t.commonTrailerLines()
	if tip {
		if line := t.tipTrailerLine(); line != "" {
			want = append(want, line)
		}
	}
	if originalSHA != "" {
		want = append(want, fmt.Sprintf("(cherry picked from commit %v)", originalSHA))
	}

	lines := existing
	for _, line := range want {
		if !containsLine(lines, line) {
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 {
		return body + "\n"
	}
	return body + "\n\n" + strings.Join(lines, "\n") + "\n"
}

// splitTrailers separates a commit message into its body (trailing whitespace trimmed) and any
// existing trailer block: the final paragraph, if every line of it looks like a trailer.
func splitTrailers(message string) (body string, trailers []string) {
	trimmed := strings.TrimRight(message, "\n \t")
	paragraphs := strings.Split(trimmed, "\n\n")
	if len(paragraphs) < 2 {
		return trimmed, nil
	}
	last := strings.Split(paragraphs[len(paragraphs)-1], "\n")
	for _, line := range last {
		if !trailerLine.MatchString(strings.TrimSpace(line)) {
			return trimmed, nil
		}
	}
	for _, line := range last {
		trailers = append(trailers, strings.TrimSpace(line))
	}
	return strings.TrimRight(strings.Join(paragraphs[:len(paragraphs)-1], "\n\n"), "\n \t"), trailers
}

func containsLine(lines []string, line string) bool {
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}
