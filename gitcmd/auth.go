// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gitcmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// URLAuther manipulates a Git repository URL such that Git commands taking a remote will work with
// the URL. This is intentionally vague: it could add an access token into the URL, or it could
// simply make the URL compatible with environmental auth on the machine (SSH). Other packages may
// implement this interface for various services and authentication types.
type URLAuther interface {
	// InsertAuth inserts authentication into the URL and returns it, or if the auther doesn't
	// apply, returns the url without any modifications.
	InsertAuth(url string) string
}

// NoAuther does nothing to URLs.
type NoAuther struct{}

func (NoAuther) InsertAuth(url string) string {
	return url
}

// MultiAuther tries multiple authers in sequence. Stops and returns the result when any auther
// makes a change to the URL.
type MultiAuther struct {
	Authers []URLAuther
}

func (m MultiAuther) InsertAuth(url string) string {
	for _, a := range m.Authers {
		if authUrl := a.InsertAuth(url); authUrl != url {
			return authUrl
		}
	}
	return url
}

// GitLabPATAuther adds a username and personal access token into HTTPS GitLab remote URLs. GitLab
// accepts any non-empty username when the password is a PAT, but using the bot's real username
// keeps server-side logs readable.
type GitLabPATAuther struct {
	User string
	PAT  string
}

func (a GitLabPATAuther) InsertAuth(repoURL string) string {
	if a.PAT == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return repoURL
	}
	user := a.User
	if user == "" {
		user = "oauth2"
	}
	u.User = url.UserPassword(user, a.PAT)
	return u.String()
}

// GitLabSSHAuther converts HTTPS GitLab remote URLs into SSH format so Git uses the machine's SSH
// identity. The identity file itself is configured per working tree via core.sshCommand, not here.
type GitLabSSHAuther struct{}

func (GitLabSSHAuther) InsertAuth(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	return "git@" + u.Host + ":" + strings.TrimPrefix(u.Path, "/")
}

// ValidateSSHKeyFile parses the private key at path to catch a bad identity file at configuration
// time rather than deep inside the first fetch. Encrypted keys are rejected: the bot runs headless
// and cannot answer a passphrase prompt.
func ValidateSSHKeyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read SSH key file: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		var passphraseErr *ssh.PassphraseMissingError
		if errors.As(err, &passphraseErr) {
			return fmt.Errorf("SSH key file %q is passphrase protected, which the bot cannot use: %w", path, err)
		}
		return fmt.Errorf("SSH key file %q is not a usable private key: %w", path, err)
	}
	return nil
}
