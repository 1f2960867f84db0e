// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package bot

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/sergebot/serge/ciwait"
	"github.com/sergebot/serge/interval"
	"github.com/sergebot/serge/job"
	"github.com/sergebot/serge/repostore"
	"go.yaml.in/yaml/v4"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the bot configuration file. Every option has a working default except the connection
// settings.
type Config struct {
	// BaseURL is the service instance, e.g. "https://gitlab.example.com".
	BaseURL string `yaml:"base_url"`
	// AuthToken is the bot's personal access token. Usually supplied by flag or environment
	// rather than the file.
	AuthToken string `yaml:"auth_token"`

	UseHTTPS         bool   `yaml:"use_https"`
	SSHKeyFile       string `yaml:"ssh_key_file"`
	UseOnlyGitLabAPI bool   `yaml:"use_only_gitlab_api"`
	GitReferenceRepo string `yaml:"git_reference_repo"`
	// RootDir is where per-run working trees live. Defaults to the system temp dir.
	RootDir string `yaml:"root_dir"`

	ProjectRegexp      string `yaml:"project_regexp"`
	BranchRegexp       string `yaml:"branch_regexp"`
	SourceBranchRegexp string `yaml:"source_branch_regexp"`

	// MergeOrder is "assigned_at" (default) or "created_at".
	MergeOrder string `yaml:"merge_order"`
	// Fusion is "rebase" (default), "merge", or "gitlab-rebase".
	Fusion string `yaml:"fusion"`

	AddTested      bool `yaml:"add_tested"`
	AddPartOf      bool `yaml:"add_part_of"`
	AddReviewers   bool `yaml:"add_reviewers"`
	Reapprove      bool `yaml:"reapprove"`
	TagOriginalSHA bool `yaml:"tag_original_sha"`

	RequireResolvedDiscussions bool     `yaml:"require_resolved_discussions"`
	BlockingLabels             []string `yaml:"blocking_labels"`
	AllowMergeStrategies       []string `yaml:"allow_merge_strategies"`

	Batch     bool `yaml:"batch"`
	BatchSkip bool `yaml:"batch_skip"`
	Bisect    bool `yaml:"bisect"`

	CITimeout      Duration `yaml:"ci_timeout"`
	CIPollInterval Duration `yaml:"ci_poll_interval"`
	GitTimeout     Duration `yaml:"git_timeout"`
	// CIManualPolicy is "fail" (default) or "wait": what to do when a pipeline is blocked on a
	// manual job.
	CIManualPolicy string `yaml:"ci_manual_policy"`

	// MergeInterval restricts when merges happen, e.g. "Mon@9am - Fri@5pm". Empty means always.
	MergeInterval string `yaml:"merge_interval"`
}

// defaultConfig returns the documented defaults.
func defaultConfig() Config {
	return Config{
		ProjectRegexp:      ".*",
		BranchRegexp:       ".*",
		SourceBranchRegexp: ".*",
		MergeOrder:         "assigned_at",
		Fusion:             "rebase",
		BatchSkip:          true,
		CITimeout:          Duration(15 * time.Minute),
		CIPollInterval:     Duration(5 * time.Second),
		GitTimeout:         Duration(2 * time.Minute),
		CIManualPolicy:     "fail",
	}
}

// Flags is the command-line surface. File options cover everything; flags cover the connection
// settings and anything worth overriding per invocation.
type Flags struct {
	ConfigFile *string
	BaseURL    *string
	AuthToken  *string
	SSHKeyFile *string
	Once       *bool
}

// BindFlags registers the bot's flags, to be parsed by the caller.
func BindFlags() *Flags {
	return &Flags{
		ConfigFile: flag.String("c", "", "The YAML configuration file to load."),
		BaseURL:    flag.String("base-url", "", "The service instance URL. Overrides the config file."),
		AuthToken:  flag.String("auth-token", os.Getenv("SERGE_AUTH_TOKEN"), "The bot's access token. Defaults to $SERGE_AUTH_TOKEN."),
		SSHKeyFile: flag.String("ssh-key-file", "", "SSH identity file for Git operations. Overrides the config file."),
		Once:       flag.Bool("once", false, "Process the current backlog once and exit instead of polling forever."),
	}
}

// Load reads the config file (when given) over the defaults and applies flag overrides.
func (f *Flags) Load() (Config, error) {
	cfg := defaultConfig()
	if *f.ConfigFile != "" {
		data, err := os.ReadFile(*f.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if *f.BaseURL != "" {
		cfg.BaseURL = *f.BaseURL
	}
	if *f.AuthToken != "" {
		cfg.AuthToken = *f.AuthToken
	}
	if *f.SSHKeyFile != "" {
		cfg.SSHKeyFile = *f.SSHKeyFile
	}
	return cfg, nil
}

// settings is the validated, parsed form of Config that the bot runs on.
type settings struct {
	projectRegexp      *regexp.Regexp
	branchRegexp       *regexp.Regexp
	sourceBranchRegexp *regexp.Regexp
	mergeOrder         string
	opts               job.Options
	storeOpts          repostore.Options
	batch              bool
}

// parse validates the configuration. All misconfiguration is fatal: better to refuse to start
// than to merge with surprising behavior.
func (c *Config) parse() (*settings, error) {
	if c.BaseURL == "" {
		return nil, errors.New("base_url is required")
	}
	if c.AuthToken == "" {
		return nil, errors.New("an auth token is required")
	}

	s := &settings{mergeOrder: c.MergeOrder, batch: c.Batch}

	var err error
	if s.projectRegexp, err = regexp.Compile(c.ProjectRegexp); err != nil {
		return nil, fmt.Errorf("invalid project_regexp: %w", err)
	}
	if s.branchRegexp, err = regexp.Compile(c.BranchRegexp); err != nil {
		return nil, fmt.Errorf("invalid branch_regexp: %w", err)
	}
	if s.sourceBranchRegexp, err = regexp.Compile(c.SourceBranchRegexp); err != nil {
		return nil, fmt.Errorf("invalid source_branch_regexp: %w", err)
	}
	switch c.MergeOrder {
	case "assigned_at", "created_at":
	default:
		return nil, fmt.Errorf("invalid merge_order %q (want assigned_at or created_at)", c.MergeOrder)
	}

	s.opts = job.Options{
		AddTested:                  c.AddTested,
		AddPartOf:                  c.AddPartOf,
		AddReviewers:               c.AddReviewers,
		Reapprove:                  c.Reapprove,
		TagOriginalSHA:             c.TagOriginalSHA,
		RequireResolvedDiscussions: c.RequireResolvedDiscussions,
		BlockingLabels:             c.BlockingLabels,
		AllowedStrategies:          c.AllowMergeStrategies,
		BatchSkip:                  c.BatchSkip,
		Bisect:                     c.Bisect,
		CIPollInterval:             time.Duration(c.CIPollInterval),
		CITimeout:                  time.Duration(c.CITimeout),
	}
	switch c.Fusion {
	case "rebase":
		s.opts.Fusion = job.FusionRebase
	case "merge":
		s.opts.Fusion = job.FusionMerge
	case "gitlab-rebase":
		s.opts.Fusion = job.FusionGitLabRebase
	default:
		return nil, fmt.Errorf("invalid fusion %q (want rebase, merge, or gitlab-rebase)", c.Fusion)
	}
	switch c.CIManualPolicy {
	case "fail":
		s.opts.ManualPolicy = ciwait.ManualFails
	case "wait":
		s.opts.ManualPolicy = ciwait.ManualWaits
	default:
		return nil, fmt.Errorf("invalid ci_manual_policy %q (want fail or wait)", c.CIManualPolicy)
	}
	if c.MergeInterval != "" {
		if s.opts.Interval, err = interval.FromHuman(c.MergeInterval); err != nil {
			return nil, fmt.Errorf("invalid merge_interval: %w", err)
		}
	}

	rootDir := c.RootDir
	if rootDir == "" {
		rootDir = os.TempDir()
	}
	s.storeOpts = repostore.Options{
		RootDir:   rootDir,
		Reference: c.GitReferenceRepo,
		Timeout:   time.Duration(c.GitTimeout),
	}
	switch {
	case c.UseOnlyGitLabAPI:
		s.storeOpts.Mode = repostore.ModeAPIOnly
		if c.Batch {
			return nil, errors.New("batch mode needs a local clone; it cannot be combined with use_only_gitlab_api")
		}
		if s.opts.Fusion != job.FusionGitLabRebase {
			return nil, errors.New("use_only_gitlab_api requires fusion=gitlab-rebase")
		}
	case c.UseHTTPS:
		s.storeOpts.Mode = repostore.ModeHTTPS
		s.storeOpts.AuthToken = c.AuthToken
	default:
		s.storeOpts.Mode = repostore.ModeSSH
		if c.SSHKeyFile == "" {
			return nil, errors.New("ssh_key_file is required unless use_https or use_only_gitlab_api is set")
		}
		s.storeOpts.SSHKeyFile = c.SSHKeyFile
	}
	return s, nil
}
