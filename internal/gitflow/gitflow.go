// Package gitflow turns a job's work into a feature branch, commits, and a
// pull request. All git access goes through the git and gh CLIs.
package gitflow

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/job"
)

// Per-stage timeouts. Branch work is local and fast; push and PR creation
// talk to the remote.
const (
	branchTimeout = 30 * time.Second
	pushTimeout   = 60 * time.Second
)

const (
	commitUserName  = "sidequest"
	commitUserEmail = "sidequest@local"
)

// CommandError carries the full output of a failed git invocation.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Options configures a Manager.
type Options struct {
	RepoPath     string
	BaseBranch   string
	BranchPrefix string
	Remote       string
	DryRun       bool

	// Excludes are doublestar globs; matching paths are never staged by
	// Commit. Lock files and scratch directories typically live here.
	Excludes []string
}

// Manager is the git overlay for one repository.
type Manager struct {
	opts Options
	log  zerolog.Logger

	// now is swapped out by tests for deterministic branch names.
	now func() time.Time
}

// New builds a Manager. A Manager with an empty RepoPath is disabled: every
// operation becomes a no-op and Enabled reports false.
func New(opts Options, log zerolog.Logger) *Manager {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "sidequest"
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	return &Manager{opts: opts, log: log, now: time.Now}
}

// Enabled reports whether the overlay has a repository to operate on.
func (m *Manager) Enabled() bool { return m.opts.RepoPath != "" }

func (m *Manager) runGit(ctx context.Context, args ...string) (string, string, error) {
	base := []string{
		"-C", m.opts.RepoPath,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// BranchName derives the feature branch for a job:
// <prefix>/<pipelineId>-<jobId>-<epochSec>.
func (m *Manager) BranchName(j *job.Job) string {
	return fmt.Sprintf("%s/%s-%s-%d", m.opts.BranchPrefix, j.PipelineID, j.ID, m.now().Unix())
}

// CreateJobBranch creates the job's feature branch off the base branch and
// checks it out. Failure here is fatal to the job.
func (m *Manager) CreateJobBranch(ctx context.Context, j *job.Job) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, branchTimeout)
	defer cancel()

	branch := m.BranchName(j)
	if _, _, err := m.runGit(ctx, "switch", "--create", branch, m.opts.BaseBranch); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	m.log.Info().Str("job_id", j.ID).Str("branch", branch).Msg("created job branch")
	return branch, nil
}

// Commit stages everything the exclude globs allow and commits it. A clean
// tree is a no-op, not an error.
func (m *Manager) Commit(ctx context.Context, j *job.Job, message string) error {
	if !m.Enabled() {
		return nil
	}
	files, err := m.changedFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		m.log.Debug().Str("job_id", j.ID).Msg("commit skipped: tree clean")
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	if _, _, err := m.runGit(ctx, args...); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if err := m.commitStaged(ctx, message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.log.Info().Str("job_id", j.ID).Int("files", len(files)).Str("message", message).Msg("committed")
	return nil
}

func (m *Manager) commitStaged(ctx context.Context, message string) error {
	_, _, err := m.runGit(ctx, "commit", "-m", message)
	if err == nil {
		return nil
	}
	// Retry once with an explicit identity when none is configured,
	// without mutating repo config.
	msg := err.Error()
	if strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address") {
		_, _, err = m.runGit(ctx,
			"-c", "user.name="+commitUserName,
			"-c", "user.email="+commitUserEmail,
			"commit", "-m", message,
		)
	}
	return err
}

// changedFiles lists dirty paths that survive the exclude globs.
func (m *Manager) changedFiles(ctx context.Context) ([]string, error) {
	out, _, err := m.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames show as "old -> new"; the new path is what gets staged.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path == "" || m.excluded(path) {
			continue
		}
		files = append(files, path)
	}
	return files, nil
}

func (m *Manager) excluded(path string) bool {
	for _, pat := range m.opts.Excludes {
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

// PRRequest is the title and body for the terminal pull request.
type PRRequest struct {
	Title string
	Body  string
}

// PushAndCreatePR pushes the job's branch and opens a PR against the base
// branch via the gh CLI. In dry-run mode it logs the intent and returns a
// synthetic URL without touching the remote. Callers treat failure as
// non-fatal: the branch stays local for manual inspection.
func (m *Manager) PushAndCreatePR(ctx context.Context, j *job.Job, pr PRRequest) (string, error) {
	if !m.Enabled() || j.BranchName == "" {
		return "", nil
	}
	if m.opts.DryRun {
		m.log.Info().Str("job_id", j.ID).Str("branch", j.BranchName).
			Str("title", pr.Title).Msg("dry run: would push branch and open PR")
		return fmt.Sprintf("dry-run://pr/%s", j.BranchName), nil
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	if _, _, err := m.runGit(ctx, "push", "--set-upstream", m.opts.Remote, j.BranchName); err != nil {
		return "", fmt.Errorf("push %s: %w", j.BranchName, err)
	}

	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", pr.Title,
		"--body", pr.Body,
		"--base", m.opts.BaseBranch,
		"--head", j.BranchName,
	)
	cmd.Dir = m.opts.RepoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh pr create: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	// gh prints the PR URL as the last line of stdout.
	url := lastLine(stdout.String())
	m.log.Info().Str("job_id", j.ID).Str("pr_url", url).Msg("opened pull request")
	return url, nil
}

// CleanupOnFailure returns the working tree to the base branch and deletes
// the abandoned job branch. Best effort; errors are logged, not returned.
func (m *Manager) CleanupOnFailure(ctx context.Context, j *job.Job) {
	if !m.Enabled() || j.BranchName == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, branchTimeout)
	defer cancel()

	if _, _, err := m.runGit(ctx, "switch", "--force", m.opts.BaseBranch); err != nil {
		m.log.Warn().Err(err).Str("job_id", j.ID).Msg("cleanup: switch to base branch failed")
		return
	}
	if _, _, err := m.runGit(ctx, "branch", "-D", j.BranchName); err != nil {
		m.log.Warn().Err(err).Str("job_id", j.ID).Str("branch", j.BranchName).
			Msg("cleanup: branch delete failed")
	}
}

// IsRepo reports whether the configured path is inside a git work tree.
func (m *Manager) IsRepo(ctx context.Context) bool {
	if !m.Enabled() {
		return false
	}
	out, _, err := m.runGit(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadSHA returns the current HEAD commit.
func (m *Manager) HeadSHA(ctx context.Context) (string, error) {
	out, _, err := m.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
