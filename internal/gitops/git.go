// Package gitops shells out to git for the three operations the review
// engine needs: merge, fork-point lookup, and rebase. Conflicts and
// divergence are first-class results, not generic failures.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrBranchesDiverged means the target branch gained commits since the
	// work branch forked. A rebase may still save the merge.
	ErrBranchesDiverged = errors.New("branches diverged")

	// ErrMergeConflict means git stopped on conflicting hunks. The
	// operation was aborted; the working tree is clean again.
	ErrMergeConflict = errors.New("merge conflict")
)

const commandTimeout = 120 * time.Second

// runner executes one git invocation in dir and returns combined output.
// Swapped for a fake in tests.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if stderr.Len() > 0 {
		out += stderr.String()
	}
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out))
	}
	return out, nil
}

// Service wraps git operations on local repositories.
type Service struct {
	run    runner
	logger zerolog.Logger
}

// New builds a Service that shells out to the git binary.
func New(logger zerolog.Logger) *Service {
	return &Service{
		run:    execGit,
		logger: logger.With().Str("component", "gitops").Logger(),
	}
}

// CurrentBranch returns the checked-out branch name of a repository.
func (s *Service) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := s.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Merge merges branch into target with a merge commit and returns the merge
// commit hash. Returns ErrBranchesDiverged when target gained commits the
// work branch has not seen, and ErrMergeConflict on conflicting hunks.
func (s *Service) Merge(ctx context.Context, repoPath, branch, target, message string) (string, error) {
	// Target moved past the fork point means a plain merge would fold in
	// unreviewed history. Signal divergence so the caller can rebase first.
	_, err := s.run(ctx, repoPath, "merge-base", "--is-ancestor", target, branch)
	if err != nil {
		if isExitCode(err, 1) {
			return "", fmt.Errorf("%w: %s is not an ancestor of %s", ErrBranchesDiverged, target, branch)
		}
		return "", err
	}

	if _, err := s.run(ctx, repoPath, "checkout", target); err != nil {
		return "", err
	}
	out, err := s.run(ctx, repoPath, "merge", "--no-ff", branch, "-m", message)
	if err != nil {
		if strings.Contains(out, "CONFLICT") {
			if _, abortErr := s.run(ctx, repoPath, "merge", "--abort"); abortErr != nil {
				s.logger.Warn().Err(abortErr).Str("repo", repoPath).Msg("merge abort failed")
			}
			return "", fmt.Errorf("%w: %s", ErrMergeConflict, conflictSummary(out))
		}
		return "", err
	}

	commit, err := s.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	hash := strings.TrimSpace(commit)
	s.logger.Info().
		Str("repo", repoPath).
		Str("branch", branch).
		Str("target", target).
		Str("merge_commit", hash).
		Msg("merge completed")
	return hash, nil
}

// ForkPoint finds the commit where branch forked off target. Falls back to
// the plain merge base when reflog data for --fork-point is gone.
func (s *Service) ForkPoint(ctx context.Context, repoPath, target, branch string) (string, error) {
	out, err := s.run(ctx, repoPath, "merge-base", "--fork-point", target, branch)
	if err != nil {
		out, err = s.run(ctx, repoPath, "merge-base", target, branch)
		if err != nil {
			return "", fmt.Errorf("finding fork point of %s and %s: %w", target, branch, err)
		}
	}
	return strings.TrimSpace(out), nil
}

// Rebase replays branch commits since forkPoint onto target and returns the
// new head. On conflict the rebase is aborted and ErrMergeConflict returned.
func (s *Service) Rebase(ctx context.Context, repoPath, target, forkPoint, branch string) (string, error) {
	out, err := s.run(ctx, repoPath, "rebase", "--onto", target, forkPoint, branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "could not apply") {
			if _, abortErr := s.run(ctx, repoPath, "rebase", "--abort"); abortErr != nil {
				s.logger.Warn().Err(abortErr).Str("repo", repoPath).Msg("rebase abort failed")
			}
			return "", fmt.Errorf("%w: %s", ErrMergeConflict, conflictSummary(out))
		}
		return "", err
	}

	head, err := s.run(ctx, repoPath, "rev-parse", branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head), nil
}

// conflictSummary keeps only the CONFLICT lines of git output so log rows
// stay readable.
func conflictSummary(out string) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "CONFLICT") {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) == 0 {
		return strings.TrimSpace(out)
	}
	return strings.Join(lines, "; ")
}

func isExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == code
}
