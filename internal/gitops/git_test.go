package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts git responses keyed on the subcommand.
type fakeRunner struct {
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func (f *fakeRunner) run(_ context.Context, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(key, prefix) {
			return resp.out, resp.err
		}
	}
	return "", nil
}

func newTestService(f *fakeRunner) *Service {
	return &Service{run: f.run, logger: zerolog.Nop()}
}

// exitError fabricates an *exec.ExitError with the given code by running a
// real process; git itself is never invoked.
func exitError(t *testing.T, code int) error {
	t.Helper()
	cmd := exec.Command("sh", "-c", fmt.Sprintf("exit %d", code))
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, code, exitErr.ExitCode())
	return fmt.Errorf("git merge-base: %w", err)
}

func TestMerge_CleanMerge(t *testing.T) {
	f := &fakeRunner{responses: map[string]fakeResponse{
		"rev-parse HEAD": {out: "abc123\n"},
	}}
	s := newTestService(f)

	hash, err := s.Merge(context.Background(), "/repo", "feature", "main", "Merge feature into main")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	assert.Contains(t, f.calls, "merge-base --is-ancestor main feature")
	assert.Contains(t, f.calls, "checkout main")
	assert.Contains(t, f.calls, "merge --no-ff feature -m Merge feature into main")
}

func TestMerge_DivergenceDetected(t *testing.T) {
	f := &fakeRunner{responses: map[string]fakeResponse{
		"merge-base --is-ancestor": {err: exitError(t, 1)},
	}}
	s := newTestService(f)

	_, err := s.Merge(context.Background(), "/repo", "feature", "main", "msg")
	assert.ErrorIs(t, err, ErrBranchesDiverged)
	// The merge itself must never have been attempted.
	for _, c := range f.calls {
		assert.False(t, strings.HasPrefix(c, "merge --no-ff"), "unexpected merge call %q", c)
	}
}

func TestMerge_ConflictAbortsAndClassifies(t *testing.T) {
	f := &fakeRunner{responses: map[string]fakeResponse{
		"merge --no-ff": {
			out: "Auto-merging api/main.go\nCONFLICT (content): Merge conflict in api/main.go\n",
			err: errors.New("git merge: exit status 1"),
		},
	}}
	s := newTestService(f)

	_, err := s.Merge(context.Background(), "/repo", "feature", "main", "msg")
	require.ErrorIs(t, err, ErrMergeConflict)
	assert.Contains(t, err.Error(), "api/main.go")
	assert.Contains(t, f.calls, "merge --abort")
}

func TestForkPoint_FallsBackToMergeBase(t *testing.T) {
	f := &fakeRunner{responses: map[string]fakeResponse{
		"merge-base --fork-point": {err: errors.New("git merge-base: exit status 1")},
		"merge-base main feature": {out: "deadbeef\n"},
	}}
	s := newTestService(f)

	fp, err := s.ForkPoint(context.Background(), "/repo", "main", "feature")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", fp)
}

func TestRebase_Success(t *testing.T) {
	f := &fakeRunner{responses: map[string]fakeResponse{
		"rev-parse feature": {out: "f00baa\n"},
	}}
	s := newTestService(f)

	head, err := s.Rebase(context.Background(), "/repo", "main", "deadbeef", "feature")
	require.NoError(t, err)
	assert.Equal(t, "f00baa", head)
	assert.Contains(t, f.calls, "rebase --onto main deadbeef feature")
}

func TestRebase_ConflictAborts(t *testing.T) {
	f := &fakeRunner{responses: map[string]fakeResponse{
		"rebase --onto": {
			out: "CONFLICT (content): Merge conflict in web/app.ts\n",
			err: errors.New("git rebase: exit status 1"),
		},
	}}
	s := newTestService(f)

	_, err := s.Rebase(context.Background(), "/repo", "main", "deadbeef", "feature")
	require.ErrorIs(t, err, ErrMergeConflict)
	assert.Contains(t, f.calls, "rebase --abort")
}

func TestConflictSummary_KeepsConflictLines(t *testing.T) {
	out := "Auto-merging a.go\nCONFLICT (content): Merge conflict in a.go\nAutomatic merge failed\n"
	assert.Equal(t, "CONFLICT (content): Merge conflict in a.go", conflictSummary(out))

	// No CONFLICT marker falls back to the whole trimmed output.
	assert.Equal(t, "fatal: bad object", conflictSummary("fatal: bad object\n"))
}
