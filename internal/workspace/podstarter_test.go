package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/forgeops/autodev/internal/profile"
	"github.com/forgeops/autodev/internal/store"
)

func TestBranchName(t *testing.T) {
	id := uuid.MustParse("2f3a0000-0000-0000-0000-000000000000")

	b := BranchName("Add User Login!", id)
	assert.True(t, strings.HasPrefix(b, "autodev/add-user-login-"), b)
	assert.NotContains(t, b, " ")
	assert.NotContains(t, b, "!")

	// Titles with no usable characters still produce a branch.
	b = BranchName("!!!", id)
	assert.True(t, strings.HasPrefix(b, "autodev/task-"), b)

	// Distinct workspaces get distinct branches for the same title.
	other := BranchName("Add User Login!", uuid.New())
	assert.NotEqual(t, b, other)
}

func TestPodStarter_Start(t *testing.T) {
	cs := fake.NewSimpleClientset()
	starter := NewPodStarterFromInterface(cs, "autodev", zerolog.Nop())

	ws := &store.Workspace{
		ID:              uuid.New(),
		TaskID:          uuid.New(),
		Branch:          "autodev/add-login-abcd1234",
		AgentWorkingDir: "api",
	}
	repos := []*store.WorkspaceRepo{
		{WorkspaceID: ws.ID, Repo: store.Repo{Name: "api", Path: "/srv/repos/api"}, TargetBranch: "main"},
	}

	ref, err := starter.Start(context.Background(), ws, repos, profile.Default())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "autodev-exec-"), ref)

	pod, err := cs.CoreV1().Pods("autodev").Get(context.Background(), ref, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, ws.ID.String(), pod.Labels["autodev/workspace-id"])
	require.Len(t, pod.Spec.Containers, 1)

	envByName := map[string]string{}
	for _, e := range pod.Spec.Containers[0].Env {
		envByName[e.Name] = e.Value
	}
	assert.Equal(t, ws.Branch, envByName["AUTODEV_BRANCH"])
	assert.Equal(t, "api", envByName["AUTODEV_WORKING_DIR"])
	assert.Equal(t, "/srv/repos/api:main", envByName["AUTODEV_REPOS"])
}
