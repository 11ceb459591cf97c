// Package workspace starts coding-agent executors for selected tasks.
package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeops/autodev/internal/profile"
	"github.com/forgeops/autodev/internal/store"
)

// Starter launches an executor for a freshly created workspace and returns
// a reference to the running container.
type Starter interface {
	Start(ctx context.Context, ws *store.Workspace, repos []*store.WorkspaceRepo, prof *profile.Profile) (containerRef string, err error)
}

// BranchName derives the work branch for a task's workspace: a slug of the
// title plus a short workspace id suffix for uniqueness.
func BranchName(taskTitle string, workspaceID uuid.UUID) string {
	slug := slugify(taskTitle)
	if slug == "" {
		slug = "task"
	}
	short := strings.ReplaceAll(workspaceID.String(), "-", "")[:8]
	return fmt.Sprintf("autodev/%s-%s", slug, short)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 32 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
