package workspace

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rs/zerolog"

	"github.com/forgeops/autodev/internal/profile"
	"github.com/forgeops/autodev/internal/store"
)

// PodStarter launches executors as Kubernetes pods.
type PodStarter struct {
	clientset kubernetes.Interface
	namespace string
	logger    zerolog.Logger
}

// PodStarterConfig holds pod starter configuration.
type PodStarterConfig struct {
	KubeconfigPath string
	Namespace      string
}

// NewPodStarter creates a starter from kubeconfig or in-cluster config.
func NewPodStarter(cfg PodStarterConfig, logger zerolog.Logger) (*PodStarter, error) {
	var restConfig *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}
	return NewPodStarterFromInterface(cs, cfg.Namespace, logger), nil
}

// NewPodStarterFromInterface creates a starter from an existing
// kubernetes.Interface (for testing).
func NewPodStarterFromInterface(cs kubernetes.Interface, namespace string, logger zerolog.Logger) *PodStarter {
	if namespace == "" {
		namespace = "autodev"
	}
	return &PodStarter{
		clientset: cs,
		namespace: namespace,
		logger:    logger.With().Str("component", "workspace").Logger(),
	}
}

// Start implements Starter by creating an executor pod. The pod name is
// returned as the container reference.
func (p *PodStarter) Start(ctx context.Context, ws *store.Workspace, repos []*store.WorkspaceRepo, prof *profile.Profile) (string, error) {
	short := strings.ReplaceAll(ws.ID.String(), "-", "")[:8]
	podName := "autodev-exec-" + short

	env := []corev1.EnvVar{
		{Name: "AUTODEV_WORKSPACE_ID", Value: ws.ID.String()},
		{Name: "AUTODEV_TASK_ID", Value: ws.TaskID.String()},
		{Name: "AUTODEV_BRANCH", Value: ws.Branch},
	}
	if ws.AgentWorkingDir != "" {
		env = append(env, corev1.EnvVar{Name: "AUTODEV_WORKING_DIR", Value: ws.AgentWorkingDir})
	}
	var repoSpecs []string
	for _, wr := range repos {
		repoSpecs = append(repoSpecs, wr.Repo.Path+":"+wr.TargetBranch)
	}
	env = append(env, corev1.EnvVar{Name: "AUTODEV_REPOS", Value: strings.Join(repoSpecs, ",")})
	for k, v := range prof.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: p.namespace,
			Labels: map[string]string{
				"app":                  "autodev-executor",
				"autodev/workspace-id": ws.ID.String(),
				"autodev/task-id":      ws.TaskID.String(),
				"autodev/executor":     prof.Executor,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "executor",
					Image:   prof.Image,
					Command: prof.Command,
					Env:     env,
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(prof.Resources.CPU),
							corev1.ResourceMemory: resource.MustParse(prof.Resources.Memory),
						},
					},
				},
			},
		},
	}

	created, err := p.clientset.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating executor pod: %w", err)
	}

	p.logger.Info().
		Str("pod", created.Name).
		Str("namespace", p.namespace).
		Str("workspace_id", ws.ID.String()).
		Str("branch", ws.Branch).
		Msg("executor pod started")

	return created.Name, nil
}
