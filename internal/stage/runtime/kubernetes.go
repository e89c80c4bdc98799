package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// MaxKubernetesInput is the largest document the runtime mounts. ConfigMaps are capped at 1MiB.
const MaxKubernetesInput = 1000 << 10

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	jobNameLabel   = "job-name"
	stageContainer = "stage"
	inputVolume    = "input"
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	Namespace string
	// ServiceAccount for stage pods (optional)
	ServiceAccount     string
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesRuntime runs stage programs as Kubernetes Jobs. The document is stored in a
// ConfigMap and mounted read-only at DOCFLOW_INPUT.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
}

// KubernetesHandle is one stage Job and its input ConfigMap.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string // set once Wait sees the pod
}

// NewKubernetesRuntime uses the in-cluster config, or ~/.kube/config outside a cluster.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		home, _ := os.UserHomeDir()
		restCfg, err = clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return newKubernetesRuntime(clientset, cfg), nil
}

func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg}
}

// Start creates the input ConfigMap and then the Job.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, errors.New("image is required for the kubernetes runtime")
	}
	if len(opts.Input) > MaxKubernetesInput {
		return nil, fmt.Errorf("document of %d bytes exceeds the kubernetes runtime input limit of %d", len(opts.Input), MaxKubernetesInput)
	}

	name := jobNameFor(opts.Name)
	ns := k.config.Namespace

	input := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{managedByLabel: "docflow"}},
		BinaryData: map[string][]byte{inputFile: opts.Input},
	}
	if _, err := k.clientset.CoreV1().ConfigMaps(ns).Create(ctx, input, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create input configmap: %w", err)
	}

	h := &KubernetesHandle{clientset: k.clientset, namespace: ns, jobName: name}
	if _, err := k.clientset.BatchV1().Jobs(ns).Create(ctx, k.stageJob(name, opts), metav1.CreateOptions{}); err != nil {
		h.deleteInput(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}
	return h, nil
}

func (k *KubernetesRuntime) stageJob(name string, opts StartOptions) *batchv1.Job {
	env := []corev1.EnvVar{
		{Name: EnvInput, Value: containerWorkDir + "/" + inputFile},
		{Name: EnvWorkDir, Value: containerWorkDir},
	}
	for key, value := range opts.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	// the orchestrator owns retries
	backoffLimit := int32(0)
	labels := map[string]string{managedByLabel: "docflow", jobNameLabel: name}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    map[string]string{managedByLabel: "docflow"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.config.ServiceAccount,
					Containers: []corev1.Container{{
						Name:    stageContainer,
						Image:   opts.Image,
						Command: opts.Command,
						Env:     env,
						Resources: corev1.ResourceRequirements{Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
							corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
						}},
						VolumeMounts: []corev1.VolumeMount{{Name: inputVolume, MountPath: containerWorkDir, ReadOnly: true}},
					}},
					Volumes: []corev1.Volume{{
						Name: inputVolume,
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
						},
					}},
				},
			},
		},
	}
}

// jobNameFor derives a DNS-1123 name from a run name.
func jobNameFor(name string) string {
	if name == "" {
		name = uuid.NewString()
	}
	clean := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, strings.ToLower(name))

	out := "docflow-" + clean
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.TrimRight(out, "-")
}

// Wait watches the Job's pods until one finishes.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	fail := func(err error) (ExitResult, error) { return ExitResult{ExitCode: -1, Error: err}, err }

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: jobNameLabel + "=" + h.jobName,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to watch pods of %s: %w", h.jobName, err))
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return fail(fmt.Errorf("pod watch for %s closed", h.jobName))
			}
			if event.Type == watch.Error {
				return fail(fmt.Errorf("pod watch for %s failed", h.jobName))
			}
			pod, isPod := event.Object.(*corev1.Pod)
			if !isPod {
				continue
			}
			h.podName = pod.Name
			if res, done := podResult(pod); done {
				return res, nil
			}
		}
	}
}

func podResult(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{ExitCode: 0}, true
	case corev1.PodFailed:
		res := ExitResult{ExitCode: -1, Error: fmt.Errorf("pod %s failed: %s", pod.Name, pod.Status.Reason)}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != stageContainer && cs.Name != "" {
				continue
			}
			if term := cs.State.Terminated; term != nil {
				res.ExitCode = int(term.ExitCode)
				res.Error = fmt.Errorf("%s", term.Reason)
				if term.Message != "" {
					res.Error = fmt.Errorf("%s: %s", term.Reason, term.Message)
				}
			}
		}
		return res, true
	}
	return ExitResult{}, false
}

// Stop deletes the Job and waits for Kubernetes to remove its pods.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	if err := h.deleteJob(ctx, metav1.DeletePropagationForeground); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	return nil
}

// StreamLogs returns the stage container's log. It is only available after Wait saw the pod.
func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if h.podName == "" {
		return nil, fmt.Errorf("no pod observed for job %s", h.jobName)
	}
	return h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: stageContainer,
	}).Stream(ctx)
}

// Cleanup deletes the Job and the input ConfigMap. Missing objects are not an error.
func (h *KubernetesHandle) Cleanup(ctx context.Context) error {
	return errors.Join(h.deleteJob(ctx, metav1.DeletePropagationBackground), h.deleteInput(ctx))
}

func (h *KubernetesHandle) deleteJob(ctx context.Context, propagation metav1.DeletionPropagation) error {
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (h *KubernetesHandle) deleteInput(ctx context.Context) error {
	err := h.clientset.CoreV1().ConfigMaps(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
