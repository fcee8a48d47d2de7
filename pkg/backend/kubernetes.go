package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/types"
)

// jobContainerName is the single container of a job pod.
const jobContainerName = "runbook"

// localJobWatchTimeout bounds how long the watcher goroutine follows a job
// whose pod never reaches a terminal phase.
const localJobWatchTimeout = 30 * time.Minute

// kubernetesBackend executes published runbooks as batch Jobs. Runbook
// storage lives in an in-memory inventory.
type kubernetesBackend struct {
	log       logrus.FieldLogger
	cfg       config.KubernetesBackendConfig
	clientset kubernetes.Interface

	*inventoryBackend
	jobs *jobTable
}

var _ Backend = (*kubernetesBackend)(nil)

func newKubernetesBackend(log logrus.FieldLogger, cfg config.KubernetesBackendConfig, seed []types.CatalogEntry) (*kubernetesBackend, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		// Outside a cluster, fall back to the local kubeconfig.
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes clientset: %w", err)
	}

	return &kubernetesBackend{
		log:              log.WithField("component", "kubernetes_backend"),
		cfg:              cfg,
		clientset:        clientset,
		inventoryBackend: &inventoryBackend{inv: newInventory(seed)},
		jobs:             newJobTable(),
	}, nil
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

func (b *kubernetesBackend) Name() string { return "kubernetes" }

// SubmitJob runs the published body of the runbook as a batch Job and
// returns immediately; completion is observed through GetJobStatus.
func (b *kubernetesBackend) SubmitJob(ctx context.Context, runbookName, jobName, targetGroup string, params map[string]string) (string, error) {
	content, err := b.inv.getPublished(runbookName)
	if err != nil {
		return "", err
	}

	job := &localJob{
		id:     uuid.New().String(),
		name:   jobName,
		status: types.JobStatusQueued,
	}

	env := []corev1.EnvVar{
		{Name: "TRIAGE_JOB_NAME", Value: jobName},
		{Name: "TRIAGE_RUNBOOK", Value: runbookName},
		{Name: "TRIAGE_TARGET_GROUP", Value: targetGroup},
	}
	for k, v := range params {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(b.cfg.CPULimit),
			corev1.ResourceMemory: resource.MustParse(b.cfg.MemoryLimit),
		},
	}

	objectName := kubeJobName(jobName, job.id)
	backoffLimit := int32(0)

	spec := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      objectName,
			Namespace: b.cfg.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "triage",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     objectName,
						"app.kubernetes.io/managed-by": "triage",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      jobContainerName,
							Image:     b.cfg.Image,
							Command:   []string{b.cfg.Shell, "-c", content},
							Env:       env,
							Resources: resources,
						},
					},
				},
			},
		},
	}

	if b.cfg.ServiceAccount != "" {
		spec.Spec.Template.Spec.ServiceAccountName = b.cfg.ServiceAccount
	}

	created, err := b.clientset.BatchV1().Jobs(b.cfg.Namespace).Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating kubernetes job %q: %w", objectName, err)
	}

	job.setStatus(types.JobStatusRunning)
	b.jobs.add(job)

	b.log.WithFields(logrus.Fields{
		"runbook":   runbookName,
		"job":       jobName,
		"job_id":    job.id,
		"k8s_job":   created.Name,
		"namespace": b.cfg.Namespace,
	}).Info("Kubernetes job created")

	// The job outlives the submitting request.
	watchCtx, cancel := context.WithTimeout(context.Background(), localJobWatchTimeout)
	go func() {
		defer cancel()
		b.watch(watchCtx, job, created.Name)
	}()

	return job.id, nil
}

// watch follows the job's pod to a terminal phase, captures its logs, and
// deletes the job object.
func (b *kubernetesBackend) watch(ctx context.Context, job *localJob, objectName string) {
	log := b.log.WithFields(logrus.Fields{"job": job.name, "k8s_job": objectName})

	podName, err := b.waitForPod(ctx, objectName)
	if err != nil {
		log.WithError(err).Warn("Waiting for job pod failed")
		job.finish(types.JobStatusFailed, "")
		return
	}

	phase, err := b.awaitPodPhase(ctx, podName)
	if err != nil {
		log.WithError(err).Warn("Watching job pod failed")
		job.finish(types.JobStatusFailed, "")
		return
	}

	output := b.collectPodLogs(ctx, podName, log)

	if phase == corev1.PodSucceeded {
		job.finish(types.JobStatusCompleted, output)
	} else {
		log.WithField("phase", phase).Warn("Job pod failed")
		job.finish(types.JobStatusFailed, output)
	}

	propagation := metav1.DeletePropagationBackground
	err = b.clientset.BatchV1().Jobs(b.cfg.Namespace).Delete(ctx, objectName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		log.WithError(err).Debug("Deleting finished kubernetes job failed")
	}
}

// waitForPod polls until the job's pod exists and returns its name.
func (b *kubernetesBackend) waitForPod(ctx context.Context, objectName string) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: "job-name=" + objectName,
			})
			if err != nil {
				return "", fmt.Errorf("listing pods for job %q: %w", objectName, err)
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// awaitPodPhase watches the pod until it succeeds or fails.
func (b *kubernetesBackend) awaitPodPhase(ctx context.Context, podName string) (corev1.PodPhase, error) {
	watcher, err := b.clientset.CoreV1().Pods(b.cfg.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + podName,
	})
	if err != nil {
		return "", fmt.Errorf("watching pod %q: %w", podName, err)
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			return "", fmt.Errorf("watch error on pod %q", podName)
		}

		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}

		switch pod.Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			return pod.Status.Phase, nil
		}
	}

	return "", ctx.Err()
}

func (b *kubernetesBackend) collectPodLogs(ctx context.Context, podName string, log logrus.FieldLogger) string {
	req := b.clientset.CoreV1().Pods(b.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: jobContainerName,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		log.WithError(err).Warn("Fetching job pod logs failed")
		return ""
	}
	defer func() { _ = stream.Close() }()

	output, err := io.ReadAll(stream)
	if err != nil {
		log.WithError(err).Warn("Reading job pod logs failed")
		return ""
	}

	return string(output)
}

// GetJobStatus returns the current lifecycle status of a job.
func (b *kubernetesBackend) GetJobStatus(_ context.Context, jobName string) (types.JobStatus, error) {
	return b.jobs.statusByName(jobName)
}

// GetJobOutput returns the captured output of a job.
func (b *kubernetesBackend) GetJobOutput(_ context.Context, jobID string) (string, error) {
	return b.jobs.outputByID(jobID)
}

// kubeJobName turns a job name into a valid object name: lowercase
// alphanumerics and dashes, bounded so generated pod names still fit. The
// job ID suffix keeps truncated names unique.
func kubeJobName(jobName, jobID string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(jobName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}

	name := strings.Trim(sb.String(), "-")
	if name == "" {
		name = "job"
	}
	if len(name) > 43 {
		name = strings.Trim(name[:43], "-")
	}

	suffix := strings.ReplaceAll(jobID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}

	return name + "-" + suffix
}
