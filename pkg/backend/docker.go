package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/types"
)

// dockerAPI is the slice of the Docker client the backend uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageRef string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// dockerBackend executes published runbooks in throwaway containers on the
// local Docker daemon. Runbook storage lives in an in-memory inventory.
type dockerBackend struct {
	log logrus.FieldLogger
	cfg config.DockerBackendConfig
	cli dockerAPI

	*inventoryBackend
	jobs *jobTable

	memoryBytes int64
}

var _ Backend = (*dockerBackend)(nil)

func newDockerBackend(log logrus.FieldLogger, cfg config.DockerBackendConfig, seed []types.CatalogEntry) (*dockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	var memoryBytes int64
	if cfg.MemoryLimit != "" {
		memoryBytes, err = units.RAMInBytes(cfg.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("parsing memory limit %q: %w", cfg.MemoryLimit, err)
		}
	}

	return &dockerBackend{
		log:              log.WithField("component", "docker_backend"),
		cfg:              cfg,
		cli:              cli,
		inventoryBackend: &inventoryBackend{inv: newInventory(seed)},
		jobs:             newJobTable(),
		memoryBytes:      memoryBytes,
	}, nil
}

func (b *dockerBackend) Name() string { return "docker" }

// SubmitJob runs the published body of the runbook in a new container and
// returns immediately; completion is observed through GetJobStatus.
func (b *dockerBackend) SubmitJob(ctx context.Context, runbookName, jobName, targetGroup string, params map[string]string) (string, error) {
	content, err := b.inv.getPublished(runbookName)
	if err != nil {
		return "", err
	}

	if err := b.ensureImage(ctx); err != nil {
		return "", err
	}

	job := &localJob{
		id:     uuid.New().String(),
		name:   jobName,
		status: types.JobStatusQueued,
	}

	env := []string{
		"TRIAGE_JOB_NAME=" + jobName,
		"TRIAGE_RUNBOOK=" + runbookName,
		"TRIAGE_TARGET_GROUP=" + targetGroup,
	}
	for k, v := range params {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image: b.cfg.Image,
		Cmd:   []string{b.cfg.Shell, "-c", content},
		Env:   env,
		Tty:   true,
		Labels: map[string]string{
			"triage.job":     jobName,
			"triage.runbook": runbookName,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{Memory: b.memoryBytes},
	}
	if b.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(b.cfg.Network)
	}

	created, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container for job %q: %w", jobName, err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container for job %q: %w", jobName, err)
	}

	job.setStatus(types.JobStatusRunning)
	b.jobs.add(job)

	b.log.WithFields(logrus.Fields{
		"runbook":      runbookName,
		"job":          jobName,
		"job_id":       job.id,
		"container_id": shortID(created.ID),
	}).Info("Job container started")

	// The container outlives the submitting request.
	go b.watch(context.Background(), job, created.ID)

	return job.id, nil
}

// ensureImage pulls the configured image unless it is already present.
func (b *dockerBackend) ensureImage(ctx context.Context) error {
	if _, err := b.cli.ImageInspect(ctx, b.cfg.Image); err == nil {
		return nil
	}

	b.log.WithField("image", b.cfg.Image).Info("Pulling job image")

	reader, err := b.cli.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %q: %w", b.cfg.Image, err)
	}
	defer func() { _ = reader.Close() }()

	_, _ = io.Copy(io.Discard, reader)

	return nil
}

// watch waits for the container to exit, captures its logs, and removes it.
func (b *dockerBackend) watch(ctx context.Context, job *localJob, containerID string) {
	log := b.log.WithFields(logrus.Fields{"job": job.name, "container_id": shortID(containerID)})

	statusCh, errCh := b.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case err := <-errCh:
		log.WithError(err).Warn("Waiting for job container failed")
		job.finish(types.JobStatusFailed, "")
		return
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	output := b.collectLogs(ctx, containerID, log)

	if exitCode == 0 {
		job.finish(types.JobStatusCompleted, output)
	} else {
		log.WithField("exit_code", exitCode).Warn("Job container exited nonzero")
		job.finish(types.JobStatusFailed, output)
	}

	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		log.WithError(err).Debug("Removing job container failed")
	}
}

func (b *dockerBackend) collectLogs(ctx context.Context, containerID string, log logrus.FieldLogger) string {
	reader, err := b.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		log.WithError(err).Warn("Fetching job container logs failed")
		return ""
	}
	defer func() { _ = reader.Close() }()

	output, err := io.ReadAll(reader)
	if err != nil {
		log.WithError(err).Warn("Reading job container logs failed")
		return ""
	}

	return string(output)
}

// GetJobStatus returns the current lifecycle status of a job.
func (b *dockerBackend) GetJobStatus(_ context.Context, jobName string) (types.JobStatus, error) {
	return b.jobs.statusByName(jobName)
}

// GetJobOutput returns the captured output of a job.
func (b *dockerBackend) GetJobOutput(_ context.Context, jobID string) (string, error) {
	return b.jobs.outputByID(jobID)
}

// shortID truncates a container ID for log fields.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
