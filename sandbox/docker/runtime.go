// Package docker implements sandbox.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/sandbox"
)

const (
	inputMount = "/work/in"
	workMount  = "/work/out"
)

var _ sandbox.Runtime = (*Runtime)(nil)

// Runtime drives sandboxes on a local or remote Docker daemon.
type Runtime struct {
	cli    client.APIClient
	logger *slog.Logger
}

// New connects to the daemon using the standard environment variables
// (DOCKER_HOST and friends).
func New(logger *slog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return NewWithClient(cli, logger), nil
}

// NewWithClient wraps an existing API client. Used by tests.
func NewWithClient(cli client.APIClient, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cli: cli, logger: logger.With(slog.String("component", "sandbox.docker"))}
}

// Create pulls the image if needed and provisions a stopped container
// with the spec's security profile applied.
func (r *Runtime) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             envList(spec.Env),
		WorkingDir:      workMount,
		User:            spec.Security.User,
		NetworkDisabled: spec.Security.DisableNetwork,
		Labels: map[string]string{
			sandbox.LabelManaged: "true",
			sandbox.LabelJobID:   spec.JobID.String(),
		},
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: spec.Security.ReadOnlyRootfs,
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
			Memory:   spec.Resources.MemoryBytes,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.InputDir, Target: inputMount, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.WorkDir, Target: workMount},
		},
	}
	if spec.Security.PidsLimit > 0 {
		pids := spec.Security.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	if spec.Security.DropAllCapabilities {
		hostCfg.CapDrop = strslice.StrSlice{"ALL"}
	}
	if spec.Security.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges:true")
	}
	if spec.Security.DisableNetwork {
		hostCfg.NetworkMode = "none"
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	r.logger.Debug("container created",
		slog.String("job_id", spec.JobID.String()),
		slog.String("container_id", shortID(resp.ID)),
	)
	return sandbox.Handle(resp.ID), nil
}

// Start begins execution.
func (r *Runtime) Start(ctx context.Context, h sandbox.Handle) error {
	if err := r.cli.ContainerStart(ctx, string(h), types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", shortID(string(h)), err)
	}
	return nil
}

// Wait blocks until exit or deadline. On deadline expiry the container
// is killed and the outcome reports Timeout instead of an exit code.
func (r *Runtime) Wait(ctx context.Context, h sandbox.Handle, deadline time.Time) (sandbox.ExitStatus, error) {
	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	statusCh, errCh := r.cli.ContainerWait(waitCtx, string(h), container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The job's own deadline fired, not the caller's context.
			r.logger.Warn("execution deadline elapsed, terminating",
				slog.String("container_id", shortID(string(h))),
			)
			if termErr := r.Terminate(ctx, h); termErr != nil {
				return sandbox.ExitStatus{}, fmt.Errorf("terminate after timeout: %w", termErr)
			}
			return sandbox.ExitStatus{Timeout: true}, nil
		}
		return sandbox.ExitStatus{}, fmt.Errorf("wait for container: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return sandbox.ExitStatus{}, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		status := sandbox.ExitStatus{Code: int(st.StatusCode)}
		if insp, err := r.cli.ContainerInspect(ctx, string(h)); err == nil && insp.State != nil {
			status.OOMKilled = insp.State.OOMKilled
		}
		return status, nil
	}
}

// Terminate kills the container process. Already-stopped and missing
// containers are not errors.
func (r *Runtime) Terminate(ctx context.Context, h sandbox.Handle) error {
	err := r.cli.ContainerKill(ctx, string(h), "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("kill container %s: %w", shortID(string(h)), err)
}

// Stats samples resource usage once.
func (r *Runtime) Stats(ctx context.Context, h sandbox.Handle) (job.ResourceUsage, error) {
	resp, err := r.cli.ContainerStats(ctx, string(h), false)
	if err != nil {
		return job.ResourceUsage{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var s types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return job.ResourceUsage{}, fmt.Errorf("decode stats: %w", err)
	}

	usage := job.ResourceUsage{
		MemoryBytes: int64(s.MemoryStats.Usage),
		SampledAt:   time.Now().UTC(),
	}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage - s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		usage.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}

	for _, net := range s.Networks {
		usage.NetworkRx += int64(net.RxBytes)
		usage.NetworkTx += int64(net.TxBytes)
	}
	return usage, nil
}

// Logs returns the demultiplexed stdout+stderr stream.
func (r *Runtime) Logs(ctx context.Context, h sandbox.Handle, follow bool) (io.ReadCloser, error) {
	raw, err := r.cli.ContainerLogs(ctx, string(h), types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: false,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(copyErr)
	}()
	return pr, nil
}

// Remove destroys the container. Idempotent.
func (r *Runtime) Remove(ctx context.Context, h sandbox.Handle) error {
	err := r.cli.ContainerRemove(ctx, string(h), types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("remove container %s: %w", shortID(string(h)), err)
}

// List returns every container this system created, stopped included.
func (r *Runtime) List(ctx context.Context) ([]sandbox.Instance, error) {
	containers, err := r.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandbox.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]sandbox.Instance, 0, len(containers))
	for _, c := range containers {
		out = append(out, sandbox.Instance{
			Handle:    sandbox.Handle(c.ID),
			JobID:     c.Labels[sandbox.LabelJobID],
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
