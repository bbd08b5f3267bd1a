package host

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/p-arndt/kapsel/internal/transport"
	"github.com/p-arndt/kapsel/protocol"
)

const (
	dockerLabelPrefix = "kapsel."
	// DockerWorkDir is where the working directory is mounted in the guest.
	DockerWorkDir = "/kapsel/work"
)

type DockerLimits struct {
	CPUs      float64
	Memory    string // e.g. "512MiB"
	PidsLimit int64
	// NetworkMode "none" cuts the guest off; it then cannot reach the
	// host either, so only bridge-like modes work with tcp.
	NetworkMode string
}

// DockerLauncher runs each guest in its own Docker container. The guest
// dials back over tcp, so the host must advertise an address reachable
// from inside the container.
type DockerLauncher struct {
	docker    *client.Client
	Image     string
	GuestPath string
	Limits    DockerLimits
}

func NewDockerLauncher(image string, limits DockerLimits) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerLauncher{
		docker:    cli,
		Image:     image,
		GuestPath: "/usr/local/bin/kapsel-guest",
		Limits:    limits,
	}, nil
}

func (l *DockerLauncher) Close() error {
	return l.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	_, err := l.docker.Ping(ctx)
	return err
}

// hostConfig translates limits into Docker resources.
func (l *DockerLauncher) hostConfig(workdir string) (*container.HostConfig, error) {
	resources := container.Resources{
		NanoCPUs: int64(l.Limits.CPUs * 1e9),
	}
	if l.Limits.Memory != "" {
		mem, err := units.RAMInBytes(l.Limits.Memory)
		if err != nil {
			return nil, fmt.Errorf("memory limit: %w", err)
		}
		resources.Memory = mem
	}
	if l.Limits.PidsLimit > 0 {
		pids := l.Limits.PidsLimit
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workdir,
				Target: DockerWorkDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 64 * units.MiB,
				},
			},
		},
	}
	if l.Limits.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.Limits.NetworkMode)
	}
	return hostCfg, nil
}

func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	scheme, _, err := transport.Parse(spec.Params.ConnectionString)
	if err != nil {
		return nil, err
	}
	if scheme != transport.SchemeTCP {
		return nil, fmt.Errorf("docker guests need the tcp transport, got %s", scheme)
	}

	params := spec.Params
	params.ContainerDir = DockerWorkDir
	params.ParentPID = 0
	line, err := params.Encode()
	if err != nil {
		return nil, err
	}

	hostCfg, err := l.hostConfig(spec.Dir)
	if err != nil {
		return nil, err
	}
	cfg := &container.Config{
		Image: l.Image,
		Cmd:   []string{l.GuestPath},
		Env:   []string{protocol.InitParamsEnv + "=" + strings.TrimSpace(string(line))},
		Labels: map[string]string{
			dockerLabelPrefix + "managed":   "true",
			dockerLabelPrefix + "container": params.ContainerName,
		},
	}

	resp, err := l.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "kapsel-"+params.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	if err := l.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	p := &dockerProcess{docker: l.docker, id: resp.ID, exited: make(chan struct{})}
	if info, err := l.docker.ContainerInspect(ctx, resp.ID); err == nil && info.State != nil {
		p.pid = info.State.Pid
	}
	go p.wait(spec)
	return p, nil
}

// ManagedContainer is a Docker container started by a DockerLauncher.
type ManagedContainer struct {
	ID      string
	Name    string
	Running bool
}

// ListManaged returns every container carrying the kapsel labels.
func (l *DockerLauncher) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	f := filters.NewArgs()
	f.Add("label", dockerLabelPrefix+"managed=true")

	containers, err := l.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	var out []ManagedContainer
	for _, ctr := range containers {
		name := ctr.Labels[dockerLabelPrefix+"container"]
		if name == "" {
			continue
		}
		out = append(out, ManagedContainer{ID: ctr.ID, Name: name, Running: ctr.State == "running"})
	}
	return out, nil
}

// Remove force-removes a managed container.
func (l *DockerLauncher) Remove(ctx context.Context, id string) error {
	err := l.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

type dockerProcess struct {
	docker *client.Client
	id     string
	pid    int
	exited chan struct{}
	once   sync.Once
}

func (p *dockerProcess) PID() int                { return p.pid }
func (p *dockerProcess) Exited() <-chan struct{} { return p.exited }

func (p *dockerProcess) wait(spec LaunchSpec) {
	defer close(p.exited)
	statusCh, errCh := p.docker.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		spec.Logger.Info("guest container exited", "container_id", p.id, "status", st.StatusCode)
	case err := <-errCh:
		spec.Logger.Warn("wait for guest container", "container_id", p.id, "error", err)
	}
}

// Kill removes the container; its exit closes Exited.
func (p *dockerProcess) Kill() error {
	var err error
	p.once.Do(func() {
		err = p.docker.ContainerRemove(context.Background(), p.id, container.RemoveOptions{Force: true})
		if client.IsErrNotFound(err) {
			err = nil
		}
	})
	return err
}
