// Package sandbox runs subprocess adapters inside locked-down containers
// with attached standard streams, for provider descriptors that opt in.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
)

// Config holds container defaults for sandboxed adapters.
type Config struct {
	// Image is used when the provider descriptor does not name one.
	Image string
	// Memory is the container memory limit (e.g. "512m").
	Memory string
	// CPUs is the CPU quota (e.g. "1").
	CPUs string
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{Image: "node:22-slim", Memory: "512m", CPUs: "1"}
}

// Launcher starts adapter child processes inside containers. It implements
// adapter.Launcher.
type Launcher struct {
	client *client.Client
	config Config
}

// NewLauncher connects to the Docker daemon and verifies it is reachable.
func NewLauncher(config Config) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return &Launcher{client: cli, config: config}, nil
}

// Launch creates and starts a container running the provider command with
// stdin/stdout/stderr attached. The adapter working directory is bind-mounted
// at /workspace so credential files prepared by the factory are visible.
func (l *Launcher) Launch(ctx context.Context, spec adapter.ProviderSpec, workDir string, env map[string]string) (adapter.Process, error) {
	img := spec.Image
	if img == "" {
		img = l.config.Image
	}
	if err := l.ensureImage(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to ensure image %s: %w", img, err)
	}

	envList := make([]string, 0, len(env)+1)
	envList = append(envList, "HOME=/tmp")
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image:        img,
		Cmd:          append([]string{spec.Command}, spec.Args...),
		WorkingDir:   "/workspace",
		User:         "1000:1000",
		Env:          envList,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	memory, err := units.RAMInBytes(l.config.Memory)
	if err != nil {
		memory = 512 * 1024 * 1024
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: parseCPUs(l.config.CPUs),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=100m",
		},
		AutoRemove: true,
	}
	if workDir != "" {
		hostConfig.Mounts = []mount.Mount{
			{Type: mount.TypeBind, Source: workDir, Target: "/workspace"},
		}
	}

	created, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := l.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(created.ID)
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(created.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	// The attached stream multiplexes stdout and stderr; demux into pipes so
	// the adapter sees two plain readers.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return &containerProcess{
		launcher: l,
		id:       created.ID,
		attach:   attach,
		stdout:   stdoutR,
		stderr:   stderrR,
	}, nil
}

func (l *Launcher) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := l.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (l *Launcher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func parseCPUs(s string) int64 {
	var value float64
	fmt.Sscanf(s, "%f", &value)
	if value <= 0 {
		value = 1
	}
	return int64(value * 1e9)
}

type containerProcess struct {
	launcher *Launcher
	id       string
	attach   types.HijackedResponse
	stdout   io.Reader
	stderr   io.Reader
}

func (p *containerProcess) Stdin() io.WriteCloser { return stdinConn{p.attach} }
func (p *containerProcess) Stdout() io.Reader     { return p.stdout }
func (p *containerProcess) Stderr() io.Reader     { return p.stderr }

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.launcher.client.ContainerKill(ctx, p.id, "SIGKILL")
	p.attach.Close()
	return err
}

func (p *containerProcess) Wait() error {
	statusCh, errCh := p.launcher.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("container exited with status %d", status.StatusCode)
		}
		return nil
	}
}

// stdinConn adapts the hijacked connection to io.WriteCloser: Close only
// half-closes the write side so the container sees EOF on its stdin.
type stdinConn struct {
	attach types.HijackedResponse
}

func (c stdinConn) Write(p []byte) (int, error) { return c.attach.Conn.Write(p) }
func (c stdinConn) Close() error                { return c.attach.CloseWrite() }
