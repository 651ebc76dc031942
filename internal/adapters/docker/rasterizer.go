package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/ports"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	containerOutDir = "/out"
	containerUser   = "1000:1000"
)

// dockerAPI is the part of the Docker client the rasterizer uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Rasterizer renders frames by running a renderer image once per frame.
// The frame document is written into the batch directory, which is
// bind-mounted at /out; the container is expected to leave
// /out/{name}.png behind and exit 0.
type Rasterizer struct {
	logger *slog.Logger
	cli    dockerAPI
	image  string
}

var _ ports.Rasterizer = (*Rasterizer)(nil)

// NewRasterizer creates a rasterizer talking to the Docker daemon from the environment.
func NewRasterizer(logger *slog.Logger, rendererImage string) (*Rasterizer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Rasterizer{logger: logger, cli: cli, image: rendererImage}, nil
}

func (r *Rasterizer) Rasterize(ctx context.Context, doc domain.FrameDocument, dir string) (string, error) {
	name := domain.SafeName(doc.Frame.Name)
	input := name + ".frame.json"
	output := name + ".png"

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, input), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage frame: %w", err)
	}
	defer os.Remove(filepath.Join(dir, input))

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image: r.image,
		Cmd:   []string{containerOutDir + "/" + input, containerOutDir + "/" + output},
		User:  containerUser,
		Labels: map[string]string{
			"variantforge.managed": "true",
			"variantforge.frame":   doc.Frame.Name,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: absDir, Target: containerOutDir},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	containerName := "variantforge-render-" + uuid.New().String()
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if client.IsErrNotFound(err) {
		if pullErr := r.pull(ctx); pullErr != nil {
			return "", pullErr
		}
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// removal must happen even if ctx is already cancelled
		if err := r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			r.logger.Warn("failed to remove render container", "container", resp.ID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", fmt.Errorf("failed waiting for renderer: %w", err)
	case st := <-statusCh:
		if st.Error != nil {
			return "", fmt.Errorf("renderer wait error: %s", st.Error.Message)
		}
		if st.StatusCode != 0 {
			return "", fmt.Errorf("renderer exited with code %d: %s", st.StatusCode, r.tail(ctx, resp.ID))
		}
	}

	path := filepath.Join(dir, output)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("renderer produced no output for %s: %w", doc.Frame.Name, err)
	}
	return path, nil
}

func (r *Rasterizer) pull(ctx context.Context) error {
	r.logger.Info("pulling renderer image", "image", r.image)
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// tail returns the last lines of the container output for error messages.
func (r *Rasterizer) tail(ctx context.Context, id string) string {
	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "20"})
	if err != nil {
		return "no logs"
	}
	defer logs.Close()
	out, _ := io.ReadAll(io.LimitReader(logs, 4096))
	return strings.TrimSpace(string(out))
}
