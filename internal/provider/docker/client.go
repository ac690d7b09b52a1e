// Package docker implements the container-per-host provider: each host
// is one long-lived container, snapshots are image commits, and the
// connector is a Docker exec.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error)
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Close() error
}

// Client wraps the official Docker client with the host-shaped
// operations the provider needs.
type Client struct {
	api APIClient
}

// NewClient creates a new Docker client instance.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// Close closes the underlying docker client connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// CheckDaemon verifies that the Docker daemon is running and reachable.
func (c *Client) CheckDaemon(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// CheckImage verifies that an image exists locally.
func (c *Client) CheckImage(ctx context.Context, imageRef string) (bool, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}

	// Normalize image reference: if no tag specified, assume :latest
	normalizedRef := imageRef
	if !strings.Contains(imageRef, ":") {
		normalizedRef = imageRef + ":latest"
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageRef || tag == normalizedRef {
				return true, nil
			}
		}
		if len(img.ID) >= 12 && len(imageRef) >= 12 && imageRef == img.ID[:12] {
			return true, nil
		}
		if imageRef == img.ID {
			return true, nil
		}
	}

	return false, nil
}

// PullImage pulls an image from the registry.
func (c *Client) PullImage(ctx context.Context, imageRef string) error {
	reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// Parse pull output to check for errors
	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			// Continue parsing even if one message fails
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("pull failed: %s", msg.Error.Message)
		}
	}

	return nil
}

// HostContainerOptions configures the container backing one host.
type HostContainerOptions struct {
	Image  string
	Name   string
	Labels map[string]string
	Binds  []string
	Env    []string
}

// CreateHostContainer creates and starts the long-lived container backing
// a host. The container idles on a shell so execs always have a live
// target.
func (c *Client) CreateHostContainer(ctx context.Context, opts HostContainerOptions) (string, error) {
	// Pull is best effort; the image may already be local.
	if reader, err := c.api.ImagePull(ctx, opts.Image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:     opts.Image,
			Tty:       true,
			OpenStdin: true,
			Labels:    opts.Labels,
			Env:       opts.Env,
			Cmd:       []string{"/bin/sh"},
		},
		&container.HostConfig{
			Binds: opts.Binds,
		}, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts an existing (stopped) container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.api.ContainerStart(ctx, containerID, container.StartOptions{})
}

// ListContainersByLabel lists containers (running or not) carrying the
// given label key.
func (c *Client) ListContainersByLabel(ctx context.Context, labelKey string) ([]container.Summary, error) {
	return c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
}

// InspectContainer returns the full container record.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return c.api.ContainerInspect(ctx, containerID)
}

// CommitContainer snapshots a container into an image and returns the
// image id.
func (c *Client) CommitContainer(ctx context.Context, containerID, reference string) (string, error) {
	resp, err := c.api.ContainerCommit(ctx, containerID, container.CommitOptions{
		Reference: reference,
		Pause:     true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit container: %w", err)
	}
	return resp.ID, nil
}

// RemoveImage deletes a snapshot image.
func (c *Client) RemoveImage(ctx context.Context, imageID string) error {
	_, err := c.api.ImageRemove(ctx, imageID, image.RemoveOptions{})
	return err
}

// StopContainer stops a container without removing it.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	return c.api.ContainerStop(ctx, containerID, container.StopOptions{})
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// ExecResult is the demultiplexed outcome of one container exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec executes a command in a running container, optionally feeding
// stdin, and returns the demultiplexed output with the exit code.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, stdin []byte) (*ExecResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(stdin) > 0,
	}

	respID, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if len(stdin) > 0 {
		if _, err := resp.Conn.Write(stdin); err != nil {
			return nil, fmt.Errorf("failed to write exec stdin: %w", err)
		}
		if err := resp.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to close exec stdin: %w", err)
		}
	}

	var outBuf, errBuf bytes.Buffer
	// stdcopy demultiplexes because Tty defaults to false in ExecOptions.
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader); err != nil {
		return nil, fmt.Errorf("failed to copy exec output: %w", err)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, respID.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ListVolumes lists docker volumes carrying the given label key.
func (c *Client) ListVolumes(ctx context.Context, labelKey string) ([]*volume.Volume, error) {
	resp, err := c.api.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, err
	}
	return resp.Volumes, nil
}

// RemoveVolume deletes a docker volume.
func (c *Client) RemoveVolume(ctx context.Context, volumeID string) error {
	return c.api.VolumeRemove(ctx, volumeID, false)
}

// ImageBuildOptions configures how an image is built.
type ImageBuildOptions struct {
	BuildContext io.Reader
	Dockerfile   string
	Tag          string
	BuildArgs    map[string]*string
	NoCache      bool
}

// ImageBuild builds an image from a build context and returns the image
// ID (falling back to the tag when the build output carries no id).
func (c *Client) ImageBuild(ctx context.Context, opts ImageBuildOptions) (string, error) {
	if opts.BuildContext == nil {
		return "", fmt.Errorf("build context is required")
	}
	if opts.Tag == "" {
		return "", fmt.Errorf("image tag is required")
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = "Dockerfile"
	}

	buildOptions := build.ImageBuildOptions{
		Dockerfile: opts.Dockerfile,
		Tags:       []string{opts.Tag},
		BuildArgs:  opts.BuildArgs,
		NoCache:    opts.NoCache,
		Remove:     true, // Remove intermediate containers
	}

	resp, err := c.api.ImageBuild(ctx, opts.BuildContext, buildOptions)
	if err != nil {
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			continue
		}
		if msg.Error != nil {
			return "", fmt.Errorf("build failed: %s", msg.Error.Message)
		}
		if imageID == "" && msg.Stream != "" && strings.Contains(msg.Stream, "Successfully built") {
			parts := strings.Fields(msg.Stream)
			if len(parts) >= 2 {
				imageID = parts[len(parts)-1]
			}
		}
		if msg.Aux != nil {
			var aux map[string]interface{}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil {
				if id, ok := aux["ID"].(string); ok && id != "" {
					imageID = id
				}
			}
		}
	}

	if imageID == "" {
		return opts.Tag, nil
	}
	return imageID, nil
}
