package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ServerVersion(ctx context.Context) (types.Version, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	Close() error
}

// Client wraps the official Docker client to provide high-level orchestration methods.
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

// CheckSocket verifies that the Docker socket is accessible.
// This is essentially the same as CheckDaemon, but provides a more specific error message.
func (c *Client) CheckSocket(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker socket is not accessible: %w", err)
	}
	return nil
}

// ServerVersion returns the daemon's reported API/engine version, used by
// the startup reconciler to log the daemon it is sweeping against.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	v, err := c.api.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query docker server version: %w", err)
	}
	return v.Version, nil
}

// ImageExists is an alias for CheckImage, matching the shape callers in
// buildpipeline and oauthrelay expect.
func (c *Client) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	return c.CheckImage(ctx, imageRef)
}

// CheckImage verifies that a required Docker image exists locally.
// Returns true if the image exists, false otherwise.
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

	// Check if the image exists by comparing repository tags
	for _, img := range images {
		for _, tag := range img.RepoTags {
			// Exact match
			if tag == imageRef || tag == normalizedRef {
				return true, nil
			}
		}
		// Check by image ID (short or full)
		if len(img.ID) >= 12 && len(imageRef) >= 12 && imageRef == img.ID[:12] {
			return true, nil
		}
		if imageRef == img.ID {
			return true, nil
		}
	}

	return false, nil
}

// PullImage pulls a Docker image from the registry.
// It returns an error if the pull fails.
// Progress logging should be handled by the caller.
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

		// Check for pull errors
		if msg.Error != nil {
			return fmt.Errorf("pull failed: %s", msg.Error.Message)
		}
	}

	return nil
}

// ManagedLabelKey is stamped on every container the hub creates through
// the Docker API, so the startup reconciler can find them again with
// ListContainers regardless of what named them. launch.Compile tags its
// own "docker run" CLI invocations with the same key (duplicated there
// since launch does not import this package).
const ManagedLabelKey = "agent-hub.managed"

// RunContainer starts a container with the specified image, mounting the
// workspace plus any extra binds, with the given environment and an
// optional "uid:gid" user override (empty string leaves the image default).
func (c *Client) RunContainer(ctx context.Context, imageRef, workspace string, extraBinds []string, env []string, user string) (string, error) {
	binds := append([]string{fmt.Sprintf("%s:/workspace", workspace)}, extraBinds...)

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			Tty:        true,
			OpenStdin:  true,
			WorkingDir: "/workspace",
			Cmd:        []string{"/bin/sh"},
			Env:        env,
			User:       user,
			Labels:     map[string]string{ManagedLabelKey: "true"},
		},
		&container.HostConfig{
			Binds: binds,
		}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// ContainerInfo is a thin view of a container's running state and
// its declared workspace bind, used by the startup reconciler to decide
// whether a dangling container still corresponds to a tracked chat.
type ContainerInfo struct {
	ID         string
	Running    bool
	WorkingDir string
	Binds      []string
	Labels     map[string]string
}

// ContainerInspect fetches ContainerInfo for a single container ID.
func (c *Client) ContainerInspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	resp, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := ContainerInfo{ID: containerID}
	if resp.Config != nil {
		info.WorkingDir = resp.Config.WorkingDir
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.Running = resp.State.Running
	}
	if resp.HostConfig != nil {
		info.Binds = resp.HostConfig.Binds
	}
	return info, nil
}

// ListContainers returns every container whose labels carry the given
// label key, used by the startup reconciler to enumerate chat containers
// left running from a previous process lifetime.
func (c *Client) ListContainers(ctx context.Context, labelKey string) ([]ContainerInfo, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []ContainerInfo
	for _, ct := range containers {
		if _, ok := ct.Labels[labelKey]; !ok {
			continue
		}
		out = append(out, ContainerInfo{
			ID:      ct.ID,
			Running: strings.HasPrefix(ct.State, "running"),
			Labels:  ct.Labels,
		})
	}
	return out, nil
}

// BridgeGateway returns the gateway IP of the named Docker network (e.g.
// "bridge"), a reachability candidate for containers that cannot resolve
// the host's default-route gateway directly.
func (c *Client) BridgeGateway(ctx context.Context, networkName string) (string, error) {
	net, err := c.api.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to inspect network %s: %w", networkName, err)
	}
	for _, cfg := range net.IPAM.Config {
		if cfg.Gateway != "" {
			return cfg.Gateway, nil
		}
	}
	return "", fmt.Errorf("network %s has no gateway configured", networkName)
}

// Exec executes a command in a running container and returns the output (stdout + stderr).
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	return c.execAs(ctx, containerID, cmd, "")
}

// ExecAsUser executes a command as the given "uid:gid" (or username) inside
// a running container, used when a build or chat process must run as the
// resolved host identity rather than the image default.
func (c *Client) ExecAsUser(ctx context.Context, containerID string, cmd []string, user string) (string, error) {
	return c.execAs(ctx, containerID, cmd, user)
}

func (c *Client) execAs(ctx context.Context, containerID string, cmd []string, user string) (string, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		User:         user,
	}

	respID, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	var outBuf, errBuf bytes.Buffer
	// ExecOptions didn't set Tty, so the stream is multiplexed and needs
	// demultiplexing via stdcopy.
	_, err = stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to copy exec output: %w", err)
	}

	return outBuf.String() + errBuf.String(), nil
}

// StopContainer stops and removes the container, waiting up to
// gracePeriodSeconds for a clean SIGTERM exit before the daemon sends
// SIGKILL.
func (c *Client) StopContainer(ctx context.Context, containerID string, gracePeriodSeconds int) error {
	timeout := gracePeriodSeconds
	if err := c.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Already stopped or gone; still attempt removal below.
	}

	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// ImageBuildOptions configures how an image is built.
type ImageBuildOptions struct {
	// BuildContext is the tar stream containing the build context.
	BuildContext io.Reader
	// Dockerfile is the path to the Dockerfile within the build context (default: "Dockerfile").
	Dockerfile string
	// Tag is the image tag to apply (e.g., "myimage:latest").
	Tag string
	// BuildArgs are build-time variables (e.g., map[string]*string{"VERSION": "1.0"}).
	BuildArgs map[string]*string
	// NoCache disables build cache if true.
	NoCache bool
	// LogWriter, if set, receives every build log line as it streams in,
	// so the caller can fan it into a build log file and the event bus
	// without waiting for the build to finish.
	LogWriter io.Writer
}

// ImageBuild builds a Docker image from a build context and returns the image ID.
// Build output is streamed line-by-line to opts.LogWriter as it arrives.
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

	// Parse build output to extract image ID, streaming each line to
	// LogWriter as it is decoded.
	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			// Continue parsing even if one message fails
			continue
		}

		if msg.Stream != "" && opts.LogWriter != nil {
			io.WriteString(opts.LogWriter, msg.Stream)
		}

		// Check for build errors
		if msg.Error != nil {
			return "", fmt.Errorf("build failed: %s", msg.Error.Message)
		}

		// Extract image ID from "Successfully built" message, unless the
		// full ID already arrived in an Aux message
		if msg.Stream != "" && imageID == "" {
			if bytes.Contains([]byte(msg.Stream), []byte("Successfully built")) {
				// Format: "Successfully built <image-id>\n"
				parts := bytes.Fields([]byte(msg.Stream))
				if len(parts) >= 2 {
					imageID = string(parts[len(parts)-1])
				}
			}
		}

		// Also check Aux field for image ID
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
		// If we couldn't extract image ID, fall back to the tag we built.
		return opts.Tag, nil
	}

	return imageID, nil
}

// userSpec renders a uid/gid pair as the "uid:gid" string ContainerConfig
// and ExecOptions expect, or "" when no identity override applies.
func userSpec(uid, gid int) string {
	if uid < 0 || gid < 0 {
		return ""
	}
	return strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
}
