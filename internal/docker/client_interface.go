package docker

import "context"

// IClient defines the high-level Docker operations the hub depends on, so
// buildpipeline, oauthrelay, and reconcile can be exercised against a fake
// without a live daemon.
type IClient interface {
	Close() error
	ServerVersion(ctx context.Context) (string, error)
	CheckDaemon(ctx context.Context) error
	CheckSocket(ctx context.Context) error
	CheckImage(ctx context.Context, imageRef string) (bool, error)
	ImageExists(ctx context.Context, imageRef string) (bool, error)
	PullImage(ctx context.Context, imageRef string) error
	ImageBuild(ctx context.Context, opts ImageBuildOptions) (string, error)
	RunContainer(ctx context.Context, imageRef, workspace string, extraBinds []string, env []string, user string) (string, error)
	ContainerInspect(ctx context.Context, containerID string) (ContainerInfo, error)
	ListContainers(ctx context.Context, labelKey string) ([]ContainerInfo, error)
	BridgeGateway(ctx context.Context, networkName string) (string, error)
	StopContainer(ctx context.Context, containerID string, gracePeriodSeconds int) error
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)
	ExecAsUser(ctx context.Context, containerID string, cmd []string, user string) (string, error)
}

var _ IClient = (*Client)(nil)
