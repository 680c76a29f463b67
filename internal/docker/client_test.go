package docker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDaemon(t *testing.T) {
	client, mock := NewMockClient()

	err := client.CheckDaemon(context.Background())
	require.NoError(t, err)

	mock.PingFunc = func(ctx context.Context) (types.Ping, error) {
		return types.Ping{}, errors.New("connection refused")
	}
	err = client.CheckDaemon(context.Background())
	assert.Error(t, err)
}

func TestServerVersion(t *testing.T) {
	client, _ := NewMockClient()
	v, err := client.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Contains(t, v, "mock-docker")
}

func TestCheckImageMatchesByTagAndID(t *testing.T) {
	client, _ := NewMockClient()

	ok, err := client.CheckImage(context.Background(), "ubuntu:latest")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CheckImage(context.Background(), "ubuntu")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.ImageExists(context.Background(), "sha256:mockubuntu123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CheckImage(context.Background(), "nonexistent:latest")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckImagePropagatesListErrors(t *testing.T) {
	client, mock := NewMockClient()
	mock.ImageListFunc = func(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
		return nil, errors.New("daemon unreachable")
	}

	_, err := client.CheckImage(context.Background(), "ubuntu:latest")
	assert.Error(t, err)
}

func TestRunContainerMountsWorkspaceAndExtraBinds(t *testing.T) {
	client, mock := NewMockClient()

	var gotBinds []string
	var gotEnv []string
	var gotUser string
	mock.ContainerCreateFunc = func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
		gotBinds = hostConfig.Binds
		gotEnv = config.Env
		gotUser = config.User
		return container.CreateResponse{ID: "c1"}, nil
	}

	id, err := client.RunContainer(context.Background(), "agent-hub/runtime:latest", "/tmp/ws",
		[]string{"/var/run/docker.sock:/var/run/docker.sock"}, []string{"GIT_TERMINAL_PROMPT=0"}, "1000:1000")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Contains(t, gotBinds, "/tmp/ws:/workspace")
	assert.Contains(t, gotBinds, "/var/run/docker.sock:/var/run/docker.sock")
	assert.Equal(t, []string{"GIT_TERMINAL_PROMPT=0"}, gotEnv)
	assert.Equal(t, "1000:1000", gotUser)
}

func TestExecAndExecAsUser(t *testing.T) {
	client, _ := NewMockClient()

	out, err := client.Exec(context.Background(), "c1", []string{"echo", "hi"})
	require.NoError(t, err)
	assert.Equal(t, "", out) // mock exec attach returns an empty stream

	out, err = client.ExecAsUser(context.Background(), "c1", []string{"echo", "hi"}, "1000:1000")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestStopContainerRemovesEvenOnStopError(t *testing.T) {
	client, mock := NewMockClient()

	removed := false
	mock.ContainerStopFunc = func(ctx context.Context, containerID string, options container.StopOptions) error {
		return errors.New("already stopped")
	}
	mock.ContainerRemoveFunc = func(ctx context.Context, containerID string, options container.RemoveOptions) error {
		removed = true
		return nil
	}

	err := client.StopContainer(context.Background(), "c1", 4)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestContainerInspectReturnsWorkspaceAndState(t *testing.T) {
	client, _ := NewMockClient()

	info, err := client.ContainerInspect(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, "/workspace", info.WorkingDir)
}

func TestListContainersFiltersByLabel(t *testing.T) {
	client, mock := NewMockClient()
	mock.ContainerListFunc = func(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
		return []types.Container{
			{ID: "c1", State: "running", Labels: map[string]string{"agent-hub.chat-id": "chat-1"}},
			{ID: "c2", State: "exited", Labels: map[string]string{}},
		}, nil
	}

	infos, err := client.ListContainers(context.Background(), "agent-hub.chat-id")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "c1", infos[0].ID)
	assert.True(t, infos[0].Running)
}

func TestBridgeGatewayReadsIPAMConfig(t *testing.T) {
	client, _ := NewMockClient()

	gw, err := client.BridgeGateway(context.Background(), "bridge")
	require.NoError(t, err)
	assert.Equal(t, "172.17.0.1", gw)
}

func TestImageBuildExtractsIDAndStreamsLog(t *testing.T) {
	client, _ := NewMockClient()

	var log bytes.Buffer
	id, err := client.ImageBuild(context.Background(), ImageBuildOptions{
		BuildContext: strings.NewReader("FROM alpine\n"),
		Tag:          "agent-hub/project-1:abcd",
		LogWriter:    &log,
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:mockimageid123456789", id)
	assert.Contains(t, log.String(), "Step 1/2")
}

func TestImageBuildRequiresTagAndContext(t *testing.T) {
	client, _ := NewMockClient()

	_, err := client.ImageBuild(context.Background(), ImageBuildOptions{Tag: "x"})
	assert.Error(t, err)

	_, err = client.ImageBuild(context.Background(), ImageBuildOptions{BuildContext: strings.NewReader("")})
	assert.Error(t, err)
}

func TestUserSpec(t *testing.T) {
	assert.Equal(t, "", userSpec(-1, -1))
	assert.Equal(t, "1000:1000", userSpec(1000, 1000))
}
