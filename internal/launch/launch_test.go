package launch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// containsInOrder asserts that want appears as a (not necessarily
// contiguous) subsequence of got, preserving relative order.
func containsInOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	i := 0
	for _, tok := range got {
		if i < len(want) && tok == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("argv %v does not contain %v in order (matched %d/%d)", got, want, i, len(want))
	}
}

func TestCompileLaunchArgvDeterminism(t *testing.T) {
	spec := LaunchSpec{
		Workspace:            "/w",
		ContainerProjectName: "demo",
		SnapshotTag:          "agent-hub-setup-abcd-0123456789abcdef",
		AgentCommand:         "codex",
		LocalUID:             1000,
		LocalGID:             1000,
		ROMounts:             []string{"/ro:/r:ro"},
		RWMounts:             []string{"/rw:/w"},
		EnvVars:              []string{"K=V"},
		ExtraArgs:            []string{"--model", "default"},
	}

	argv := Compile(spec)

	containsInOrder(t, argv,
		"docker", "run", "--rm", "--init",
		"--user", "1000:1000",
		"--tmpfs", "/tmp:mode=1777,exec",
		"--env", "K=V",
		"-v", "/ro:/r:ro",
		"-v", "/rw:/w",
		"agent-hub-setup-abcd-0123456789abcdef",
		"codex", "--model", "default",
	)

	// compiling the same spec twice yields byte-identical argv
	assert.Equal(t, argv, Compile(spec))
}

func TestCompileSkipsTmpfsWhenAlreadyMounted(t *testing.T) {
	spec := LaunchSpec{
		SnapshotTag:  "tag",
		AgentCommand: "codex",
		RWMounts:     []string{"/host/tmp:/workspace/tmp"},
	}
	argv := Compile(spec)
	assert.NotContains(t, argv, "--tmpfs")
}

func TestCompilePrepareSnapshotOnlyStopsAtImage(t *testing.T) {
	spec := LaunchSpec{
		SnapshotTag:         "base:latest",
		AgentCommand:        "codex",
		PrepareSnapshotOnly: true,
	}
	argv := Compile(spec)
	assert.Equal(t, argv[len(argv)-1], "base:latest")
	assert.NotContains(t, argv, "codex")
	assert.Contains(t, argv, "--entrypoint")
}

func TestParseRecoversRoundTrip(t *testing.T) {
	spec := LaunchSpec{
		Workspace:            "/w",
		ContainerProjectName: "demo",
		SnapshotTag:          "agent-hub-setup-abcd-0123456789abcdef",
		AgentCommand:         "codex",
		LocalUID:             1000,
		LocalGID:             1000,
		ROMounts:             []string{"/ro:/r:ro"},
		RWMounts:             []string{"/rw:/w"},
		EnvVars:              []string{"K=V"},
		ExtraArgs:            []string{"--model", "default"},
	}

	argv := Compile(spec)
	parsed := Parse(argv)

	assert.Equal(t, spec.ROMounts, parsed.ROMounts)
	assert.Equal(t, spec.RWMounts, parsed.RWMounts)
	assert.Equal(t, spec.EnvVars, parsed.EnvVars)
	assert.Equal(t, spec.ExtraArgs, parsed.ContainerArgs)
}

func TestParseIgnoresAuxMounts(t *testing.T) {
	spec := LaunchSpec{
		Workspace:    "/w",
		SnapshotTag:  "tag",
		AgentCommand: "codex",
		AuxMounts: []BindMount{
			{HostPath: "/host/cfg.toml", ContainerPath: "/home/agent/.codex/config.toml", ReadOnly: true},
		},
	}
	argv := Compile(spec)
	parsed := Parse(argv)
	assert.Empty(t, parsed.ROMounts)
	assert.Empty(t, parsed.RWMounts)
}

func TestSanitizeContainerName(t *testing.T) {
	assert.Equal(t, "agent-hub-demo", sanitizeContainerName("demo"))
	assert.Equal(t, "", sanitizeContainerName(""))
	assert.Equal(t, "agent-hub-my-project-1", sanitizeContainerName("my project/1"))
}

