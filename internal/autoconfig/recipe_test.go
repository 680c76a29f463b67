package autoconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipeTextRawObject(t *testing.T) {
	r, err := ParseRecipeText(`{"setup_script":"make build","base_image_mode":"tag","base_image_value":"ubuntu:24.04"}`)
	require.NoError(t, err)
	assert.Equal(t, "make build", r.SetupScript)
	assert.Equal(t, "ubuntu:24.04", r.BaseImageValue)
}

func TestParseRecipeTextFencedBlock(t *testing.T) {
	text := "Here is my recommendation:\n```json\n{\"setup_script\": \"npm ci\", \"base_image_mode\": \"tag\", \"base_image_value\": \"node:20\"}\n```\nLet me know if you need anything else."
	r, err := ParseRecipeText(text)
	require.NoError(t, err)
	assert.Equal(t, "npm ci", r.SetupScript)
	assert.Equal(t, "node:20", r.BaseImageValue)
}

func TestParseRecipeTextFirstTopLevelObject(t *testing.T) {
	text := `Sure thing. {"setup_script": "pip install -e .", "base_image_mode": "tag", "base_image_value": "python:3.12"} Hope that helps!`
	r, err := ParseRecipeText(text)
	require.NoError(t, err)
	assert.Equal(t, "pip install -e .", r.SetupScript)
}

func TestParseRecipeTextNoObjectIsError(t *testing.T) {
	_, err := ParseRecipeText("no JSON here at all")
	require.Error(t, err)
}

func TestParseRecipeTextIgnoresNestedBracesInStrings(t *testing.T) {
	text := `{"setup_script": "echo '{not json}'", "base_image_mode": "tag", "base_image_value": "ubuntu:24.04"}`
	r, err := ParseRecipeText(text)
	require.NoError(t, err)
	assert.Equal(t, "echo '{not json}'", r.SetupScript)
}

func TestNormalizeDefaultsBaseImageModeAndDedupes(t *testing.T) {
	r := Recipe{
		BaseImageMode: "bogus",
		ROMounts:      []string{"/a:/a", "/a:/a"},
		EnvVars:       []string{"FOO=1", "FOO=1", "BAR=2"},
	}
	out := Normalize(r, t.TempDir(), "")
	assert.Equal(t, "tag", out.BaseImageMode)
	assert.Equal(t, []string{"/a:/a"}, out.ROMounts)
	assert.Equal(t, []string{"FOO=1", "BAR=2"}, out.EnvVars)
}

func TestNormalizeStripsSetupScriptLinesAlreadyInDockerfile(t *testing.T) {
	repoDir := t.TempDir()
	dockerfile := "FROM ubuntu:24.04\nRUN apt-get update\nRUN apt-get install -y build-essential\n"
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "Dockerfile"), []byte(dockerfile), 0o644))

	r := Recipe{SetupScript: "RUN apt-get update\npip install -r requirements.txt\nRUN apt-get install -y build-essential"}
	out := Normalize(r, repoDir, "")
	assert.Equal(t, "pip install -r requirements.txt", out.SetupScript)
}

func TestNormalizeInjectsCcacheMountWhenMakefilePresent(t *testing.T) {
	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "Makefile"), []byte("all:\n\techo hi\n"), 0o644))
	cacheRoot := t.TempDir()

	out := Normalize(Recipe{}, repoDir, cacheRoot)
	assert.True(t, hasMountTarget(out.RWMounts, ccacheContainerDir))
	assert.True(t, hasEnvKey(out.EnvVars, "CCACHE_DIR="))
}

func TestNormalizeInjectsSccacheMountWhenCargoTomlPresent(t *testing.T) {
	repoDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "Cargo.toml"), []byte("[package]\nname=\"x\"\n"), 0o644))
	cacheRoot := t.TempDir()

	out := Normalize(Recipe{}, repoDir, cacheRoot)
	assert.True(t, hasMountTarget(out.RWMounts, sccacheContainerDir))
	assert.True(t, hasEnvKey(out.EnvVars, "SCCACHE_DIR="))
}

func TestNormalizeSkipsCacheInjectionWithoutSignalsOrCacheRoot(t *testing.T) {
	repoDir := t.TempDir()
	out := Normalize(Recipe{}, repoDir, t.TempDir())
	assert.Empty(t, out.RWMounts)

	repoDir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir2, "Makefile"), []byte("all:\n"), 0o644))
	out2 := Normalize(Recipe{}, repoDir2, "")
	assert.Empty(t, out2.RWMounts)
}
