package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoutes = `
routes:
  - id: chat-echo
    route: chat
    provider: echo
    model: test-model
    layers:
      - kind: transformer
      - kind: protocol
      - kind: server-compatibility
      - kind: transport
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["assemble"])
	assert.True(t, names["version"])

	for _, flag := range []string{"config", "env-file", "routes", "log-level", "pretty"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "polis-gateway dev")
}

func TestAssembleCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoutes), 0o600))

	out, err := run(t, "assemble", "--routes", path, "--env-file", filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)

	var doc assembleOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.True(t, doc.Success)
	require.Len(t, doc.Pipelines, 1)
	assert.Equal(t, "chat-echo", doc.Pipelines[0].ID)
	assert.Len(t, doc.Pipelines[0].Modules, 4)
	assert.Equal(t, "echo-transport:chat-echo", doc.Pipelines[0].Modules[3].ID)
}

func TestAssembleCommandFailsOnBrokenRoute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	broken := `
routes:
  - id: chat-echo
    route: chat
    provider: echo
    model: test-model
    layers:
      - kind: transformer
      - kind: transport
        module: no-such-transport
`
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	out, err := run(t, "assemble", "--routes", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 routes failed")

	var doc assembleOutput
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.False(t, doc.Success)
	assert.Len(t, doc.Failed, 1)
}

func TestAssembleCommandRejectsInvalidRouteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: [ {id: x} ]"), 0o600))

	_, err := run(t, "assemble", "--routes", path)
	require.Error(t, err)
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	cfg, err := loadConfig(&globalFlags{routesFile: "/tmp/routes.yaml", logLevel: "debug", pretty: true})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/routes.yaml", cfg.Routes.File)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)

	_, err = loadConfig(&globalFlags{logLevel: "shout"})
	require.Error(t, err)
}
