package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
	"github.com/kestrelworks/tool-server-manager-go/pkg/transport"
)

func TestMergeInitialWinsOnConflict(t *testing.T) {
	t.Parallel()

	initial := []hostapi.ServerConfig{
		{ID: "fs", Command: "static-fs"},
		{ID: "web", URL: "http://localhost:9000"},
	}
	discovered := []hostapi.DiscoveredConfig{
		{Config: hostapi.ServerConfig{ID: "fs", Command: "discovered-fs"}},
		{Config: hostapi.ServerConfig{ID: "db", Command: "db-server"}},
		{Config: hostapi.ServerConfig{ID: "db", Command: "db-server-dup"}},
	}

	merged := Merge(initial, discovered)
	require.Len(t, merged, 3)
	assert.Equal(t, "fs", merged[0].ID)
	assert.Equal(t, "static-fs", merged[0].Command)
	assert.Equal(t, "web", merged[1].ID)
	assert.Equal(t, "db", merged[2].ID)
	assert.Equal(t, "db-server", merged[2].Command)
}

func TestMergeEmptySides(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Merge(nil, nil))

	onlyDiscovered := Merge(nil, []hostapi.DiscoveredConfig{
		{Config: hostapi.ServerConfig{ID: "a"}},
	})
	require.Len(t, onlyDiscovered, 1)

	onlyInitial := Merge([]hostapi.ServerConfig{{ID: "b"}}, nil)
	require.Len(t, onlyInitial, 1)
}

func TestHostDiscovererDegradesWithoutCapability(t *testing.T) {
	t.Parallel()

	adapter, _ := transport.Pipe(zerolog.Nop())
	client := hostapi.NewClient(adapter, zerolog.Nop())

	d := NewHostDiscoverer(client, hostapi.Capabilities{}, zerolog.Nop())
	found, err := d.Discover(context.Background(), "/proj")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestHostDiscovererReturnsHostCandidates(t *testing.T) {
	t.Parallel()

	adapter, responder := transport.Pipe(zerolog.Nop())
	responder.Handle(hostapi.ChannelDiscover, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req hostapi.DiscoverRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		assert.Equal(t, "/proj", req.ProjectRoot)
		return hostapi.DiscoverResult{Servers: []hostapi.DiscoveredConfig{
			{Config: hostapi.ServerConfig{ID: "fs", Command: "fs-server", Enabled: true}, AutoConnect: true},
		}}, nil
	})
	client := hostapi.NewClient(adapter, zerolog.Nop())

	d := NewHostDiscoverer(client, hostapi.Capabilities{Discovery: true}, zerolog.Nop())
	found, err := d.Discover(context.Background(), "/proj")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].AutoConnect)
	assert.Equal(t, "fs", found[0].Config.ID)
}

func TestHostDiscovererSwallowsRemoteFailure(t *testing.T) {
	t.Parallel()

	adapter, responder := transport.Pipe(zerolog.Nop())
	responder.Handle(hostapi.ChannelDiscover, func(context.Context, json.RawMessage) (any, error) {
		return nil, assert.AnError
	})
	client := hostapi.NewClient(adapter, zerolog.Nop())

	d := NewHostDiscoverer(client, hostapi.Capabilities{Discovery: true}, zerolog.Nop())
	found, err := d.Discover(context.Background(), "/proj")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFileDiscovererParsesJSONCAndExpandsEnv(t *testing.T) {
	root := t.TempDir()
	t.Setenv("TSM_TEST_TOKEN", "from-process")

	config := `{
		// project tool servers
		"servers": {
			"fs": {
				"command": "fs-server",
				"args": ["--root", "${PROJECT_DIR}"],
				"autoConnect": true,
			},
			"web": {
				"url": "http://localhost:9000",
				"headers": {"Authorization": "Bearer ${TSM_TEST_TOKEN}"},
				"enabled": false,
			},
		},
	}`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("PROJECT_DIR=/workspace/demo\n"), 0o644))

	d := NewFileDiscoverer(zerolog.Nop())
	found, err := d.Discover(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, found, 2)

	fs := found[0]
	assert.Equal(t, "fs", fs.Config.ID)
	assert.True(t, fs.AutoConnect)
	assert.True(t, fs.Config.Enabled)
	assert.Equal(t, []string{"--root", "/workspace/demo"}, fs.Config.Args)

	web := found[1]
	assert.Equal(t, "web", web.Config.ID)
	assert.False(t, web.Config.Enabled)
	assert.Equal(t, "Bearer from-process", web.Config.Headers["Authorization"])
}

func TestFileDiscovererMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	d := NewFileDiscoverer(zerolog.Nop())
	found, err := d.Discover(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFileDiscovererMalformedFileIsEmpty(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte("{nope"), 0o644))

	d := NewFileDiscoverer(zerolog.Nop())
	found, err := d.Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMultiConcatenatesDiscoverers(t *testing.T) {
	t.Parallel()

	a := discovererFunc(func(context.Context, string) ([]hostapi.DiscoveredConfig, error) {
		return []hostapi.DiscoveredConfig{{Config: hostapi.ServerConfig{ID: "a"}}}, nil
	})
	b := discovererFunc(func(context.Context, string) ([]hostapi.DiscoveredConfig, error) {
		return nil, assert.AnError
	})
	c := discovererFunc(func(context.Context, string) ([]hostapi.DiscoveredConfig, error) {
		return []hostapi.DiscoveredConfig{{Config: hostapi.ServerConfig{ID: "c"}}}, nil
	})

	found, err := Multi{a, b, c}.Discover(context.Background(), "/proj")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "a", found[0].Config.ID)
	assert.Equal(t, "c", found[1].Config.ID)
}

type discovererFunc func(context.Context, string) ([]hostapi.DiscoveredConfig, error)

func (f discovererFunc) Discover(ctx context.Context, root string) ([]hostapi.DiscoveredConfig, error) {
	return f(ctx, root)
}
