package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"

	"github.com/kestrelworks/tool-server-manager-go/pkg/hostapi"
)

// ConfigFileName is the project-level file FileDiscoverer looks for.
const ConfigFileName = ".toolservers.json"

// FileDiscoverer reads tool-server declarations from a project's
// .toolservers.json. Comments and trailing commas are tolerated, and string
// values may reference ${VAR} placeholders resolved from the process
// environment plus an optional project .env file.
type FileDiscoverer struct {
	logger zerolog.Logger
}

// NewFileDiscoverer builds a project-file discoverer.
func NewFileDiscoverer(logger zerolog.Logger) *FileDiscoverer {
	return &FileDiscoverer{logger: logger}
}

type fileEntry struct {
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	AutoConnect bool              `json:"autoConnect,omitempty"`
}

type fileFormat struct {
	Servers map[string]fileEntry `json:"servers"`
}

// Discover parses <projectRoot>/.toolservers.json. A missing file yields an
// empty set; a malformed one is logged and also yields an empty set, so
// discovery never blocks startup.
func (d *FileDiscoverer) Discover(_ context.Context, projectRoot string) ([]hostapi.DiscoveredConfig, error) {
	if projectRoot == "" {
		return nil, nil
	}
	path := filepath.Join(projectRoot, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn().Err(err).Str("path", path).Msg("cannot read discovery file")
		}
		return nil, nil
	}

	var parsed fileFormat
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("malformed discovery file")
		return nil, nil
	}

	expand := d.expander(projectRoot)

	ids := make([]string, 0, len(parsed.Servers))
	for id := range parsed.Servers {
		ids = append(ids, id)
	}
	// Map iteration order is random; results must be deterministic.
	sort.Strings(ids)

	found := make([]hostapi.DiscoveredConfig, 0, len(ids))
	for _, id := range ids {
		entry := parsed.Servers[id]
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		cfg := hostapi.ServerConfig{
			ID:      id,
			Command: expand(entry.Command),
			Args:    expandAll(entry.Args, expand),
			Env:     expandMap(entry.Env, expand),
			URL:     expand(entry.URL),
			Headers: expandMap(entry.Headers, expand),
			Enabled: enabled,
		}
		found = append(found, hostapi.DiscoveredConfig{Config: cfg, AutoConnect: entry.AutoConnect})
	}
	return found, nil
}

// expander resolves ${VAR} from the project .env first, then the process
// environment. godotenv.Read leaves the process environment untouched, which
// keeps discovery read-only.
func (d *FileDiscoverer) expander(projectRoot string) func(string) string {
	dotenv, err := godotenv.Read(filepath.Join(projectRoot, ".env"))
	if err != nil && !os.IsNotExist(err) {
		d.logger.Debug().Err(err).Str("root", projectRoot).Msg("skipping project .env")
	}
	return func(s string) string {
		if !strings.Contains(s, "$") {
			return s
		}
		return os.Expand(s, func(key string) string {
			if v, ok := dotenv[key]; ok {
				return v
			}
			return os.Getenv(key)
		})
	}
}

func expandAll(values []string, expand func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = expand(v)
	}
	return out
}

func expandMap(values map[string]string, expand func(string) string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = expand(v)
	}
	return out
}
