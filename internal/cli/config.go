package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"raydist/internal/core"
)

// FileConfig holds the deployment settings that may come from --config.
// Empty values fall through to the built-in defaults.
type FileConfig struct {
	Raytracer      string   `json:"raytracer"`
	ClusterCommand string   `json:"cluster_command"`
	ShareRoot      string   `json:"share_root"`
	Facility       string   `json:"facility"`
	Width          *int     `json:"width"`
	ExcludeNodes   []string `json:"exclude_nodes"`
}

// LoadConfigFile reads and parses the deployment config at path.
//
// The loader is strict:
//   - Disallows unknown fields (to avoid silent divergence).
//   - Rejects trailing data after the object.
func LoadConfigFile(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg FileConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse config json: %w", err)
	}
	// Ensure there is no trailing garbage (including a second JSON value).
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return FileConfig{}, fmt.Errorf("parse config json: trailing data")
		}
		return FileConfig{}, fmt.Errorf("parse config json: %w", err)
	}

	// Normalize the node list the same way the -I flag is.
	if len(cfg.ExcludeNodes) > 0 {
		nodes, err := core.ParseNodeList(strings.Join(cfg.ExcludeNodes, ","))
		if err != nil {
			return FileConfig{}, fmt.Errorf("config exclude_nodes: %w", err)
		}
		cfg.ExcludeNodes = nodes
	}
	return cfg, nil
}
