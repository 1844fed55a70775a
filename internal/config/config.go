// Package config loads the spawner's process-wide SpawnConfig (spec.md
// §3): default credential and the allow-list Verify enforces before a
// request's UidGid is accepted for fork/exec.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/watchtower/spawnd/internal/spawnproc"
)

// SpawnConfig is immutable after Load returns.
type SpawnConfig struct {
	DefaultUID uint32 `yaml:"default_uid"`
	DefaultGID uint32 `yaml:"default_gid"`

	// AllowedUIDs, if non-empty, is the full set of uids a request may
	// ask to run as. An empty list means only DefaultUID/DefaultGID is
	// permitted — the conservative reading of spec.md §3's "allow-list
	// policies applied by Verify" for a list the operator never filled
	// in.
	AllowedUIDs []uint32 `yaml:"allowed_uids,omitempty"`

	// RefencePath is the opaque kernel process-control interface path
	// forwarded to every isolate.Runner this spawner builds; empty
	// disables the refence step entirely (see DESIGN.md Open Question
	// resolution 4).
	RefencePath string `yaml:"refence_path,omitempty"`
}

// Default returns a SpawnConfig that only ever permits DefaultUID/GID.
func Default(uid, gid uint32) *SpawnConfig {
	return &SpawnConfig{DefaultUID: uid, DefaultGID: gid}
}

// Load reads a YAML SpawnConfig from path.
func Load(path string) (*SpawnConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	var cfg SpawnConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	return &cfg, nil
}

// Verify reports whether cred is permitted to be the identity of a
// spawned child (spec.md §4.G: the fallback accept path when a hook
// refuses).
func (c *SpawnConfig) Verify(cred spawnproc.UidGid) bool {
	if len(c.AllowedUIDs) == 0 {
		return cred.UID == c.DefaultUID && cred.GID == c.DefaultGID
	}
	for _, uid := range c.AllowedUIDs {
		if cred.UID == uid {
			return true
		}
	}
	return false
}
