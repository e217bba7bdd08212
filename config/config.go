// Package config holds Hangar's repository-wide configuration: the
// directory layout, the KV-open timeout, and an optional default
// backend string that column backend selection does not read. Adapted from the teacher's configuration package (YAML-tagged
// struct, gopkg.in/yaml.v2 decode, environment-variable overlay), with
// its multi-version config-format conversion machinery dropped: Hangar
// has had exactly one on-disk config shape since its first release, so
// there is nothing for a VersionedParseInfo table to convert between
// (see DESIGN.md).
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is a repository's configuration, normally loaded from a
// "config.yml" at the repository root and optionally overridden by
// HANGAR_-prefixed environment variables (see Overlay). There is no
// KV environment map-size field: bbolt grows its backing file on
// demand, unlike the original's LMDB environments, which needed one
// fixed up front.
type Config struct {
	// KVTimeout bounds how long opening a named environment waits to
	// acquire bbolt's file lock before giving up (kv.Options.Timeout).
	KVTimeout time.Duration `yaml:"kv_timeout"`

	// StoreDir and StageDir name the two payload directories every
	// local backend reads and writes under the repository root (spec
	// §4.1's STORE_DATA_DIR / STAGE_DATA_DIR).
	StoreDir string `yaml:"store_dir"`
	StageDir string `yaml:"stage_dir"`

	// DefaultBackend is a backend specifier loaded from the config file
	// or HANGAR_DEFAULT_BACKEND. Nothing in this module reads it: a
	// column created without a backend specifier uses the size/shape
	// heuristic whatever this field holds.
	DefaultBackend string `yaml:"default_backend,omitempty"`
}

// Default returns the zero-config baseline a fresh repository starts
// from, and the baseline the teacher's own fixtures mutate between
// tests rather than constructing a Config by hand field-by-field.
func Default() Config {
	return Config{
		KVTimeout: 2 * time.Second,
		StoreDir:  "store",
		StageDir:  "stage",
	}
}

// Parse decodes a YAML config document, starting from Default() so any
// field the document omits keeps its default rather than zeroing out.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	b, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}
	if len(b) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// envPrefix names the environment variables Overlay recognizes,
// mirroring the teacher's convention of deriving an env var name from a
// yaml field name (here mapped by hand, field by field, rather than by
// the teacher's reflection-based walk, since Config is a flat four-field
// struct and reflection would be the more roundabout way to say the
// same thing — see DESIGN.md).
const envPrefix = "HANGAR_"

// Overlay applies HANGAR_-prefixed environment variable overrides on
// top of an already-parsed Config, the same two-stage "file, then env"
// precedence the teacher's Parse + environment overlay gives
// configuration.Configuration.
func Overlay(cfg Config, environ []string) (Config, error) {
	vals := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envPrefix) {
			continue
		}
		vals[strings.TrimPrefix(k, envPrefix)] = v
	}

	if v, ok := vals["KV_TIMEOUT"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: HANGAR_KV_TIMEOUT: %w", err)
		}
		cfg.KVTimeout = d
	}
	if v, ok := vals["STORE_DIR"]; ok {
		cfg.StoreDir = v
	}
	if v, ok := vals["STAGE_DIR"]; ok {
		cfg.StageDir = v
	}
	if v, ok := vals["DEFAULT_BACKEND"]; ok {
		cfg.DefaultBackend = v
	}
	return cfg, nil
}

// Load reads and overlays a repository's configuration in one step: the
// YAML file at path (if it exists; a missing file is not an error and
// yields Default()), then the process environment.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Overlay(Default(), os.Environ())
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, err
	}
	return Overlay(cfg, os.Environ())
}

