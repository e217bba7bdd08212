package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultBaseline(t *testing.T) {
	cfg := Default()
	require.Equal(t, 2*time.Second, cfg.KVTimeout)
	require.Equal(t, "store", cfg.StoreDir)
	require.Equal(t, "stage", cfg.StageDir)
	require.Empty(t, cfg.DefaultBackend)
}

func TestParseOverridesOnlyNamedFields(t *testing.T) {
	cfg, err := Parse(strings.NewReader("store_dir: custom-store\n"))
	require.NoError(t, err)
	require.Equal(t, "custom-store", cfg.StoreDir)
	require.Equal(t, "stage", cfg.StageDir)
}

func TestParseEmptyDocumentYieldsDefault(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse(strings.NewReader("store_dir: [unterminated\n"))
	require.Error(t, err)
}

func TestOverlayAppliesHangarPrefixedVars(t *testing.T) {
	environ := []string{
		"HANGAR_STORE_DIR=overlaid-store",
		"HANGAR_KV_TIMEOUT=5s",
		"PATH=/usr/bin",
	}
	cfg, err := Overlay(Default(), environ)
	require.NoError(t, err)
	require.Equal(t, "overlaid-store", cfg.StoreDir)
	require.Equal(t, 5*time.Second, cfg.KVTimeout)
	require.Equal(t, "stage", cfg.StageDir)
}

func TestOverlayRejectsMalformedDuration(t *testing.T) {
	_, err := Overlay(Default(), []string{"HANGAR_KV_TIMEOUT=not-a-duration"})
	require.Error(t, err)
}

func TestLoadMissingFileYieldsDefault(t *testing.T) {
	cfg, err := Load(t.TempDir() + "/does-not-exist.yml")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
