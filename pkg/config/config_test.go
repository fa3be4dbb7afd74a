package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	want := DefaultConfig()
	want.BTAlias = "TestCar"
	want.Connect = "AA:BB:CC:DD:EE:FF"
	want.MITM.Enabled = true
	want.MITM.HUCert = "/tmp/hu.pem"
	want.MITM.HUKey = "/tmp/hu.key"
	want.MITM.MDCert = "/tmp/md.pem"
	want.MITM.MDKey = "/tmp/md.key"
	want.MITM.GalrootCert = "/tmp/root.pem"

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BTAlias = ""
	assert.Error(t, Validate(cfg))
}

func TestValidateRequiresMITMCertsWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MITM.Enabled = true
	assert.Error(t, Validate(cfg))
}

func TestLoadFallsBackToDefaultWhenNoFileFound(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadExplicitPathMissingIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}
