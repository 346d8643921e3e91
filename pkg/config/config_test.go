package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 100, cfg.Bootloader.TimeoutMs)
	assert.Equal(t, 10, cfg.Bootloader.Attempts)
	assert.Equal(t, 64, cfg.Session.InitialBlocksize)
}

func TestLoadOverridesOnlyProvidedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avrboot.ini")
	content := "[bootloader]\nattempts = 20\n\n[session]\nrequest_timeout_ms = 750\n"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 20, cfg.Bootloader.Attempts)
	assert.Equal(t, 100, cfg.Bootloader.TimeoutMs) // untouched, keeps default
	assert.Equal(t, 750, cfg.Session.RequestTimeoutMs)
	assert.Equal(t, 64, cfg.Session.InitialBlocksize) // untouched
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
