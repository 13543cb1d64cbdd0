package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

func TestLoadFromFile_ParsesValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
ip_address: "10.0.0.5"
listen_port: 11112
ae_title: "TESTPROXY"
resolver_api_url: "https://backend.example.com"
proxy_key: "secret-key"
mode: "private"
enable_phi_anonymization: true
auto_dispatch: false
cleanup_after_upload: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	snapshot, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "TESTPROXY", snapshot.AETitle)
	require.Equal(t, repo.ModePrivate, snapshot.Mode)
	require.True(t, snapshot.EnablePHIAnonymization)
}

func TestLoadFromFile_RejectsInvalidMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
ip_address: "10.0.0.5"
listen_port: 11112
ae_title: "TESTPROXY"
resolver_api_url: "https://backend.example.com"
proxy_key: "secret-key"
mode: "not-a-mode"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestStore_SwapReplacesAtomically(t *testing.T) {
	initial := &Snapshot{ProxyConfiguration: repo.ProxyConfiguration{AETitle: "OLD"}}
	store := NewStore(initial)
	require.Equal(t, "OLD", store.Get().AETitle)

	next := &Snapshot{ProxyConfiguration: repo.ProxyConfiguration{AETitle: "NEW"}}
	previous := store.Swap(next)
	require.Equal(t, "OLD", previous.AETitle)
	require.Equal(t, "NEW", store.Get().AETitle)
}
