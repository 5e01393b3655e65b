package services

import (
	"os"
	"path/filepath"
	"testing"

	"arp/internal/models"
	"arp/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialResolverKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web"), []byte("PRIVATE KEY"), 0o600))

	r := NewCredentialResolver(config.SSHConfig{KeyDir: dir, DefaultUser: "ops", DefaultPort: 22})
	target, err := r.Resolve(&models.Server{Name: "web-01", Hostname: "10.0.0.1", CredentialRef: "web", OSType: models.OSLinux})
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE KEY", target.KeyData)
	assert.Equal(t, "ops", target.Username)
	assert.Equal(t, 22, target.Port)
}

func TestCredentialResolverEnvPassword(t *testing.T) {
	r := NewCredentialResolver(config.SSHConfig{DefaultPort: 22})
	r.getenv = func(k string) string {
		if k == "CREDENTIAL_WIN_ADMIN_PASSWORD" {
			return "s3cret"
		}
		return ""
	}

	target, err := r.Resolve(&models.Server{Name: "win", Hostname: "h", Port: 2222, Username: "Administrator", CredentialRef: "win-admin"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", target.Password)
	assert.Equal(t, 2222, target.Port)
}

func TestCredentialResolverErrors(t *testing.T) {
	r := NewCredentialResolver(config.SSHConfig{KeyDir: t.TempDir()})
	r.getenv = func(string) string { return "" }

	_, err := r.Resolve(&models.Server{Name: "a"})
	assert.Error(t, err)
	_, err = r.Resolve(&models.Server{Name: "a", CredentialRef: "../etc/shadow"})
	assert.Error(t, err)
	_, err = r.Resolve(&models.Server{Name: "a", CredentialRef: "missing"})
	assert.Error(t, err)
}
