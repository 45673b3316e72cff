package sshpool

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "deploy@10.0.0.5:22", Key("deploy", "10.0.0.5", 22))
	assert.Equal(t, "root@db-01:2222", Key("root", "db-01", 2222))
}

func TestBuildAuthMethodsPrecedence(t *testing.T) {
	pemText := testKeyPEM(t)

	// PEM wins even when a password is also present.
	methods, err := BuildAuthMethods(Credentials{PEM: pemText, Password: "hunter2"})
	require.NoError(t, err)
	require.Len(t, methods, 1)

	// Key path is used when no PEM is given.
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte(pemText), 0o600))

	methods, err = BuildAuthMethods(Credentials{KeyPath: keyPath, Password: "hunter2"})
	require.NoError(t, err)
	require.Len(t, methods, 1)

	// Password is the last resort.
	methods, err = BuildAuthMethods(Credentials{Password: "hunter2"})
	require.NoError(t, err)
	require.Len(t, methods, 1)
}

func TestBuildAuthMethodsErrors(t *testing.T) {
	_, err := BuildAuthMethods(Credentials{})
	assert.ErrorIs(t, err, ErrNoCredentials)

	// A broken PEM must not fall through to the password.
	_, err = BuildAuthMethods(Credentials{PEM: "garbage", Password: "hunter2"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredentials)

	// Same for a missing key file.
	_, err = BuildAuthMethods(Credentials{KeyPath: "/nonexistent/id_rsa", Password: "hunter2"})
	assert.Error(t, err)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandTilde("~/.ssh/id_ed25519")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), got)

	got, err = ExpandTilde("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)

	// Absolute paths pass through untouched.
	got, err = ExpandTilde("/etc/keys/id_rsa")
	require.NoError(t, err)
	assert.Equal(t, "/etc/keys/id_rsa", got)

	// A tilde not in leading position is literal.
	got, err = ExpandTilde("/data/~backup/key")
	require.NoError(t, err)
	assert.Equal(t, "/data/~backup/key", got)
}

func TestPoolCloseAllEmptiesCache(t *testing.T) {
	p := New(0, zap.NewNop())
	assert.Equal(t, 0, p.Size())

	// Seed entries directly; dialing real hosts is out of scope here.
	p.mu.Lock()
	p.entries["a@h1:22"] = &entry{}
	p.entries["b@h2:22"] = &entry{}
	p.mu.Unlock()
	assert.Equal(t, 2, p.Size())

	p.CloseAll()
	assert.Equal(t, 0, p.Size())
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.False(t, IsAuthError(assert.AnError))
	assert.True(t, IsAuthError(errFromMsg("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]")))
	assert.True(t, IsAuthError(errFromMsg("ssh: no supported methods remain")))
}

type errFromMsg string

func (e errFromMsg) Error() string { return string(e) }
