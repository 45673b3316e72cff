// Package sshpool maintains a cache of live SSH clients keyed by
// "user@host:port". Cached clients are health-probed on checkout and evicted
// on failure, so callers always receive a usable connection or an error.
package sshpool

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout bounds the TCP+handshake phase of a dial.
	DefaultConnectTimeout = 10 * time.Second

	// quickTestTimeout is the shorter dial bound used by connectivity tests.
	quickTestTimeout = 5 * time.Second

	// probeTimeout bounds the echo probe run against a cached client.
	probeTimeout = 2 * time.Second
)

// ErrNoCredentials is returned when a host carries none of the three
// credential forms.
var ErrNoCredentials = errors.New("sshpool: no usable credentials")

// Credentials carries the three credential forms in descending order of
// preference: an in-memory PEM from the vault, a key file path, a password.
type Credentials struct {
	PEM      string
	KeyPath  string
	Password string
}

// Key renders the pool key for a connection triple.
func Key(user, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}

// entry serializes access to one cached client. The per-key lock is held
// across probe, eviction and redial, so two goroutines asking for the same
// triple never dial twice.
type entry struct {
	mu     sync.Mutex
	client *ssh.Client
}

// Pool is the connection cache. The global mutex guards only the entry map;
// dials happen under the per-entry lock, so different triples connect fully
// in parallel.
type Pool struct {
	mu             sync.Mutex
	entries        map[string]*entry
	connectTimeout time.Duration
	logger         *zap.Logger
}

// New builds an empty pool. A zero connectTimeout falls back to the default.
func New(connectTimeout time.Duration, logger *zap.Logger) *Pool {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Pool{
		entries:        make(map[string]*entry),
		connectTimeout: connectTimeout,
		logger:         logger,
	}
}

// Get returns a live client for the triple, reusing the cached one when its
// echo probe passes and dialing a fresh one otherwise.
func (p *Pool) Get(host string, port int, user string, creds Credentials) (*ssh.Client, error) {
	key := Key(user, host, port)

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		if probe(e.client) {
			return e.client, nil
		}
		p.logger.Debug("evicting stale ssh client", zap.String("key", key))
		e.client.Close()
		e.client = nil
	}

	client, err := dial(host, port, user, creds, p.connectTimeout)
	if err != nil {
		return nil, err
	}
	e.client = client
	p.logger.Debug("ssh client connected", zap.String("key", key))
	return client, nil
}

// Close drops and closes the cached client for one triple, if any.
func (p *Pool) Close(host string, port int, user string) {
	key := Key(user, host, port)

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	e.mu.Lock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.mu.Unlock()
}

// CloseAll closes every cached client. Called at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for key, e := range entries {
		e.mu.Lock()
		if e.client != nil {
			e.client.Close()
			e.client = nil
		}
		e.mu.Unlock()
		p.logger.Debug("ssh client closed", zap.String("key", key))
	}
}

// Size reports the number of cached entries, for metrics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// QuickTest dials the triple with a short timeout, runs an echo, and tears
// the connection down. Nothing is cached.
func (p *Pool) QuickTest(host string, port int, user string, creds Credentials) error {
	client, err := dial(host, port, user, creds, quickTestTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	if !probe(client) {
		return errors.New("sshpool: echo probe failed")
	}
	return nil
}

// Dial opens a fresh, unpooled SSH connection. Used for one-shot work
// (inventory collection) and long-lived PTYs (terminals), where pooling a
// client would be wrong. Agent forwarding is never requested and the user's
// local key files are not consulted; only the supplied credentials count.
func Dial(host string, port int, user string, creds Credentials, timeout time.Duration) (*ssh.Client, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return dial(host, port, user, creds, timeout)
}

// dial opens a fresh SSH connection.
func dial(host string, port int, user string, creds Credentials, timeout time.Duration) (*ssh.Client, error) {
	auth, err := BuildAuthMethods(creds)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: auth,
		// Tradeoff: unknown host keys are accepted. Fleet hosts are often
		// reprovisioned and there is no known_hosts store yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("sshpool: dial %s: %w", addr, err)
	}
	return client, nil
}

// BuildAuthMethods converts credentials into SSH auth methods, honoring the
// precedence PEM > key path > password. An unreadable or unparsable key is an
// error rather than a silent fallthrough, so a misconfigured vault ref is
// surfaced instead of quietly trying the password.
func BuildAuthMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	if creds.PEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(creds.PEM))
		if err != nil {
			return nil, fmt.Errorf("sshpool: parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if creds.KeyPath != "" {
		path, err := ExpandTilde(creds.KeyPath)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sshpool: read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("sshpool: parse key file %s: %w", path, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if creds.Password != "" {
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	}

	return nil, ErrNoCredentials
}

// ExpandTilde resolves a leading "~/" against the current user's home
// directory.
func ExpandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("sshpool: resolve home dir: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// probe validates a cached client with a short echo. A hung or half-closed
// connection fails the deadline and gets evicted by the caller.
func probe(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("echo ok") }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(probeTimeout):
		return false
	}
}
