package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/repositories"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
)

// commandTimeout boxes each individual remote command.
const commandTimeout = 15 * time.Second

// The fixed, read-only command set. Nothing here writes to the host.
const (
	cmdHostname  = "hostname"
	cmdKernel    = "uname -r"
	cmdArch      = "uname -m"
	cmdOSRelease = "cat /etc/os-release"
	cmdUptime    = "cat /proc/uptime"
	cmdCPUCount  = "nproc"
	cmdMeminfo   = "cat /proc/meminfo"
	cmdDF        = "df -P -k"
	cmdIPLink    = "ip -o link"
	cmdIPRoute   = "ip route"
	cmdPackages  = "dpkg -l 2>/dev/null | grep -c '^ii' || rpm -qa 2>/dev/null | wc -l || pacman -Q 2>/dev/null | wc -l"
	cmdServices  = "systemctl list-units --type=service --state=running --no-pager --no-legend --plain 2>/dev/null"
)

// CredentialResolver matches vault.Service.HostCredentials.
type CredentialResolver interface {
	HostCredentials(ctx context.Context, host *db.Host) (sshpool.Credentials, error)
}

// Collector gathers inventory over one-shot SSH connections and persists the
// result as the latest row plus a history snapshot.
type Collector struct {
	creds  CredentialResolver
	repo   repositories.InventoryRepository
	dial   func(host string, port int, user string, creds sshpool.Credentials, timeout time.Duration) (*ssh.Client, error)
	logger *zap.Logger
}

// NewCollector wires a collector.
func NewCollector(creds CredentialResolver, repo repositories.InventoryRepository, logger *zap.Logger) *Collector {
	return &Collector{
		creds:  creds,
		repo:   repo,
		dial:   sshpool.Dial,
		logger: logger,
	}
}

// Collect opens a direct SSH connection (one-shot work does not belong in the
// pool) and runs the fixed command set. A failed command yields an empty
// section; only the connection itself is fatal.
func (c *Collector) Collect(ctx context.Context, host *db.Host, opts Options) (*Inventory, error) {
	creds, err := c.creds.HostCredentials(ctx, host)
	if err != nil {
		return nil, err
	}

	client, err := c.dial(host.Host, host.Port, host.Username, creds, 0)
	if err != nil {
		return nil, fmt.Errorf("inventory: connect %s: %w", host.Host, err)
	}
	defer client.Close()

	run := func(cmd string) string {
		result, err := sshpool.Exec(client, cmd, commandTimeout)
		if err != nil || result.ExitCode != 0 {
			c.logger.Debug("inventory command failed",
				zap.String("host", host.Host), zap.String("cmd", cmd), zap.Error(err))
			return ""
		}
		return result.Stdout
	}

	inv := &Inventory{
		Hostname:      firstLine(run(cmdHostname)),
		Kernel:        firstLine(run(cmdKernel)),
		Architecture:  firstLine(run(cmdArch)),
		OS:            parseOSRelease(run(cmdOSRelease)),
		UptimeSeconds: parseUptime(run(cmdUptime)),
		CPUCount:      parseCount(run(cmdCPUCount)),
		Memory:        parseMeminfo(run(cmdMeminfo)),
		Filesystems:   parseDF(run(cmdDF)),
		Interfaces:    parseIPLink(run(cmdIPLink)),
		DefaultRoute:  parseDefaultRoute(run(cmdIPRoute)),
		CollectedAt:   time.Now().UTC(),
	}
	if opts.IncludePackages {
		inv.PackageCount = parseCount(run(cmdPackages))
	}
	if opts.IncludeServices {
		inv.Services = parseServices(run(cmdServices))
	}
	return inv, nil
}

// Refresh collects and persists in one step: an upsert of the latest row and
// an appended snapshot, transactionally.
func (c *Collector) Refresh(ctx context.Context, host *db.Host, opts Options) (*Inventory, error) {
	inv, err := c.Collect(ctx, host, opts)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("inventory: marshal: %w", err)
	}
	if err := c.repo.SaveCollected(ctx, host.ID, inv.CollectedAt, string(data)); err != nil {
		return nil, err
	}

	c.logger.Info("inventory refreshed", zap.Uint("host_id", host.ID), zap.String("host", host.Host))
	return inv, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
