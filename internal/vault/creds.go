package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsdeck-io/opsdeck/internal/db"
	"github.com/opsdeck-io/opsdeck/internal/sshpool"
)

// HostCredentials resolves a host's credential triple into SSH auth
// material, preferring the vault ref, then the key file path, then the
// wrapped password. A vault ref pointing at a soft-deleted or corrupt key
// falls back to the next credential; if nothing remains, the error names the
// vault failure so the operator sees why.
func (s *Service) HostCredentials(ctx context.Context, host *db.Host) (sshpool.Credentials, error) {
	var vaultErr error
	if host.VaultKeyID != nil {
		pem, err := s.GetPlaintext(ctx, *host.VaultKeyID)
		if err == nil {
			return sshpool.Credentials{PEM: pem}, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorruptCiphertext) {
			return sshpool.Credentials{}, err
		}
		vaultErr = err
	}

	if host.SSHKeyPath != "" {
		return sshpool.Credentials{KeyPath: host.SSHKeyPath}, nil
	}
	if host.SSHPassword != "" {
		return sshpool.Credentials{Password: string(host.SSHPassword)}, nil
	}

	if vaultErr != nil {
		return sshpool.Credentials{}, fmt.Errorf("vault key unusable and no fallback credential for host %d: %w", host.ID, vaultErr)
	}
	return sshpool.Credentials{}, sshpool.ErrNoCredentials
}
