// Package secretstore stores tenant-sensitive secrets (external password
// hashes, escrowed worker broker credentials) in Vault's KV v2 engine
// instead of inline in the primary store, for deployments that set
// AUTH_PASSWORD_EXTERNAL or otherwise want secrets out of Redis (§6).
package secretstore

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// Store wraps a Vault client scoped to a KV v2 mount.
type Store struct {
	client *vaultapi.Client
	mount  string
}

// New builds a Store from a Vault address and token. mount is the KV v2
// secrets engine mount point, e.g. "secret".
func New(addr, token, mount string) (*Store, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("building vault client: %w", err)
	}
	client.SetToken(token)
	return &Store{client: client, mount: mount}, nil
}

// Write stores obj's fields at path.
func (s *Store) Write(ctx context.Context, path string, obj map[string]interface{}) error {
	_, err := s.client.KVv2(s.mount).Put(ctx, path, obj)
	if err != nil {
		return fmt.Errorf("writing secret %s: %w", path, err)
	}
	return nil
}

// Read fetches the fields stored at path.
func (s *Store) Read(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", path, err)
	}
	return secret.Data, nil
}

// Delete removes the secret at path (and all of its versions).
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.client.KVv2(s.mount).DeleteMetadata(ctx, path); err != nil {
		return fmt.Errorf("deleting secret %s: %w", path, err)
	}
	return nil
}

// PasswordPath builds the Vault path for a user's external password hash.
func PasswordPath(userID string) string {
	return fmt.Sprintf("nightowl/users/%s/password", userID)
}

// WorkerCredentialPath builds the Vault path for an escrowed worker's broker
// credential.
func WorkerCredentialPath(workerID string) string {
	return fmt.Sprintf("nightowl/workers/%s/broker-credential", workerID)
}
