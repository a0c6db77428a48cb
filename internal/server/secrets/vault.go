package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/vault/api"
)

const vaultValueField = "value"

// VaultConfig carries the connection settings for an external Vault.
type VaultConfig struct {
	// Address of the Vault server, e.g. "https://vault.internal:8200".
	// Empty means the VAULT_ADDR default.
	Address string

	// Token used to authenticate.
	Token string

	// Mount of the KV v2 secrets engine. Defaults to "secret".
	Mount string
}

// VaultStore keeps secrets in a Vault KV v2 engine. Each secret lives at
// <namespace>/<path> under the configured mount, with the value in a single
// "value" field.
type VaultStore struct {
	kv *api.KVv2
}

// NewVaultStore builds a store from cfg. It does not probe the server;
// connectivity problems surface on first use as *StoreError.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vcfg := api.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{kv: client.KVv2(mount)}, nil
}

func (s *VaultStore) Read(ctx context.Context, namespace, path string) (string, error) {
	secret, err := s.kv.Get(ctx, vaultPath(namespace, path))
	if err != nil {
		return "", classifyVaultErr("read", namespace, path, err)
	}
	raw, ok := secret.Data[vaultValueField]
	if !ok {
		return "", &UnexpectedError{Op: "read", Err: fmt.Errorf("secret %s/%s has no %q field", namespace, path, vaultValueField)}
	}
	value, ok := raw.(string)
	if !ok {
		return "", &UnexpectedError{Op: "read", Err: fmt.Errorf("secret %s/%s %q field is %T, not string", namespace, path, vaultValueField, raw)}
	}
	return value, nil
}

func (s *VaultStore) Write(ctx context.Context, namespace, path, value string) error {
	data := map[string]interface{}{vaultValueField: value}
	if _, err := s.kv.Put(ctx, vaultPath(namespace, path), data); err != nil {
		return classifyVaultErr("write", namespace, path, err)
	}
	return nil
}

func (s *VaultStore) Delete(ctx context.Context, namespace, path string) error {
	err := s.kv.DeleteMetadata(ctx, vaultPath(namespace, path))
	switch {
	case err == nil, isVaultNotFound(err):
		return nil
	case isVaultPermissionDenied(err):
		return &AccessError{Namespace: namespace, Path: path, Err: err}
	default:
		return &StoreError{Op: "delete", Err: err}
	}
}

func vaultPath(namespace, path string) string {
	return namespace + "/" + path
}

// classifyVaultErr maps Vault API failures onto the store's error taxonomy:
// missing or forbidden secrets are the caller's problem, everything else is
// the backend's.
func classifyVaultErr(op, namespace, path string, err error) error {
	if isVaultNotFound(err) || isVaultPermissionDenied(err) {
		return &AccessError{Namespace: namespace, Path: path, Err: err}
	}
	return &StoreError{Op: op, Err: err}
}

func isVaultNotFound(err error) bool {
	if errors.Is(err, api.ErrSecretNotFound) {
		return true
	}
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isVaultPermissionDenied(err error) bool {
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden
}
