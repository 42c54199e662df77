// Package vault loads operator secrets (database DSN, exchange API key,
// notification bot tokens) from HashiCorp Vault's KV v2 engine. Per-user
// API key custody is out of scope: this engine never brokers user funds.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"futures-signal-core/internal/config"
)

// Client wraps the HashiCorp Vault client for a single mount/secret path.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient returns nil, nil when Vault is disabled, so callers can treat
// secret loading as a config-file fallback without a nil-interface check.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	vc := api.DefaultConfig()
	vc.Address = cfg.Address
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// LoadSecrets reads the configured KV v2 secret path and returns its
// string-valued fields.
func (c *Client) LoadSecrets(ctx context.Context) (map[string]string, error) {
	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault: read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault: malformed secret at %s", path)
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[k] = s
	}
	return out, nil
}
