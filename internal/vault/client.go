// Package vault fetches the market feed credentials from HashiCorp
// Vault so the token never has to live in the environment.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"otc-signal-bot/config"
)

// Client wraps the Vault API client for feed credential lookups.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu     sync.Mutex
	cached string
}

// NewClient creates a Vault client. When Vault is disabled in config
// the client is inert and FeedToken returns an error.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// Enabled reports whether Vault lookups are configured.
func (c *Client) Enabled() bool { return c.cfg.Enabled }

// FeedToken reads the feed API token from the KV v2 secret at the
// configured path. The token is cached after the first read.
func (c *Client) FeedToken(ctx context.Context) (string, error) {
	if !c.cfg.Enabled {
		return "", fmt.Errorf("vault is disabled")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != "" {
		return c.cached, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read feed secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("feed secret not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected secret format at %s", path)
	}
	token, ok := data["api_token"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("feed secret at %s has no api_token", path)
	}

	c.cached = token
	return token, nil
}
