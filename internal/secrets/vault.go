// Package secrets loads broker credentials from HashiCorp Vault so API keys
// never live in config files on disk.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"position-guardian/config"
)

// BrokerCredentials are the signing credentials for the broker gateway
type BrokerCredentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client with a read cache
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache *BrokerCredentials
}

// NewClient creates a new Vault client. When Vault is disabled the client
// serves credentials from config only.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// BrokerCredentials reads the broker signing credentials. Falls back to the
// broker config section when Vault is disabled.
func (c *Client) BrokerCredentials(ctx context.Context, fallback config.BrokerConfig) (*BrokerCredentials, error) {
	if !c.config.Enabled {
		return &BrokerCredentials{
			APIKey:    fallback.APIKey,
			SecretKey: fallback.SecretKey,
			IsTestnet: fallback.TestNet,
		}, nil
	}

	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	path := c.secretPath()
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no broker credentials at vault path %s", path)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := &BrokerCredentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("broker credentials at %s are incomplete", path)
	}

	c.mu.Lock()
	c.cache = creds
	c.mu.Unlock()

	copied := *creds
	return &copied, nil
}

// StoreBrokerCredentials writes broker credentials to Vault
func (c *Client) StoreBrokerCredentials(ctx context.Context, creds BrokerCredentials) error {
	if !c.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("failed to store broker credentials: %w", err)
	}

	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
	return nil
}

// Health checks Vault reachability
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("vault unavailable: initialized=%v sealed=%v", health.Initialized, health.Sealed)
	}
	return nil
}

func (c *Client) secretPath() string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	path := c.config.SecretPath
	if path == "" {
		path = "position-guardian/broker"
	}
	return fmt.Sprintf("%s/data/%s", mount, path)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
