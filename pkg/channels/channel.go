// Package channels persists and resolves upstream channel records: the
// mapping from a client-facing custom key to an upstream provider, base
// URL, encrypted credential, model remapping and retry policy.
package channels

import (
	"fmt"
	"net/url"
	"time"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

// ProxyConfig is an optional outbound proxy for a channel.
type ProxyConfig struct {
	Type     string `json:"type"` // http, https or socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL renders the proxy address. Empty username/password mean no proxy
// auth at all, not empty-string credentials.
func (p *ProxyConfig) URL() (*url.URL, error) {
	if p.Type != "http" && p.Type != "https" && p.Type != "socks5" {
		return nil, fmt.Errorf("unsupported proxy type: %s", p.Type)
	}
	if p.Host == "" || p.Port <= 0 {
		return nil, fmt.Errorf("proxy host and port are required")
	}
	u := &url.URL{
		Scheme: p.Type,
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u, nil
}

// Channel is one configured upstream target. APIKey holds the encrypted
// form everywhere except in the copy the resolver hands to the
// dispatcher.
type Channel struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Provider     wire.Family       `json:"provider"`
	BaseURL      string            `json:"base_url"`
	APIKey       string            `json:"api_key"`
	CustomKey    string            `json:"custom_key"`
	Timeout      int               `json:"timeout"`
	MaxRetries   int               `json:"max_retries"`
	Enabled      bool              `json:"enabled"`
	Proxy        *ProxyConfig      `json:"proxy,omitempty"`
	ModelMapping map[string]string `json:"model_mapping,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// MapModel applies the channel's model remapping. The router applies it
// exactly once per request.
func (c *Channel) MapModel(model string) string {
	if sub, ok := c.ModelMapping[model]; ok && sub != "" {
		return sub
	}
	return model
}

// wireFamily parses a stored provider string, tolerating unknown values
// from newer schema versions.
func wireFamily(s string) wire.Family {
	if f, ok := wire.ParseFamily(s); ok {
		return f
	}
	return wire.Family(s)
}

func (c *Channel) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if _, ok := wire.ParseFamily(string(c.Provider)); !ok {
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.CustomKey == "" {
		return fmt.Errorf("custom_key is required")
	}
	if c.Proxy != nil {
		if _, err := c.Proxy.URL(); err != nil {
			return err
		}
	}
	return nil
}
