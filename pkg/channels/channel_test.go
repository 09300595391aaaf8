package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

func TestMapModel(t *testing.T) {
	ch := &Channel{
		ModelMapping: map[string]string{
			"gpt-4o": "claude-3-5-sonnet-20241022",
			"noop":   "",
		},
	}

	assert.Equal(t, "claude-3-5-sonnet-20241022", ch.MapModel("gpt-4o"))
	assert.Equal(t, "unmapped", ch.MapModel("unmapped"))
	// Empty substitutions are ignored.
	assert.Equal(t, "noop", ch.MapModel("noop"))

	// Mapping an already-mapped name is a no-op, so applying it twice
	// by accident cannot corrupt the model.
	once := ch.MapModel("gpt-4o")
	assert.Equal(t, once, ch.MapModel(once))
}

func TestProxyConfigURL(t *testing.T) {
	tests := []struct {
		name    string
		proxy   ProxyConfig
		want    string
		wantErr bool
	}{
		{
			name:  "plain http",
			proxy: ProxyConfig{Type: "http", Host: "proxy.local", Port: 8080},
			want:  "http://proxy.local:8080",
		},
		{
			name:  "socks5 with credentials",
			proxy: ProxyConfig{Type: "socks5", Host: "proxy.local", Port: 1080, Username: "u", Password: "p"},
			want:  "socks5://u:p@proxy.local:1080",
		},
		{
			name:  "username only",
			proxy: ProxyConfig{Type: "https", Host: "proxy.local", Port: 443, Username: "u"},
			want:  "https://u@proxy.local:443",
		},
		{
			name:    "unsupported type",
			proxy:   ProxyConfig{Type: "ftp", Host: "proxy.local", Port: 21},
			wantErr: true,
		},
		{
			name:    "missing host",
			proxy:   ProxyConfig{Type: "http", Port: 8080},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.proxy.URL()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestChannelValidate(t *testing.T) {
	valid := Channel{
		Name:      "primary",
		Provider:  wire.FamilyAnthropic,
		BaseURL:   "https://api.anthropic.com",
		CustomKey: "sk-custom-1",
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Channel)
	}{
		{"missing name", func(c *Channel) { c.Name = "" }},
		{"unknown provider", func(c *Channel) { c.Provider = "cohere" }},
		{"missing base url", func(c *Channel) { c.BaseURL = "" }},
		{"missing custom key", func(c *Channel) { c.CustomKey = "" }},
		{"bad proxy", func(c *Channel) { c.Proxy = &ProxyConfig{Type: "ftp"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := valid
			tt.mutate(&ch)
			assert.Error(t, ch.Validate())
		})
	}
}
