package config

import (
	"path/filepath"
	"time"
)

const (
	proxyURLVar     = "PROXY_URL"
	proxyTimeoutVar = "PROXY_TIMEOUT"
	vaultKeyVar     = "VAULT_KEY"
	clientsFileVar  = "CLIENTS_FILE"

	DefaultProxyTimeout = 20 * time.Second
	MinProxyTimeout     = 10 * time.Second
	MaxProxyTimeout     = 30 * time.Second
)

type Proxy struct{}

var _ ProxyConfig = Proxy{}

func (Proxy) GetProxyURL() string {
	return GetEnv(proxyURLVar, "http://localhost:8080")
}

func (Proxy) GetProxyTimeout() time.Duration {
	return clamp(GetDuration(proxyTimeoutVar, DefaultProxyTimeout), MinProxyTimeout, MaxProxyTimeout)
}

// GetVaultKey is the passphrase sealing client secrets at rest.
func (Proxy) GetVaultKey() string {
	return GetEnv(vaultKeyVar, "")
}

func (Proxy) GetClientsFile() string {
	return GetEnv(clientsFileVar, filepath.Join(EnvVars{}.GetDataFolder(), "clients.json"))
}
