package config

import "time"

type Config interface {
	EnvConfig
	CorsConfig
	FlowConfig
	ProxyConfig
	StoreConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetDataFolder() string
	GetEnv() string
	GetLogLevel() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

// FlowConfig tunes the browser-side engine.
type FlowConfig interface {
	GetDebounceWindow() time.Duration
	GetRefreshSkew() time.Duration
	GetVerifierLength() int
}

// ProxyConfig covers both ends of the token exchange proxy.
type ProxyConfig interface {
	GetProxyURL() string
	GetProxyTimeout() time.Duration
	GetVaultKey() string
	GetClientsFile() string
}

type StoreConfig interface {
	GetStoreBackend() string
	GetBoltPath() string
	GetRedisAddr() string
	GetRedisTTL() time.Duration
}

type mainConfig struct {
	EnvVars
	Cors
	Flow
	Proxy
	Store
}

func New() Config {
	return mainConfig{}
}
