package config

import (
	"path/filepath"
	"time"
)

const (
	storeBackendVar = "STORE_BACKEND"
	redisAddrVar    = "REDIS_ADDR"
	redisTTLVar     = "REDIS_TTL"

	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreRedis  = "redis"
)

type Store struct{}

var _ StoreConfig = Store{}

func (Store) GetStoreBackend() string {
	switch b := GetEnv(storeBackendVar, StoreBolt); b {
	case StoreMemory, StoreBolt, StoreRedis:
		return b
	default:
		return StoreBolt
	}
}

func (Store) GetBoltPath() string {
	return filepath.Join(EnvVars{}.GetDataFolder(), "flows.db")
}

func (Store) GetRedisAddr() string {
	return GetEnv(redisAddrVar, "localhost:6379")
}

func (Store) GetRedisTTL() time.Duration {
	return GetDuration(redisTTLVar, 24*time.Hour)
}
