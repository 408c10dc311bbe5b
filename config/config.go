// Package config loads the storage core's one piece of environment
// configuration: where the database lives.
package config

import (
	"fmt"
	"os"

	"github.com/meredith123124/zksync/pkg/storage"
)

// Load reads DATABASE_URL, falling back to discrete POSTGRES_* variables for
// local development. In the fallback, POSTGRES_PASSWORD has no default and
// must be set.
func Load() (storage.PoolConfig, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return storage.PoolConfig{DatabaseURL: url}, nil
	}

	host := getenvDefault("POSTGRES_HOST", "localhost")
	port := getenvDefault("POSTGRES_PORT", "5432")
	db := getenvDefault("POSTGRES_DB", "plasma")
	user := getenvDefault("POSTGRES_USER", "plasma")
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		return storage.PoolConfig{}, fmt.Errorf("config: DATABASE_URL or POSTGRES_PASSWORD must be set")
	}

	url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, db)
	return storage.PoolConfig{DatabaseURL: url}, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
