package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investigation-lab/internal/config"
)

func TestPoolConfig(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:            "db.internal",
		Port:            5433,
		User:            "lab",
		Password:        "pw",
		DBName:          "investigations",
		SSLMode:         "disable",
		Schema:          "public",
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}

	pc, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(8), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, 30*time.Minute, pc.MaxConnLifetime)
	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
	assert.Equal(t, "investigations", pc.ConnConfig.Database)
}

func TestPoolConfigIgnoresIdleAboveMax(t *testing.T) {
	pc, err := poolConfig(config.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "u", DBName: "d", SSLMode: "disable", Schema: "public",
		MaxOpenConns: 2, MaxIdleConns: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), pc.MaxConns)
	assert.Equal(t, int32(0), pc.MinConns)
}
