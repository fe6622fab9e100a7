package config

import (
	"testing"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestFromEnvSet_Defaults(t *testing.T) {
	req := require.New(t)
	cfg, err := FromEnvSet(env.EnvSet{
		"JWT_SECRET":   "secret",
		"STORE_DRIVER": "memory",
	})
	req.NoError(err)
	req.Equal(8081, cfg.APIPort)
	req.Equal(300*time.Millisecond, cfg.OpTimeout)
	req.Equal(5*time.Second, cfg.TypingTTL)
	req.Equal(5*time.Second, cfg.GatewayCommandTimeout)
	req.Equal(int32(10), cfg.DBMaxConns)
	req.Equal([]string{"localhost:19092"}, cfg.Brokers())
}

func TestFromEnvSet_RequiresSecretAndDatabase(t *testing.T) {
	req := require.New(t)
	_, err := FromEnvSet(env.EnvSet{})
	req.ErrorContains(err, "JWT_SECRET is required")
	req.ErrorContains(err, "DB_URL is required")
}

func TestFromEnvSet_RejectsUnknownDrivers(t *testing.T) {
	_, err := FromEnvSet(env.EnvSet{
		"JWT_SECRET":        "secret",
		"STORE_DRIVER":      "memory",
		"BUS_DRIVER":        "nats",
		"ADMISSION_BACKEND": "memcached",
	})
	require.ErrorContains(t, err, `unknown BUS_DRIVER "nats"`)
	require.ErrorContains(t, err, `unknown ADMISSION_BACKEND "memcached"`)
}

func TestFromEnvSet_GatewayCommandTimeout(t *testing.T) {
	req := require.New(t)
	base := env.EnvSet{"JWT_SECRET": "secret", "STORE_DRIVER": "memory"}

	base["GATEWAY_COMMAND_TIMEOUT"] = "750ms"
	cfg, err := FromEnvSet(base)
	req.NoError(err)
	req.Equal(750*time.Millisecond, cfg.GatewayCommandTimeout)

	base["GATEWAY_COMMAND_TIMEOUT"] = "0s"
	_, err = FromEnvSet(base)
	req.ErrorContains(err, "GATEWAY_COMMAND_TIMEOUT must be positive")
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, ,b:2 "))
	require.Nil(t, splitList(""))
}
