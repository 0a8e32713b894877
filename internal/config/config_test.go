package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "production") // skip .env discovery
	t.Setenv("AUTH_SERVICE_URL", "http://auth:8081")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/livechat")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://chat.example.com")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, RelayMemory, cfg.Relay.Backend)
	assert.Equal(t, 20, cfg.Paging.Default)
	assert.Equal(t, 100, cfg.Paging.Max)
	assert.Equal(t, 60*time.Second, cfg.WSPongWait())
	assert.Equal(t, "livechat.events", cfg.AMQP.Exchange)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
read_timeout: 5
database:
  url: postgres://yaml
ws:
  max_connections: 50
  send_buffer: 32
paging:
  default: 10
  max: 40
relay:
  backend: nats
  nats_url: nats://localhost:4222
`), 0o600))
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_SERVICE_URL", "http://auth")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("MAX_PAGE_SIZE", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ServerAddr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "postgres://yaml", cfg.Database.URL)
	assert.Equal(t, 50, cfg.WS.MaxConnections)
	assert.Equal(t, 10, cfg.Paging.Default)
	assert.Equal(t, 60, cfg.Paging.Max)
	assert.Equal(t, RelayNATS, cfg.Relay.Backend)
}

func TestPushAndInternalKeysFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_SERVICE_URL", "http://auth")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/livechat")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("PUSH_SERVICE_URL", "http://push:8085")
	t.Setenv("VAPID_PUBLIC_KEY", " BPub ")
	t.Setenv("INTERNAL_SECRET", "0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "BPub", cfg.VAPIDPublicKey)
	assert.Equal(t, "0123456789abcdef", cfg.InternalSecret)

	t.Setenv("INTERNAL_SECRET", "short")
	_, err = Load()
	assert.ErrorContains(t, err, "INTERNAL_SECRET")

	t.Setenv("INTERNAL_SECRET", "")
	t.Setenv("VAPID_PUBLIC_KEY", "")
	_, err = Load()
	assert.ErrorContains(t, err, "VAPID_PUBLIC_KEY")
}

func TestValidate(t *testing.T) {
	t.Setenv("APP_ENV", "")
	base := func() *Config {
		fc := defaults()
		return fromEnv(fc)
	}

	c := base()
	c.Relay.Backend = "kafka"
	assert.ErrorContains(t, c.Validate(), "unknown relay backend")

	c = base()
	c.Relay.Backend = RelayRedis
	c.Relay.RedisURL = ""
	assert.ErrorContains(t, c.Validate(), "REDIS_URL")

	c = base()
	c.Paging.Default, c.Paging.Max = 50, 10
	assert.ErrorContains(t, c.Validate(), "page sizes")

	assert.NoError(t, base().Validate())
}

func TestLoadEnvFromKeepsExisting(t *testing.T) {
	t.Setenv("LIVECHAT_TEST_KEEP", "set")
	os.Unsetenv("LIVECHAT_TEST_NEW")
	t.Cleanup(func() { os.Unsetenv("LIVECHAT_TEST_NEW") })

	loadEnvFrom(strings.NewReader("# comment\nLIVECHAT_TEST_KEEP=other\nLIVECHAT_TEST_NEW=\"quoted value\"\nbroken line\n"))
	assert.Equal(t, "set", os.Getenv("LIVECHAT_TEST_KEEP"))
	assert.Equal(t, "quoted value", os.Getenv("LIVECHAT_TEST_NEW"))
}
