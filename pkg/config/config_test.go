package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
postgres:
  url: postgres://u:p@localhost:5432/db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, TransportKafka, cfg.Transport.Kind)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Transport.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Relay.Interval)
	assert.Equal(t, 10, cfg.Relay.BatchSize)
	assert.Equal(t, "USD", cfg.Saga.Currency)
	assert.Equal(t, "order_events", cfg.Saga.Destination)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("RELAY_BATCH_SIZE", "25")
	t.Setenv("TRANSPORT_KIND", TransportRabbitMQ)

	path := writeConfig(t, `
postgres:
  url: postgres://u:p@localhost:5432/db
relay:
  batch_size: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Relay.BatchSize)
	assert.Equal(t, TransportRabbitMQ, cfg.Transport.Kind)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Postgres: PG{URL: "postgres://localhost/db"},
			Transport: Transport{
				Kind:  TransportKafka,
				Kafka: Kafka{Brokers: []string{"localhost:9092"}},
			},
			Relay: Relay{Interval: time.Second, BatchSize: 10},
			Saga:  Saga{Currency: "EUR"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no postgres url", mutate: func(c *Config) { c.Postgres.URL = "" }, wantErr: "postgres url"},
		{name: "no brokers", mutate: func(c *Config) { c.Transport.Kafka.Brokers = nil }, wantErr: "broker"},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "sqs" }, wantErr: "unknown transport"},
		{
			name: "rabbitmq without url",
			mutate: func(c *Config) {
				c.Transport.Kind = TransportRabbitMQ
				c.Transport.RabbitMQ.URL = ""
			},
			wantErr: "rabbitmq",
		},
		{name: "zero batch", mutate: func(c *Config) { c.Relay.BatchSize = 0 }, wantErr: "batch size"},
		{name: "zero interval", mutate: func(c *Config) { c.Relay.Interval = 0 }, wantErr: "interval"},
		{name: "bad currency", mutate: func(c *Config) { c.Saga.Currency = "DOLLARS" }, wantErr: "currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "warn", Env: "prod"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	require.Error(t, err)
}
