package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

const sampleConfig = `
db_driver: sqlserver
db_connection_string: "${TEST_DSTREAM_DSN}"
poll_interval: 2s
max_poll_interval: 1m
lock_config:
  type: mutex
publisher:
  type: kafka
  format: msgpack
  brokers: [localhost:9092]
  topic: cdc.events
entities:
  - name: customer
    table: Customer
    key_columns: [CustomerId]
    is_deleted_column: IsDeleted
    exclude_from_etag: [RowVersion]
    max_query_size: 50
    event:
      action_format: past_tense
      delete_payload: key_only
    children:
      - table: CustomerAddress
        join_columns:
          - child: CustomerId
            root: CustomerId
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DSTREAM_DSN", "sqlserver://sa:pw@localhost:1433?database=app")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlserver://sa:pw@localhost:1433?database=app", cfg.DBConnectionString)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.MaxPollInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "mutex", cfg.LockConfig.Type)

	pub := cfg.PublisherOptions()
	assert.Equal(t, "kafka", pub.Type)
	assert.Equal(t, "msgpack", pub.Format)
	assert.Equal(t, []string{"localhost:9092"}, pub.Brokers)

	require.Len(t, cfg.Entities, 1)
	opts, err := cfg.Entities[0].Options()
	require.NoError(t, err)
	assert.Equal(t, "dbo", opts.Mapping.Schema)
	assert.Equal(t, 50, opts.MaxQuerySize)
	assert.Equal(t, cdc.ActionPastTense, opts.Event.ActionFormat)
	assert.Equal(t, cdc.DeletePayloadKeyOnly, opts.Event.DeletePayload)
	assert.Equal(t, []string{"RowVersion"}, opts.ExcludeFromETag)
	require.Len(t, opts.Mapping.Children, 1)
	assert.Equal(t, "dbo", opts.Mapping.Children[0].Schema)
	assert.Equal(t, []api.JoinColumn{{Child: "CustomerId", Root: "CustomerId"}}, opts.Mapping.Children[0].JoinColumns)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TEST_DSTREAM_DSN", "ignored")
	t.Setenv("DSTREAM_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBDriver:           "sqlite3",
			DBConnectionString: "file:test.db",
			PollInterval:       time.Second,
			Entities: []EntityConfig{
				{Table: "customer", KeyColumns: []string{"id"}},
			},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	// keys are left to discovery
	noKeys := valid()
	noKeys.Entities[0].KeyColumns = nil
	require.NoError(t, noKeys.Validate())
	assert.Equal(t, time.Second, cfg.MaxPollInterval)
	assert.Equal(t, "customer", cfg.Entities[0].Mapping().Name)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.DBDriver = "postgres" }},
		{"connection", func(c *Config) { c.DBConnectionString = "" }},
		{"poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"no entities", func(c *Config) { c.Entities = nil }},
		{"no key with children", func(c *Config) {
			c.Entities[0].KeyColumns = nil
			c.Entities[0].Children = []ChildConfig{{Table: "order"}}
		}},
		{"duplicate", func(c *Config) { c.Entities = append(c.Entities, c.Entities[0]) }},
		{"subject format", func(c *Config) { c.Entities[0].Event.SubjectFormat = "upper" }},
		{"child join", func(c *Config) {
			c.Entities[0].Children = []ChildConfig{{Table: "order", JoinColumns: []JoinConfig{{Child: "cid", Root: "other"}}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
