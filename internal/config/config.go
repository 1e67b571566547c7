package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	"github.com/katasec/dstream-orchestrator/internal/db"
	"github.com/katasec/dstream-orchestrator/internal/publisher"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// Config holds the configuration of the orchestrator host
type Config struct {
	DBDriver           string          `mapstructure:"db_driver"`
	DBConnectionString string          `mapstructure:"db_connection_string"`
	PollInterval       time.Duration   `mapstructure:"poll_interval"`
	MaxPollInterval    time.Duration   `mapstructure:"max_poll_interval"`
	LogLevel           string          `mapstructure:"log_level"`
	LogJSON            bool            `mapstructure:"log_json"`
	TrackingSchema     string          `mapstructure:"tracking_schema"`
	LockConfig         LockConfig      `mapstructure:"lock_config"`
	Publisher          PublisherConfig `mapstructure:"publisher"`
	Metrics            MetricsConfig   `mapstructure:"metrics"`
	Entities           []EntityConfig  `mapstructure:"entities"`
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string `mapstructure:"type"`              // azure_blob, mutex or none
	ConnectionString string `mapstructure:"connection_string"` // Connection string for the lock provider
	ContainerName    string `mapstructure:"container_name"`    // Name of the container used for lock files
}

// PublisherConfig selects the event publisher
type PublisherConfig struct {
	Type             string   `mapstructure:"type"`
	Format           string   `mapstructure:"format"`
	Brokers          []string `mapstructure:"brokers"`
	Topic            string   `mapstructure:"topic"`
	NatsURL          string   `mapstructure:"nats_url"`
	ConnectionString string   `mapstructure:"connection_string"`
	QueueOrTopic     string   `mapstructure:"queue_or_topic"`
	MaxMessageBytes  int64    `mapstructure:"max_message_bytes"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// EntityConfig maps a captured table, and optionally its children, to an entity
type EntityConfig struct {
	Name                 string        `mapstructure:"name"`
	Schema               string        `mapstructure:"schema"`
	Table                string        `mapstructure:"table"`
	CaptureInstance      string        `mapstructure:"capture_instance"`
	KeyColumns           []string      `mapstructure:"key_columns"`
	Columns              []string      `mapstructure:"columns"`
	IsDeletedColumn      string        `mapstructure:"is_deleted_column"`
	ExcludeFromETag      []string      `mapstructure:"exclude_from_etag"`
	MaxQuerySize         int           `mapstructure:"max_query_size"`
	ContinueWithDataLoss bool          `mapstructure:"continue_with_data_loss"`
	CompleteAttempts     int           `mapstructure:"complete_attempts"`
	Event                EventConfig   `mapstructure:"event"`
	Children             []ChildConfig `mapstructure:"children"`
}

type EventConfig struct {
	Subject       string `mapstructure:"subject"`
	SubjectFormat string `mapstructure:"subject_format"`
	ActionFormat  string `mapstructure:"action_format"`
	Source        string `mapstructure:"source"`
	SourceFormat  string `mapstructure:"source_format"`
	DeletePayload string `mapstructure:"delete_payload"`
}

// ChildConfig declares a child table joined to the root key
type ChildConfig struct {
	Schema          string       `mapstructure:"schema"`
	Table           string       `mapstructure:"table"`
	CaptureInstance string       `mapstructure:"capture_instance"`
	JoinColumns     []JoinConfig `mapstructure:"join_columns"`
}

// JoinConfig pairs a child column with the root key column it references
type JoinConfig struct {
	Child string `mapstructure:"child"`
	Root  string `mapstructure:"root"`
}

// Load reads the YAML config file. Values may reference environment variables as ${VAR} and
// top level keys may be overridden with DSTREAM_ prefixed variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DSTREAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.expandEntities()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_driver", db.DriverSQLServer)
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("max_poll_interval", "2m")
	v.SetDefault("log_level", "info")
	v.SetDefault("lock_config.type", "none")
	v.SetDefault("publisher.type", publisher.TypeLog)
	v.SetDefault("publisher.format", publisher.FormatJSON)
}

// expandEntities expands ${VAR} references inside the entity list, which AllKeys does not reach
func (c *Config) expandEntities() {
	for i := range c.Entities {
		e := &c.Entities[i]
		e.Schema = os.ExpandEnv(e.Schema)
		e.Table = os.ExpandEnv(e.Table)
		e.CaptureInstance = os.ExpandEnv(e.CaptureInstance)
		e.Event.Source = os.ExpandEnv(e.Event.Source)
	}
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case db.DriverSQLServer, db.DriverSQLite:
	default:
		return fmt.Errorf("db_driver must be %s or %s, got %q", db.DriverSQLServer, db.DriverSQLite, c.DBDriver)
	}
	if c.DBConnectionString == "" {
		return fmt.Errorf("db_connection_string is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("at least one entity is required")
	}

	seen := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		name := e.Mapping().Name
		if seen[name] {
			return fmt.Errorf("entities[%d]: duplicate entity name %q", i, name)
		}
		seen[name] = true
		if _, err := e.Options(); err != nil {
			return fmt.Errorf("entities[%d]: %w", i, err)
		}
	}
	return nil
}

// PublisherOptions converts the publisher section for the publisher factory
func (c *Config) PublisherOptions() publisher.Config {
	return publisher.Config{
		Type:             c.Publisher.Type,
		Format:           c.Publisher.Format,
		Brokers:          c.Publisher.Brokers,
		Topic:            c.Publisher.Topic,
		NatsURL:          c.Publisher.NatsURL,
		ConnectionString: c.Publisher.ConnectionString,
		QueueOrTopic:     c.Publisher.QueueOrTopic,
		MaxMessageBytes:  c.Publisher.MaxMessageBytes,
	}
}

// Mapping converts the entity to an EntityMapping; the schema defaults to dbo
func (e EntityConfig) Mapping() api.EntityMapping {
	m := api.EntityMapping{
		Name:            e.Name,
		Schema:          e.Schema,
		Table:           e.Table,
		CaptureInstance: e.CaptureInstance,
		KeyColumns:      e.KeyColumns,
		Columns:         e.Columns,
		IsDeletedColumn: e.IsDeletedColumn,
	}
	if m.Schema == "" {
		m.Schema = "dbo"
	}
	if m.Name == "" {
		m.Name = e.Table
	}
	for _, c := range e.Children {
		child := api.ChildMapping{
			Schema:          c.Schema,
			Table:           c.Table,
			CaptureInstance: c.CaptureInstance,
		}
		if child.Schema == "" {
			child.Schema = m.Schema
		}
		// join columns follow root key order
		for _, key := range m.KeyColumns {
			for _, jc := range c.JoinColumns {
				if strings.EqualFold(jc.Root, key) {
					child.JoinColumns = append(child.JoinColumns, api.JoinColumn{Child: jc.Child, Root: key})
				}
			}
		}
		m.Children = append(m.Children, child)
	}
	return m
}

// Options converts the entity to orchestrator options, validating the mapping and format names.
// Key columns may be left to discovery by the store.
func (e EntityConfig) Options() (cdc.Options, error) {
	mapping := e.Mapping()
	if err := mapping.ValidateForDiscovery(); err != nil {
		return cdc.Options{}, err
	}

	var (
		event cdc.EventOptions
		err   error
	)
	event.Subject = e.Event.Subject
	event.Source = e.Event.Source
	if event.SubjectFormat, err = cdc.ParseSubjectFormat(e.Event.SubjectFormat); err != nil {
		return cdc.Options{}, fmt.Errorf("entity %s: %w", mapping.Name, err)
	}
	if event.ActionFormat, err = cdc.ParseActionFormat(e.Event.ActionFormat); err != nil {
		return cdc.Options{}, fmt.Errorf("entity %s: %w", mapping.Name, err)
	}
	if event.SourceFormat, err = cdc.ParseSourceFormat(e.Event.SourceFormat); err != nil {
		return cdc.Options{}, fmt.Errorf("entity %s: %w", mapping.Name, err)
	}
	if event.DeletePayload, err = cdc.ParseDeletePayload(e.Event.DeletePayload); err != nil {
		return cdc.Options{}, fmt.Errorf("entity %s: %w", mapping.Name, err)
	}

	return cdc.Options{
		Mapping:              mapping,
		MaxQuerySize:         e.MaxQuerySize,
		ContinueWithDataLoss: e.ContinueWithDataLoss,
		ExcludeFromETag:      e.ExcludeFromETag,
		Event:                event,
		CompleteAttempts:     e.CompleteAttempts,
	}, nil
}
