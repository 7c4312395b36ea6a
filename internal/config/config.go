package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the immutable process configuration, loaded once at startup
type Config struct {
	Source     SourceConfig
	Kafka      KafkaConfig
	Connect    ConnectConfig
	Tables     []string // Source tables to capture, e.g. "public.tweets"
	Routing    RoutingConfig
	Mappings   []MappingConfig
	Batch      BatchConfig
	Checkpoint CheckpointConfig
	Lake       LakeConfig
	DeadLetter DeadLetterConfig
	Lock       LockConfig
	HTTPAddr   string
	LogLevel   string
	LogJSON    bool
}

// SourceConfig holds the credentials of the captured database
type SourceConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
}

// KafkaConfig holds the change log connection settings
type KafkaConfig struct {
	BootstrapServers string
	GroupID          string
	TopicPrefix      string
}

// ConnectConfig controls registration of the capture connector
type ConnectConfig struct {
	URL             string
	ConnectorName   string
	SlotName        string
	PublicationName string
	Skip            bool
	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	ExtraProperties map[string]string
}

// RoutingConfig controls how the source table is derived from a topic name
type RoutingConfig struct {
	TopicPattern string
}

// MappingConfig maps one source table to its lake location
type MappingConfig struct {
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	Path        string `yaml:"path"`
	PartitionBy string `yaml:"partition_by"`
}

// BatchConfig bounds micro-batches
type BatchConfig struct {
	MaxRecords    int
	MaxWindow     time.Duration
	TargetBytes   int64
	MinRecords    int
	SizeMargin    float64
	PollTimeout   time.Duration
	CommitTimeout time.Duration
}

// CheckpointConfig selects the checkpoint backend
type CheckpointConfig struct {
	Backend string // postgres, sqlserver, file, memory
	DSN     string
	Table   string
	Dir     string
}

// LakeConfig selects the object store and file format
type LakeConfig struct {
	Backend     string // minio, azure_blob, local
	Format      string // parquet, jsonl
	Compression string
	Bucket      string
	Root        string
	MinIO       MinIOConfig
	Azure       AzureConfig
}

// MinIOConfig holds S3-compatible credentials
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// AzureConfig holds Azure storage credentials
type AzureConfig struct {
	ConnectionString string
	Container        string
}

// DeadLetterConfig selects where undecodable records go
type DeadLetterConfig struct {
	Backend          string // kafka, servicebus, log
	Topic            string
	ConnectionString string
	Queue            string
}

// LockConfig holds configuration for partition ownership
type LockConfig struct {
	Backend          string // local, azure_blob
	ConnectionString string
	ContainerName    string
}

// ErrMissing is returned when a required variable is absent.
var ErrMissing = errors.New("missing required configuration")

const defaultTopicPattern = `^[^.]+\.(?P<schema>[^.]+)\.(?P<table>[^.]+)$`

// Load reads an optional .env file and the environment, and validates the result.
func Load() (*Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return build(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("KAFKA_GROUP_ID", "dstream-lake")
	v.SetDefault("TOPIC_PREFIX", "cdc")
	v.SetDefault("CONNECT_URL", "http://localhost:8083")
	v.SetDefault("CONNECTOR_NAME", "dstream-lake-source")
	v.SetDefault("CONNECTOR_SLOT_NAME", "dstream_lake")
	v.SetDefault("CONNECTOR_PUBLICATION_NAME", "dstream_lake_publication")
	v.SetDefault("CONNECT_READY_TIMEOUT", "2m")
	v.SetDefault("CONNECT_POLL_INTERVAL", "2s")
	v.SetDefault("ROUTING_TOPIC_PATTERN", defaultTopicPattern)
	v.SetDefault("BATCH_MAX_RECORDS", 1000)
	v.SetDefault("BATCH_MAX_WINDOW", "5s")
	v.SetDefault("BATCH_TARGET_BYTES", 64*1024*1024)
	v.SetDefault("BATCH_MIN_RECORDS", 50)
	v.SetDefault("BATCH_SIZE_MARGIN", 0.2)
	v.SetDefault("POLL_TIMEOUT", "500ms")
	v.SetDefault("COMMIT_TIMEOUT", "2m")
	v.SetDefault("CHECKPOINT_BACKEND", "postgres")
	v.SetDefault("CHECKPOINT_TABLE", "cdc_lake_checkpoints")
	v.SetDefault("CHECKPOINT_DIR", "checkpoints")
	v.SetDefault("LAKE_BACKEND", "minio")
	v.SetDefault("LAKE_FORMAT", "parquet")
	v.SetDefault("LAKE_COMPRESSION", "snappy")
	v.SetDefault("DEADLETTER_BACKEND", "kafka")
	v.SetDefault("DEADLETTER_TOPIC", "cdc.deadletter")
	v.SetDefault("LOCK_BACKEND", "local")
	v.SetDefault("LOCK_CONTAINER", "cdc-lake-locks")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
}

func build(v *viper.Viper) (*Config, error) {
	var missing []string
	required := func(key string) string {
		val := strings.TrimSpace(v.GetString(key))
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	cfg := &Config{
		Source: SourceConfig{
			Host:     required("DB_HOST"),
			Port:     required("DB_PORT"),
			Name:     required("DB_NAME"),
			User:     required("DB_USER"),
			Password: required("DB_PASSWORD"),
		},
		Kafka: KafkaConfig{
			BootstrapServers: required("KAFKA_BOOTSTRAP_SERVERS"),
			GroupID:          v.GetString("KAFKA_GROUP_ID"),
			TopicPrefix:      v.GetString("TOPIC_PREFIX"),
		},
		Connect: ConnectConfig{
			URL:             strings.TrimRight(v.GetString("CONNECT_URL"), "/"),
			ConnectorName:   v.GetString("CONNECTOR_NAME"),
			SlotName:        v.GetString("CONNECTOR_SLOT_NAME"),
			PublicationName: v.GetString("CONNECTOR_PUBLICATION_NAME"),
			Skip:            v.GetBool("SKIP_CONNECTOR_REGISTRATION"),
			ReadyTimeout:    v.GetDuration("CONNECT_READY_TIMEOUT"),
			PollInterval:    v.GetDuration("CONNECT_POLL_INTERVAL"),
			ExtraProperties: parseProperties(v.GetString("CONNECTOR_EXTRA_PROPERTIES")),
		},
		Tables:  splitList(required("CDC_TABLES")),
		Routing: RoutingConfig{TopicPattern: v.GetString("ROUTING_TOPIC_PATTERN")},
		Batch: BatchConfig{
			MaxRecords:    v.GetInt("BATCH_MAX_RECORDS"),
			MaxWindow:     v.GetDuration("BATCH_MAX_WINDOW"),
			TargetBytes:   v.GetInt64("BATCH_TARGET_BYTES"),
			MinRecords:    v.GetInt("BATCH_MIN_RECORDS"),
			SizeMargin:    v.GetFloat64("BATCH_SIZE_MARGIN"),
			PollTimeout:   v.GetDuration("POLL_TIMEOUT"),
			CommitTimeout: v.GetDuration("COMMIT_TIMEOUT"),
		},
		Checkpoint: CheckpointConfig{
			Backend: v.GetString("CHECKPOINT_BACKEND"),
			Table:   v.GetString("CHECKPOINT_TABLE"),
			Dir:     v.GetString("CHECKPOINT_DIR"),
		},
		Lake: LakeConfig{
			Backend:     v.GetString("LAKE_BACKEND"),
			Format:      v.GetString("LAKE_FORMAT"),
			Compression: v.GetString("LAKE_COMPRESSION"),
		},
		DeadLetter: DeadLetterConfig{Backend: v.GetString("DEADLETTER_BACKEND")},
		Lock:       LockConfig{Backend: v.GetString("LOCK_BACKEND")},
		HTTPAddr:   v.GetString("HTTP_ADDR"),
		LogLevel:   v.GetString("LOG_LEVEL"),
		LogJSON:    strings.EqualFold(v.GetString("LOG_FORMAT"), "json"),
	}

	switch cfg.Checkpoint.Backend {
	case "postgres", "sqlserver":
		cfg.Checkpoint.DSN = required("CHECKPOINT_DSN")
	case "file", "memory":
	default:
		return nil, fmt.Errorf("unsupported CHECKPOINT_BACKEND: %s", cfg.Checkpoint.Backend)
	}

	switch cfg.Lake.Backend {
	case "minio":
		cfg.Lake.Bucket = required("LAKE_BUCKET")
		cfg.Lake.MinIO = MinIOConfig{
			Endpoint:  required("MINIO_ENDPOINT"),
			AccessKey: required("MINIO_ACCESS_KEY"),
			SecretKey: required("MINIO_SECRET_KEY"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		}
	case "azure_blob":
		cfg.Lake.Azure = AzureConfig{
			ConnectionString: required("AZURE_STORAGE_CONNECTION_STRING"),
			Container:        required("LAKE_CONTAINER"),
		}
	case "local":
		cfg.Lake.Root = required("LAKE_ROOT")
	default:
		return nil, fmt.Errorf("unsupported LAKE_BACKEND: %s", cfg.Lake.Backend)
	}

	switch cfg.DeadLetter.Backend {
	case "kafka":
		cfg.DeadLetter.Topic = v.GetString("DEADLETTER_TOPIC")
	case "servicebus":
		cfg.DeadLetter.ConnectionString = required("DEADLETTER_SERVICEBUS_CONNECTION_STRING")
		cfg.DeadLetter.Queue = required("DEADLETTER_QUEUE")
	case "log":
	default:
		return nil, fmt.Errorf("unsupported DEADLETTER_BACKEND: %s", cfg.DeadLetter.Backend)
	}

	switch cfg.Lock.Backend {
	case "local":
	case "azure_blob":
		cfg.Lock.ConnectionString = required("LOCK_CONNECTION_STRING")
		cfg.Lock.ContainerName = v.GetString("LOCK_CONTAINER")
	default:
		return nil, fmt.Errorf("unsupported LOCK_BACKEND: %s", cfg.Lock.Backend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	if cfg.Batch.MaxRecords <= 0 {
		return nil, fmt.Errorf("BATCH_MAX_RECORDS must be positive, got %d", cfg.Batch.MaxRecords)
	}
	if cfg.Batch.MaxWindow <= 0 {
		return nil, fmt.Errorf("BATCH_MAX_WINDOW must be positive, got %s", cfg.Batch.MaxWindow)
	}
	if cfg.Batch.MinRecords <= 0 {
		return nil, fmt.Errorf("BATCH_MIN_RECORDS must be positive, got %d", cfg.Batch.MinRecords)
	}
	if cfg.Batch.SizeMargin < 0 {
		return nil, fmt.Errorf("BATCH_SIZE_MARGIN must not be negative, got %g", cfg.Batch.SizeMargin)
	}

	mappings, err := loadMappings(v.GetString("TABLE_MAPPINGS_FILE"), cfg.Tables)
	if err != nil {
		return nil, err
	}
	cfg.Mappings = mappings

	return cfg, nil
}

// Topics returns the change log topic of every captured table.
func (c *Config) Topics() []string {
	topics := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		topics = append(topics, c.Kafka.TopicPrefix+"."+t)
	}
	return topics
}

type mappingFile struct {
	Tables []MappingConfig `yaml:"tables"`
}

// loadMappings reads the optional mapping file and adds a default entry for every
// captured table the file does not mention.
func loadMappings(path string, tables []string) ([]MappingConfig, error) {
	var mappings []MappingConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read table mappings: %w", err)
		}
		var f mappingFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse table mappings %s: %w", path, err)
		}
		mappings = f.Tables
	}

	seen := make(map[string]bool, len(mappings))
	for i, m := range mappings {
		if m.Source == "" {
			return nil, fmt.Errorf("table mapping %d has no source", i)
		}
		seen[m.Source] = true
	}
	for _, t := range tables {
		if !seen[t] {
			mappings = append(mappings, MappingConfig{Source: t})
		}
	}
	return mappings, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseProperties parses "k1=v1;k2=v2" into a map.
func parseProperties(s string) map[string]string {
	props := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			props[k] = strings.TrimSpace(val)
		}
	}
	return props
}
