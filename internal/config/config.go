package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "AUDITWIZ"

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN); postgres:// or a SQLite path
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Public base URL, used for filesystem blob download links
	ServerURL string

	// Maximum database connection pool size
	MaxDBConnections int

	// Enable debug logging
	Debug bool

	Log           LogConfig
	Auth          AuthConfig
	Notary        NotaryConfig
	Blob          BlobConfig
	Documents     DocumentsConfig
	Events        EventsConfig
	Observability ObservabilityConfig
	Validation    ValidationConfig
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Environment string // production | development
	Level       string // debug | info | warn | error
}

// AuthConfig holds the HS256 secret shared with the identity provider.
type AuthConfig struct {
	JWTSecret    string
	Issuer       string
	ReauthMaxAge time.Duration
}

// NotaryConfig selects and configures the external notarization backend.
// Backend "none" (the default) makes every anchor a soft-null.
type NotaryConfig struct {
	Backend        string // none | ethereum | rfc3161
	RPCURL         string
	PrivateKey     string
	GasLimit       uint64
	ConfirmTimeout time.Duration
	TSAURL         string
	TSAPolicyOID   string
}

// BlobConfig selects the attachment store.
type BlobConfig struct {
	Backend       string // fs | s3
	Root          string
	BaseURL       string
	SigningSecret string
	Bucket        string
	Region        string
	Endpoint      string
}

// DocumentsConfig bounds uploads.
type DocumentsConfig struct {
	MaxSize   int64
	SignedTTL time.Duration
}

// EventsConfig enables NATS publication of committed audit events.
type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

// ObservabilityConfig holds OpenTelemetry exporter settings.
// An empty OTLPEndpoint disables tracing.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// ValidationConfig tunes content schema validation.
type ValidationConfig struct {
	SchemaCacheSize int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "file:auditwiz.db")
	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("debug", false)

	v.SetDefault("log.environment", "production")
	v.SetDefault("log.level", "info")

	v.SetDefault("auth.issuer", "auditwiz")
	v.SetDefault("auth.reauth_max_age", 5*time.Minute)

	v.SetDefault("notary.backend", "none")
	v.SetDefault("notary.gas_limit", 30000)
	v.SetDefault("notary.confirm_timeout", 2*time.Minute)

	v.SetDefault("blob.backend", "fs")
	v.SetDefault("blob.root", "data/blobs")

	v.SetDefault("documents.max_size", 50*1024*1024)
	v.SetDefault("documents.signed_ttl", 60*time.Second)

	v.SetDefault("events.subject_prefix", "auditwiz.audit")

	v.SetDefault("observability.otlp_protocol", "http/protobuf")
	v.SetDefault("observability.service_name", "auditwiz")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.environment", "development")

	v.SetDefault("validation.schema_cache_size", 128)
}

// Load reads configuration from the global viper instance: defaults, then any
// config file already read into viper, then AUDITWIZ_ environment variables.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load over an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		DatabaseURL:      v.GetString("database_url"),
		ServerAddr:       v.GetString("server_addr"),
		ServerURL:        v.GetString("server_url"),
		MaxDBConnections: v.GetInt("max_db_connections"),
		Debug:            v.GetBool("debug"),
		Log: LogConfig{
			Environment: v.GetString("log.environment"),
			Level:       v.GetString("log.level"),
		},
		Auth: AuthConfig{
			JWTSecret:    v.GetString("auth.jwt_secret"),
			Issuer:       v.GetString("auth.issuer"),
			ReauthMaxAge: v.GetDuration("auth.reauth_max_age"),
		},
		Notary: NotaryConfig{
			Backend:        strings.ToLower(v.GetString("notary.backend")),
			RPCURL:         v.GetString("notary.rpc_url"),
			PrivateKey:     v.GetString("notary.private_key"),
			GasLimit:       v.GetUint64("notary.gas_limit"),
			ConfirmTimeout: v.GetDuration("notary.confirm_timeout"),
			TSAURL:         v.GetString("notary.tsa_url"),
			TSAPolicyOID:   v.GetString("notary.tsa_policy_oid"),
		},
		Blob: BlobConfig{
			Backend:       strings.ToLower(v.GetString("blob.backend")),
			Root:          v.GetString("blob.root"),
			BaseURL:       v.GetString("blob.base_url"),
			SigningSecret: v.GetString("blob.signing_secret"),
			Bucket:        v.GetString("blob.bucket"),
			Region:        v.GetString("blob.region"),
			Endpoint:      v.GetString("blob.endpoint"),
		},
		Documents: DocumentsConfig{
			MaxSize:   v.GetInt64("documents.max_size"),
			SignedTTL: v.GetDuration("documents.signed_ttl"),
		},
		Events: EventsConfig{
			NATSURL:       v.GetString("events.nats_url"),
			SubjectPrefix: v.GetString("events.subject_prefix"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   v.GetString("observability.otlp_endpoint"),
			OTLPProtocol:   v.GetString("observability.otlp_protocol"),
			OTLPInsecure:   v.GetBool("observability.otlp_insecure"),
			ServiceName:    v.GetString("observability.service_name"),
			ServiceVersion: v.GetString("observability.service_version"),
			Environment:    v.GetString("observability.environment"),
		},
		Validation: ValidationConfig{
			SchemaCacheSize: v.GetInt("validation.schema_cache_size"),
		},
	}

	if cfg.Blob.BaseURL == "" {
		cfg.Blob.BaseURL = strings.TrimRight(cfg.ServerURL, "/") + "/blobs"
	}
	if cfg.Blob.SigningSecret == "" {
		cfg.Blob.SigningSecret = cfg.Auth.JWTSecret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}

	switch c.Notary.Backend {
	case "", "none":
	case "ethereum":
		if c.Notary.RPCURL == "" || c.Notary.PrivateKey == "" {
			return fmt.Errorf("notary.rpc_url and notary.private_key are required for the ethereum backend")
		}
	case "rfc3161":
		if c.Notary.TSAURL == "" {
			return fmt.Errorf("notary.tsa_url is required for the rfc3161 backend")
		}
	default:
		return fmt.Errorf("unknown notary backend %q", c.Notary.Backend)
	}

	switch c.Blob.Backend {
	case "fs":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}

	if c.Documents.MaxSize <= 0 {
		return fmt.Errorf("documents.max_size must be positive")
	}
	return nil
}
