// Package config loads transfer profiles: a YAML file describing both ends of a transfer,
// overridden by environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Providers.
const (
	ProviderS3    = "s3"
	ProviderMinio = "minio"
	ProviderAzure = "azure"
	ProviderHTTP  = "http"
)

// DefaultURLExpiry is the lifetime of presigned and SAS URLs.
const DefaultURLExpiry = time.Hour

// Environment variables.
const (
	AWSAccessKeyIDEnv         = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessKeyEnv     = "AWS_SECRET_ACCESS_KEY"
	AWSBucketEnv              = "AWS_STORAGE_BUCKET_NAME"
	AWSRegionEnv              = "AWS_REGION"
	AzureAccountNameEnv       = "AZURE_STORAGE_ACCOUNT_NAME"
	AzureAccessKeyEnv         = "AZURE_STORAGE_ACCESS_KEY"
	AzureConnectionStringEnv  = "AZURE_STORAGE_CONNECTION_STRING"
	ChunkSizeEnv              = "OBJRELAY_CHUNK_SIZE"
	MaxInFlightEnv            = "OBJRELAY_MAX_IN_FLIGHT"
	ConcurrencyEnv            = "OBJRELAY_CONCURRENCY"
	BandwidthLimitEnv         = "OBJRELAY_BANDWIDTH_LIMIT"
	VerboseEnv                = "OBJRELAY_VERBOSE"
	deleteSourceEnv           = "OBJRELAY_DELETE_SOURCE"
	destinationOverwriteEnv   = "OBJRELAY_OVERWRITE"
)

// Secret is a credential. It prints as asterisks.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Size is a byte count written as "8MiB", "512KB" or a plain number.
type Size int64

// UnmarshalYAML ...
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = size
	return nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// ParseSize parses a human readable byte count. Units are binary: 1KB is 1024 bytes.
func ParseSize(value string) (Size, error) {
	if value == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	return Size(size), nil
}

// Duration is a time.Duration written as "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML ...
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Endpoint is one end of a transfer.
type Endpoint struct {
	Provider string `yaml:"provider"`
	// Bucket is the S3 or MinIO bucket, or the Azure container.
	Bucket string `yaml:"bucket"`
	Key    string `yaml:"key"`
	// URL is the object URL of the http provider.
	URL string `yaml:"url"`

	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Insecure     bool   `yaml:"insecure"`

	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  Secret `yaml:"secret_access_key"`
	AccountName      string `yaml:"account_name"`
	AccountKey       Secret `yaml:"account_key"`
	ConnectionString Secret `yaml:"connection_string"`

	// Presign streams an S3 or Azure source through a presigned or SAS URL.
	Presign   bool     `yaml:"presign"`
	URLExpiry Duration `yaml:"url_expiry"`
	// Public marks S3 destinations public-read and reads S3 sources through their public URL.
	Public bool `yaml:"public"`
}

// Tuning overrides the relay defaults. Zero values keep the default.
type Tuning struct {
	ChunkSize         Size     `yaml:"chunk_size"`
	MaxInFlightBytes  Size     `yaml:"max_in_flight"`
	UploadConcurrency int      `yaml:"concurrency"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
	HungThreshold     Duration `yaml:"hung_threshold"`
	BandwidthLimit    Size     `yaml:"bandwidth_limit"`
}

// Config is a transfer profile.
type Config struct {
	Source      Endpoint `yaml:"source"`
	Destination Endpoint `yaml:"destination"`

	// Overwrite replaces an existing destination object instead of picking a unique name.
	Overwrite    bool `yaml:"overwrite"`
	DeleteSource bool `yaml:"delete_source"`
	Verbose      bool `yaml:"verbose"`

	Transfer Tuning `yaml:"transfer"`
}

// Load reads the profile at path, if any, and applies the environment on top of it.
func Load(path string, envRepo env.Repository) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read profile: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("parse profile %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(envRepo); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML profile. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(envRepo env.Repository) error {
	for _, e := range []*Endpoint{&c.Source, &c.Destination} {
		switch e.Provider {
		case ProviderS3, ProviderMinio:
			setIfEmpty(&e.Bucket, envRepo.Get(AWSBucketEnv))
			setIfEmpty(&e.Region, envRepo.Get(AWSRegionEnv))
			setIfEmpty(&e.AccessKeyID, envRepo.Get(AWSAccessKeyIDEnv))
			setSecretIfEmpty(&e.SecretAccessKey, envRepo.Get(AWSSecretAccessKeyEnv))
		case ProviderAzure:
			setIfEmpty(&e.AccountName, envRepo.Get(AzureAccountNameEnv))
			setSecretIfEmpty(&e.AccountKey, envRepo.Get(AzureAccessKeyEnv))
			setSecretIfEmpty(&e.ConnectionString, envRepo.Get(AzureConnectionStringEnv))
		}
	}

	sizes := map[string]*Size{
		ChunkSizeEnv:      &c.Transfer.ChunkSize,
		MaxInFlightEnv:    &c.Transfer.MaxInFlightBytes,
		BandwidthLimitEnv: &c.Transfer.BandwidthLimit,
	}
	for key, target := range sizes {
		if value := envRepo.Get(key); value != "" {
			size, err := ParseSize(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*target = size
		}
	}

	if value := envRepo.Get(ConcurrencyEnv); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", ConcurrencyEnv, value)
		}
		c.Transfer.UploadConcurrency = n
	}

	flags := map[string]*bool{
		VerboseEnv:              &c.Verbose,
		deleteSourceEnv:         &c.DeleteSource,
		destinationOverwriteEnv: &c.Overwrite,
	}
	for key, target := range flags {
		if value := envRepo.Get(key); value != "" {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: invalid boolean %q", key, value)
			}
			*target = b
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Destination.Key == "" {
		c.Destination.Key = c.Source.Key
	}
	for _, e := range []*Endpoint{&c.Source, &c.Destination} {
		if e.URLExpiry == 0 {
			e.URLExpiry = Duration(DefaultURLExpiry)
		}
	}
}

// Validate checks that both ends are usable and the tuning is consistent.
func (c Config) Validate() error {
	if err := c.Source.validate("source", true); err != nil {
		return err
	}
	if err := c.Destination.validate("destination", false); err != nil {
		return err
	}
	if c.DeleteSource && c.Source.Provider == ProviderHTTP {
		return fmt.Errorf("delete_source is not supported for http sources")
	}
	if err := c.TransferSpec().Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

func (e Endpoint) validate(name string, isSource bool) error {
	switch e.Provider {
	case ProviderS3, ProviderMinio:
		if e.Bucket == "" {
			return fmt.Errorf("%s: bucket is required (or set %s)", name, AWSBucketEnv)
		}
		if e.Provider == ProviderMinio && e.Endpoint == "" {
			return fmt.Errorf("%s: endpoint is required for minio", name)
		}
	case ProviderAzure:
		if e.Bucket == "" {
			return fmt.Errorf("%s: container (bucket) is required", name)
		}
		if e.ConnectionString == "" && (e.AccountName == "" || e.AccountKey == "") {
			return fmt.Errorf("%s: either a connection string or an account name and key is required (or set %s)", name, AzureConnectionStringEnv)
		}
	case ProviderHTTP:
		if !isSource {
			return fmt.Errorf("%s: http is only supported as a source", name)
		}
		if e.URL == "" {
			return fmt.Errorf("%s: url is required", name)
		}
		return nil
	case "":
		return fmt.Errorf("%s: provider is required", name)
	default:
		return fmt.Errorf("%s: unknown provider %q", name, e.Provider)
	}

	if e.Key == "" {
		return fmt.Errorf("%s: key is required", name)
	}
	if e.Presign && e.Provider == ProviderMinio {
		return fmt.Errorf("%s: presign is not supported for minio", name)
	}
	return nil
}

// TransferSpec converts the profile into relay parameters.
func (c Config) TransferSpec() relay.TransferSpec {
	spec := relay.DefaultTransferSpec(c.Source.Location(), c.Destination.Key)

	t := c.Transfer
	if t.ChunkSize > 0 {
		spec.ChunkSize = int64(t.ChunkSize)
		if t.MaxInFlightBytes == 0 && spec.MaxInFlightBytes < spec.ChunkSize {
			spec.MaxInFlightBytes = 4 * spec.ChunkSize
		}
	}
	if t.MaxInFlightBytes > 0 {
		spec.MaxInFlightBytes = int64(t.MaxInFlightBytes)
	}
	if t.UploadConcurrency > 0 {
		spec.UploadConcurrency = t.UploadConcurrency
	}
	if t.MaxAttempts > 0 {
		spec.MaxAttempts = t.MaxAttempts
	}
	if t.BackoffBase > 0 {
		spec.BackoffBase = time.Duration(t.BackoffBase)
	}
	if t.BackoffCap > 0 {
		spec.BackoffCap = time.Duration(t.BackoffCap)
	}
	spec.HungThreshold = time.Duration(t.HungThreshold)
	spec.BandwidthLimit = int64(t.BandwidthLimit)

	// Azure blocks have no lower bound.
	if c.Destination.Provider == ProviderAzure {
		spec.MinChunkSize = 0
	}
	return spec
}

// Location describes the endpoint for logs and reports.
func (e Endpoint) Location() string {
	if e.Provider == ProviderHTTP {
		return e.URL
	}
	return fmt.Sprintf("%s://%s/%s", e.Provider, e.Bucket, e.Key)
}

// Print logs the profile. Credentials are redacted.
func (c Config) Print(logger log.Logger) {
	logger.Println()
	logger.Infof("Transfer profile:")
	for _, end := range []struct {
		name string
		e    Endpoint
	}{{"source", c.Source}, {"destination", c.Destination}} {
		e := end.e
		logger.Printf("- %s: %s", end.name, e.Location())
		if e.Region != "" {
			logger.Printf("  region: %s", e.Region)
		}
		if e.Endpoint != "" {
			logger.Printf("  endpoint: %s", e.Endpoint)
		}
		if e.AccessKeyID != "" {
			logger.Printf("  access_key_id: %s, secret_access_key: %s", e.AccessKeyID, e.SecretAccessKey)
		}
		if e.AccountName != "" {
			logger.Printf("  account_name: %s, account_key: %s", e.AccountName, e.AccountKey)
		}
		if e.ConnectionString != "" {
			logger.Printf("  connection_string: %s", e.ConnectionString)
		}
	}

	spec := c.TransferSpec()
	logger.Printf("- chunk size: %s, max in flight: %s, concurrency: %d",
		units.BytesSize(float64(spec.ChunkSize)), units.BytesSize(float64(spec.MaxInFlightBytes)), spec.UploadConcurrency)
	logger.Printf("- overwrite: %v, delete source: %v", c.Overwrite, c.DeleteSource)
}

func setIfEmpty(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func setSecretIfEmpty(target *Secret, value string) {
	if *target == "" {
		*target = Secret(value)
	}
}
