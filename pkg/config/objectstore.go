package config

import "time"

// ObjectStoreConfig holds object store settings for spilled ledger payloads
// and conversation attachments.
type ObjectStoreConfig struct {
	// Provider selects the implementation. Memory keeps objects in-process.
	Provider ObjectStoreProvider `yaml:"provider"`

	// Bucket is the bucket or container name.
	Bucket string `yaml:"bucket,omitempty"`

	// Region for AWS-style providers.
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the provider endpoint (MinIO, S3-compatible gateways).
	Endpoint string `yaml:"endpoint,omitempty"`

	// ForcePathStyle switches to path-style addressing, required by MinIO.
	ForcePathStyle bool `yaml:"force_path_style,omitempty"`

	// AccessKeyID and SecretAccessKey set static credentials (MinIO, CI).
	// When empty the ambient AWS credential chain is used.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// KeyPrefix is prepended to every object key.
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// PresignTTL is the lifetime of presigned download URLs.
	PresignTTL time.Duration `yaml:"presign_ttl,omitempty"`
}

// DefaultObjectStoreConfig returns the built-in object store defaults.
// Memory is the default so local development needs no external bucket.
func DefaultObjectStoreConfig() *ObjectStoreConfig {
	return &ObjectStoreConfig{
		Provider:   ObjectStoreMemory,
		KeyPrefix:  "arion",
		PresignTTL: 15 * time.Minute,
	}
}
