package config

// Config holds sitelink configuration.
// Loaded from config.yaml with SITELINK_ environment overrides.
type Config struct {
	Server    ServerCfg    `mapstructure:"server" yaml:"server"`
	Storage   StorageCfg   `mapstructure:"storage" yaml:"storage"`
	Queue     QueueCfg     `mapstructure:"queue" yaml:"queue"`
	Detection DetectionCfg `mapstructure:"detection" yaml:"detection"`
	Uploads   UploadsCfg   `mapstructure:"uploads" yaml:"uploads"`
}

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// StorageCfg configures the object store backing tiles and pages.
type StorageCfg struct {
	// Backend is "fs" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Root is the filesystem store root (fs backend only). Empty means
	// {home}/objects.
	Root string `mapstructure:"root" yaml:"root"`
}

// QueueCfg configures the tile job queue.
type QueueCfg struct {
	// Workers bounds concurrent tile jobs.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// Capacity bounds buffered jobs.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// MaxAttempts is the delivery ceiling before a job is dead-lettered.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// DetectionCfg configures the callout classifier.
type DetectionCfg struct {
	// Provider is "openai" or "mock".
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Model is the vision model name.
	Model string `mapstructure:"model" yaml:"model"`
	// APIKey supports ${ENV_VAR} syntax.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// RateLimit is requests per minute against the provider.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`
	// MaxRetries is attempts per classifier call.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// ResolveAPIKey expands ${ENV_VAR} syntax in the configured API key.
func (c DetectionCfg) ResolveAPIKey() string {
	return ResolveEnvVars(c.APIKey)
}

// UploadsCfg configures upload coordination.
type UploadsCfg struct {
	// TimeoutMinutes is the default tiling deadline per upload.
	TimeoutMinutes int `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
	// EvictMinutes is how long finished uploads stay queryable.
	EvictMinutes int `mapstructure:"evict_minutes" yaml:"evict_minutes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Storage: StorageCfg{
			Backend: "fs",
		},
		Queue: QueueCfg{
			Workers:     2,
			Capacity:    1024,
			MaxAttempts: 3,
		},
		Detection: DetectionCfg{
			Provider:   "openai",
			Model:      "gpt-4o",
			APIKey:     "${OPENAI_API_KEY}",
			RateLimit:  60,
			MaxRetries: 5,
		},
		Uploads: UploadsCfg{
			TimeoutMinutes: 30,
			EvictMinutes:   15,
		},
	}
}
