package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RB_"

type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Lock       LockConfig       `koanf:"lock"`
	Jobs       JobsConfig       `koanf:"jobs"`
	Upload     UploadConfig     `koanf:"upload"`
	Packager   PackagerConfig   `koanf:"packager"`
	Fetcher    FetcherConfig    `koanf:"fetcher"`
	Feeds      FeedsConfig      `koanf:"feeds"`
	Status     StatusConfig     `koanf:"status"`
	Backends   BackendsConfig   `koanf:"backends"`
	RealDebrid RealDebridConfig `koanf:"realdebrid"`
	Aria2      Aria2Config      `koanf:"aria2"`
	Rclone     RcloneConfig     `koanf:"rclone"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type StoreConfig struct {
	// Driver is redis, postgres or local.
	Driver         string `koanf:"driver"`
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
	LocalPath      string `koanf:"local_path"`
}

type LockConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type JobsConfig struct {
	Retention     time.Duration `koanf:"retention"`
	PruneInterval time.Duration `koanf:"prune_interval"`
	WorkDir       string        `koanf:"work_dir"`
	LeaseTTL      time.Duration `koanf:"lease_ttl"`
}

type UploadConfig struct {
	Auto          bool   `koanf:"auto"`
	DefaultTarget string `koanf:"default_target"`
	MirrorPath    string `koanf:"mirror_path"`
}

type PackagerConfig struct {
	MaxArchiveSize datasize.ByteSize `koanf:"max_archive_size"`
}

type FetcherConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Binary        string        `koanf:"binary"`
	DefaultFormat string        `koanf:"default_format"`
	TimeLimit     time.Duration `koanf:"time_limit"`
}

type FeedsConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

type StatusConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type BackendsConfig struct {
	Timeout         time.Duration `koanf:"timeout"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	TransferTimeout time.Duration `koanf:"transfer_timeout"`
	RetryMax        time.Duration `koanf:"retry_max"`
}

type RealDebridConfig struct {
	Token   string `koanf:"token"`
	BaseURL string `koanf:"base_url"`
}

type Aria2Config struct {
	Enabled     bool   `koanf:"enabled"`
	RPCURL      string `koanf:"rpc_url"`
	RPCSecret   string `koanf:"rpc_secret"`
	DownloadDir string `koanf:"download_dir"`
	// Managed starts a local aria2c on RPCPort instead of using a remote one.
	Managed  bool   `koanf:"managed"`
	RPCPort  string `koanf:"rpc_port"`
	Trackers bool   `koanf:"trackers"`

	SFTPAddr     string `koanf:"sftp_addr"`
	SFTPUser     string `koanf:"sftp_user"`
	SFTPPassword string `koanf:"sftp_password"`
	SFTPKeyFile  string `koanf:"sftp_key_file"`
	SFTPHostKey  string `koanf:"sftp_host_key"`
}

type RcloneConfig struct {
	Remote   string            `koanf:"remote"`
	BasePath string            `koanf:"base_path"`
	Binary   string            `koanf:"binary"`
	Params   map[string]string `koanf:"config"`
}

type TelegramConfig struct {
	Token        string   `koanf:"token"`
	APIEndpoint  string   `koanf:"api_endpoint"`
	AllowedUsers []string `koanf:"allowed_users"`
}

type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	// PublicURL prefixes download links; defaults to http://host:port.
	PublicURL  string        `koanf:"public_url"`
	LinkExpiry time.Duration `koanf:"link_expiry"`
}

// BaseURL is where clients reach the HTTP server.
func (c ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	JWTExpiry time.Duration `koanf:"jwt_expiry"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads config from TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults
	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	// 2. Load TOML config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("read %s: %w", configPath, err)
		}
	}

	// 3. Load env vars: RB_PACKAGER_MAX_ARCHIVE_SIZE -> packager.max_archive_size
	// Only set env vars that have non-empty values to avoid overriding TOML config.
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps the first underscore to the section separator; the rest stay
// part of the key name.
func envKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	section, name, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_")
	if !ok {
		return "", nil
	}
	if name == "allowed_users" {
		return section + "." + name, strings.Split(value, ",")
	}
	return section + "." + name, value
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "redis", "postgres", "local":
	default:
		return fmt.Errorf("store.driver must be redis, postgres or local, got %q", c.Store.Driver)
	}
	if c.Store.Driver != "local" && c.Store.URL == "" {
		return fmt.Errorf("store.url is required for the %s driver", c.Store.Driver)
	}
	switch c.Upload.DefaultTarget {
	case "telegram", "cloud-mirror":
	default:
		return fmt.Errorf("upload.default_target must be telegram or cloud-mirror, got %q", c.Upload.DefaultTarget)
	}
	if c.Upload.DefaultTarget == "cloud-mirror" && c.Rclone.Remote == "" {
		return fmt.Errorf("upload.default_target is cloud-mirror but rclone.remote is empty")
	}
	if c.Telegram.Token != "" && len(c.Telegram.AllowedUsers) == 0 {
		return fmt.Errorf("telegram.allowed_users is required when telegram.token is set")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.Feeds.PollInterval < time.Minute {
		return fmt.Errorf("feeds.poll_interval must be at least 1m, got %s", c.Feeds.PollInterval)
	}
	if c.Packager.MaxArchiveSize == 0 {
		return fmt.Errorf("packager.max_archive_size must be positive")
	}
	return nil
}
