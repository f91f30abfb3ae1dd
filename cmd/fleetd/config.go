package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"egressfleet/internal/common/cache"
	"egressfleet/internal/common/db"
	"egressfleet/internal/common/http/middleware"
	"egressfleet/internal/common/mq"
	"egressfleet/internal/fleet/allocator"
	"egressfleet/internal/fleet/netiso"
	"egressfleet/internal/fleet/proxy"
	"egressfleet/internal/fleet/repository"
	"egressfleet/internal/fleet/sandbox"
	"egressfleet/internal/fleet/security"
	"egressfleet/pkg/utils/logger"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8090"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxHeaderBytes  = 1 << 20

	defaultMinCPUs = 2

	defaultProxyFile  = "/etc/egressfleet/proxies.txt"
	defaultSQLitePath = "/var/lib/egressfleet/fleet.db"
)

const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMySQL  = "mysql"
	storeSQLite = "sqlite"
	storeNone   = "none"

	networkKernel = "kernel"
	networkMemory = "memory"

	runtimeDocker = "docker"
	runtimePodman = "podman"
	runtimeMemory = "memory"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string                     `yaml:"addr"`
	ReadTimeout    time.Duration              `yaml:"readTimeout"`
	WriteTimeout   time.Duration              `yaml:"writeTimeout"`
	IdleTimeout    time.Duration              `yaml:"idleTimeout"`
	MaxHeaderBytes int                        `yaml:"maxHeaderBytes"`
	RateLimit      middleware.RateLimitPolicy `yaml:"rateLimit"`
}

// WorkerConfig bounds concurrent instance operations.
type WorkerConfig struct {
	PoolSize         int           `yaml:"poolSize"`
	AcquireTimeout   time.Duration `yaml:"acquireTimeout"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`
	RollbackTimeout  time.Duration `yaml:"rollbackTimeout"`
}

// FleetConfig holds instance defaults and supervision.
type FleetConfig struct {
	Image          string           `yaml:"image"`
	IDPrefix       string           `yaml:"idPrefix"`
	CPU            string           `yaml:"cpu"`
	Memory         string           `yaml:"memory"`
	Pids           int              `yaml:"pids"`
	SuperviseEvery time.Duration    `yaml:"superviseEvery"`
	AutoRestart    bool             `yaml:"autoRestart"`
	AutoRotate     bool             `yaml:"autoRotate"`
	MinCPUs        int              `yaml:"minCPUs"`
	MemoryReserve  string           `yaml:"memoryReserve"`
	Allocator      allocator.Config `yaml:"allocator"`

	memoryReserveBytes int64
}

// NetworkConfig selects the host driver.
type NetworkConfig struct {
	Driver        string `yaml:"driver"` // kernel | memory
	IPTablesPath  string `yaml:"iptablesPath"`
	netiso.Config `yaml:",inline"`
}

// RuntimeConfig selects the container runtime.
type RuntimeConfig struct {
	Driver         string         `yaml:"driver"` // podman | docker | memory
	Binary         string         `yaml:"binary"`
	ExtraArgs      string         `yaml:"extraArgs"`
	NetworkMode    string         `yaml:"networkMode"`
	CommandTimeout time.Duration  `yaml:"commandTimeout"`
	Sandbox        sandbox.Config `yaml:"sandbox"`
}

// StoreConfig selects where instance records are persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"` // file | redis | mysql | sqlite | none
	Dir     string `yaml:"dir"`
	Prefix  string `yaml:"prefix"`
}

// KafkaConfig enables lifecycle event publishing.
type KafkaConfig struct {
	Enabled        bool `yaml:"enabled"`
	mq.KafkaConfig `yaml:",inline"`
}

// AppConfig is the fleetd configuration file.
type AppConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Logger   logger.Config     `yaml:"logger"`
	Worker   WorkerConfig      `yaml:"worker"`
	Fleet    FleetConfig       `yaml:"fleet"`
	Network  NetworkConfig     `yaml:"network"`
	Security security.Config   `yaml:"security"`
	Runtime  RuntimeConfig     `yaml:"runtime"`
	Proxy    proxy.Config      `yaml:"proxy"`
	Store    StoreConfig       `yaml:"store"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Database db.Config         `yaml:"database"`
	Kafka    KafkaConfig       `yaml:"kafka"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyServerDefaults(&cfg.Server)
	if err := applyFleetDefaults(&cfg.Fleet); err != nil {
		return nil, err
	}
	if err := applyNetworkDefaults(&cfg.Network); err != nil {
		return nil, err
	}
	if err := applyRuntimeDefaults(&cfg.Runtime, cfg.Fleet.Image); err != nil {
		return nil, err
	}
	if cfg.Proxy.File == "" {
		cfg.Proxy.File = defaultProxyFile
	}
	if err := applyStoreDefaults(&cfg); err != nil {
		return nil, err
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			cfg.Kafka.Topic = repository.DefaultEventTopic
		}
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
}

func applyFleetDefaults(cfg *FleetConfig) error {
	if cfg.Image == "" {
		return fmt.Errorf("fleet.image is required")
	}
	if cfg.SuperviseEvery == 0 {
		cfg.SuperviseEvery = 30 * time.Second
	}
	if _, err := security.ParseLimits(cfg.CPU, cfg.Memory, cfg.Pids); err != nil {
		return fmt.Errorf("fleet limits: %w", err)
	}
	switch {
	case cfg.MinCPUs == 0:
		cfg.MinCPUs = defaultMinCPUs
	case cfg.MinCPUs < 0:
		cfg.MinCPUs = 0
	}
	if cfg.MemoryReserve != "" {
		reserve, err := units.RAMInBytes(cfg.MemoryReserve)
		if err != nil {
			return fmt.Errorf("fleet.memoryReserve: %w", err)
		}
		cfg.memoryReserveBytes = reserve
	}
	return nil
}

func applyNetworkDefaults(cfg *NetworkConfig) error {
	switch cfg.Driver {
	case "":
		cfg.Driver = networkKernel
	case networkKernel, networkMemory:
	default:
		return fmt.Errorf("unknown network driver %q", cfg.Driver)
	}
	if len(cfg.DNSServers) == 0 {
		cfg.DNSServers = []string{"1.1.1.1", "8.8.8.8"}
	}
	return nil
}

func applyRuntimeDefaults(cfg *RuntimeConfig, image string) error {
	switch cfg.Driver {
	case "":
		cfg.Driver = runtimePodman
	case runtimeDocker:
		if cfg.NetworkMode == "" || strings.HasPrefix(cfg.NetworkMode, "ns:") {
			return fmt.Errorf("runtime driver docker needs runtime.networkMode other than ns:; use podman to join instance namespaces")
		}
	case runtimePodman, runtimeMemory:
	default:
		return fmt.Errorf("unknown runtime driver %q", cfg.Driver)
	}
	if cfg.Binary == "" && cfg.Driver != runtimeMemory {
		cfg.Binary = cfg.Driver
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = image
	}
	return nil
}

func applyStoreDefaults(cfg *AppConfig) error {
	switch cfg.Store.Backend {
	case "", storeFile:
		cfg.Store.Backend = storeFile
		if cfg.Store.Dir == "" {
			cfg.Store.Dir = repository.DefaultFileDir
		}
	case storeRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis store")
		}
		applyRedisDefaults(&cfg.Redis)
	case storeMySQL:
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the mysql store")
		}
		applyDatabaseDefaults(&cfg.Database, db.DriverMySQL)
	case storeSQLite:
		if cfg.Database.DSN == "" {
			cfg.Database.DSN = "file:" + defaultSQLitePath + "?_busy_timeout=5000&_journal_mode=WAL"
		}
		applyDatabaseDefaults(&cfg.Database, db.DriverSQLite)
	case storeNone:
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

func applyDatabaseDefaults(cfg *db.Config, driver string) {
	defaults := db.DefaultConfig(driver)
	cfg.Driver = driver
	if cfg.MaxOpenConnections == 0 {
		cfg.MaxOpenConnections = defaults.MaxOpenConnections
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = defaults.MaxIdleConnections
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
