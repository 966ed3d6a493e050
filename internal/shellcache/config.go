package shellcache

import (
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jmgilman/go/errors"
	"github.com/spf13/viper"

	"shellcache/internal/mlog"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

type Config struct {
	Log mlog.LogConfig `yaml:"log"`

	Server struct {
		Port        int    `yaml:"port"`
		Origin      string `yaml:"origin"`
		ControlPath string `yaml:"control_path"`
	} `yaml:"server"`

	API struct {
		HTTP string `yaml:"http"`
	} `yaml:"api"`

	Stats struct {
		Every string `yaml:"every"`
	} `yaml:"stats"`

	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Precache PrecacheConfig `yaml:"precache"`
	Routes   RoutesConfig   `yaml:"routes"`

	// compiled
	origin            *url.URL
	routes            *Routes
	fetchTimeout      time.Duration
	revalidateTimeout time.Duration
	statsEvery        time.Duration
}

type CacheConfig struct {
	// Name and Version make up the generation names:
	// <name>-<version> and <name>-dynamic-<version>.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	FetchTimeout      string `yaml:"fetch_timeout"`
	RevalidateTimeout string `yaml:"revalidate_timeout"`

	// BackgroundLimit caps concurrent background revalidations.
	BackgroundLimit int `yaml:"background_limit"`
}

type StorageConfig struct {
	Backend string             `yaml:"backend"`
	Memory  MemoryStoreConfig  `yaml:"memory"`
	LevelDB LevelDBStoreConfig `yaml:"leveldb"`
	Redis   RedisStoreConfig   `yaml:"redis"`

	memMax   int64
	levelMax int64
	redisTTL time.Duration
}

type MemoryStoreConfig struct {
	Max string `yaml:"max"`
}

type LevelDBStoreConfig struct {
	Path string `yaml:"path"`
	Max  string `yaml:"max"`
}

type RedisStoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	Timeout  string `yaml:"timeout"`
}

type PrecacheConfig struct {
	// Assets are origin-relative (or absolute) URLs fetched at install.
	Assets      []string `yaml:"assets"`
	OfflinePage string   `yaml:"offline_page"`

	// BuildManifest optionally points at a Vite build manifest whose entry
	// chunks are added to Assets at install time.
	BuildManifest string `yaml:"build_manifest"`
	BuildBase     string `yaml:"build_base"`

	Concurrency int `yaml:"concurrency"`
}

type RoutesConfig struct {
	AuthMarkers      []string `yaml:"auth_markers"`
	APIPrefixes      []string `yaml:"api_prefixes"`
	StaticExtensions []string `yaml:"static_extensions"`
}

var (
	defaultAssets = []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/favicon.ico",
		"/logo.png",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
		"/assets/index.js",
		"/assets/index.css",
		"/offline.html",
	}
	defaultAuthMarkers = []string{
		"/auth/v1/token",
		"/auth/v1/logout",
		"/auth/v1/user",
		"/auth/v1/callback",
		"accounts.google.com",
	}
	defaultAPIPrefixes      = []string{"/rest/v1/", "/api/"}
	defaultStaticExtensions = []string{
		".js", ".css",
		".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
		".woff", ".woff2", ".ttf",
	}
)

// LoadConfig reads a yaml config file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}

	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "unmarshal config")
	}
	if err := cfg.prepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfig returns the default configuration for the given origin.
func NewConfig(origin string) (*Config, error) {
	cfg := new(Config)
	cfg.Server.Origin = origin
	if err := cfg.prepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ControlPath == "" {
		c.Server.ControlPath = "/__shellcache"
	}
	c.Server.ControlPath = "/" + strings.Trim(c.Server.ControlPath, "/")

	if c.Cache.Name == "" {
		c.Cache.Name = "keuangan-pribadi"
	}
	if c.Cache.Version == "" {
		c.Cache.Version = "v1"
	}
	if c.Cache.FetchTimeout == "" {
		c.Cache.FetchTimeout = "30s"
	}
	if c.Cache.RevalidateTimeout == "" {
		c.Cache.RevalidateTimeout = c.Cache.FetchTimeout
	}
	if c.Cache.BackgroundLimit <= 0 {
		c.Cache.BackgroundLimit = 32
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.Memory.Max == "" {
		c.Storage.Memory.Max = "64m"
	}
	if c.Storage.LevelDB.Path == "" {
		c.Storage.LevelDB.Path = "./data/leveldb"
	}
	if c.Storage.LevelDB.Max == "" {
		c.Storage.LevelDB.Max = "1g"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "shellcache:"
	}
	if c.Storage.Redis.Timeout == "" {
		c.Storage.Redis.Timeout = "1s"
	}

	if c.Precache.Assets == nil {
		c.Precache.Assets = append([]string(nil), defaultAssets...)
	}
	if c.Precache.OfflinePage == "" {
		c.Precache.OfflinePage = "/offline.html"
	}
	if c.Precache.BuildBase == "" {
		c.Precache.BuildBase = "/"
	}
	if c.Precache.Concurrency <= 0 {
		c.Precache.Concurrency = 6
	}

	if c.Routes.AuthMarkers == nil {
		c.Routes.AuthMarkers = append([]string(nil), defaultAuthMarkers...)
	}
	if c.Routes.APIPrefixes == nil {
		c.Routes.APIPrefixes = append([]string(nil), defaultAPIPrefixes...)
	}
	if c.Routes.StaticExtensions == nil {
		c.Routes.StaticExtensions = append([]string(nil), defaultStaticExtensions...)
	}
}

// prepare applies defaults, validates and compiles the config.
func (c *Config) prepare() error {
	c.applyDefaults()

	if c.Server.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "server.origin")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Newf(errors.CodeInvalidConfig, "server.origin must be an absolute http(s) url, got %q", c.Server.Origin)
	}
	c.origin = u

	durations := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"cache.fetch_timeout", c.Cache.FetchTimeout, &c.fetchTimeout},
		{"cache.revalidate_timeout", c.Cache.RevalidateTimeout, &c.revalidateTimeout},
		{"stats.every", c.Stats.Every, &c.statsEvery},
		{"storage.redis.timeout", c.Storage.Redis.Timeout, &c.Storage.redisTTL},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, d.name)
		}
		*d.dst = v
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendLevelDB:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New(errors.CodeInvalidConfig, "storage.redis.addr is required")
		}
	default:
		return errors.Newf(errors.CodeInvalidConfig, "storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.memMax, err = parseBytes(c.Storage.Memory.Max); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "storage.memory.max")
	}
	if c.Storage.levelMax, err = parseBytes(c.Storage.LevelDB.Max); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "storage.leveldb.max")
	}

	if strings.ContainsAny(c.Cache.Name+c.Cache.Version, " \x00") {
		return errors.New(errors.CodeInvalidConfig, "cache.name and cache.version must not contain spaces")
	}

	hasOffline := false
	for _, a := range c.Precache.Assets {
		if a == c.Precache.OfflinePage {
			hasOffline = true
			break
		}
	}
	if !hasOffline {
		c.Precache.Assets = append(c.Precache.Assets, c.Precache.OfflinePage)
	}

	rt, err := NewRoutes(c.origin, c.Routes)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "routes")
	}
	c.routes = rt
	return nil
}

// StaticCacheName is the name of the precache generation.
func (c *Config) StaticCacheName() string {
	return c.Cache.Name + "-" + c.Cache.Version
}

// DynamicCacheName is the name of the runtime cache generation.
func (c *Config) DynamicCacheName() string {
	return c.Cache.Name + "-dynamic-" + c.Cache.Version
}

// Origin returns the parsed application origin.
func (c *Config) Origin() *url.URL {
	u := *c.origin
	return &u
}

// resolve turns an origin-relative reference into an absolute url.
func (c *Config) resolve(ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return normalizeURL(c.origin.ResolveReference(r)), nil
}

func (c *Config) StatsEvery() time.Duration { return c.statsEvery }
