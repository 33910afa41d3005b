package pagecache

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/always-cache/pagecache/cache"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
)

// Options holds the settings of a page cache, usually read from a YAML file.
type Options struct {
	// Storage backend: filesystem, memory or sqlite.
	Backend string `yaml:"backend" validate:"oneof=filesystem memory sqlite"`
	// Directory of the filesystem backend.
	CacheDir string `yaml:"cache_dir" validate:"required_if=Backend filesystem"`
	// Octal permission bits used when creating the cache directory.
	FileMode string `yaml:"file_mode" validate:"omitempty,octal"`
	// Database file of the sqlite backend. Empty means in-memory.
	SQLitePath string `yaml:"sqlite_path"`
	// Seconds a stored response is served for.
	Lifetime int `yaml:"lifetime" validate:"gte=1"`
	// Compress stored responses.
	Gzip bool `yaml:"gzip"`
	// Compression level from -1 (library default) to 9.
	// Zero is rejected in config files; New treats an unset level as 9.
	GzipLevel int `yaml:"gzip_level" validate:"gte=-1,lte=9,ne=0"`
	// Cache requests sent with X-Requested-With: XMLHttpRequest.
	XHR bool `yaml:"xhr"`
	// Regular expressions matched against the normalized URI.
	// Matching requests are never read from or written to the cache.
	Exclude []string `yaml:"exclude" validate:"dive,required,regexp"`
	// Query parameter that purges the entry of the request. Empty disables purging.
	ClearCacheParam string `yaml:"clear_cache_param"`
	// Response headers that are never stored nor replayed.
	HeaderDenylist []string `yaml:"header_denylist"`
}

// DefaultOptions returns the options used for every setting missing from a config file.
func DefaultOptions() Options {
	return Options{
		Backend:        BackendFilesystem,
		CacheDir:       "cache",
		FileMode:       "0755",
		Lifetime:       3600,
		GzipLevel:      9,
		HeaderDenylist: []string{"Set-Cookie", "X-Powered-By"},
	}
}

// withDefaults fills in zero-valued settings.
// A zero gzip level means the default level.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Backend == "" {
		o.Backend = d.Backend
	}
	if o.CacheDir == "" {
		o.CacheDir = d.CacheDir
	}
	if o.FileMode == "" {
		o.FileMode = d.FileMode
	}
	if o.Lifetime == 0 {
		o.Lifetime = d.Lifetime
	}
	if o.GzipLevel == 0 {
		o.GzipLevel = d.GzipLevel
	}
	if o.HeaderDenylist == nil {
		o.HeaderDenylist = d.HeaderDenylist
	}
	return o
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("octal", func(fl validator.FieldLevel) bool {
		_, err := strconv.ParseUint(fl.Field().String(), 8, 32)
		return err == nil
	})
	v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks that the options can be used to create a page cache.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// Mode returns the parsed file mode, or the default if it cannot be parsed.
func (o Options) Mode() os.FileMode {
	mode, err := strconv.ParseUint(o.FileMode, 8, 32)
	if err != nil || mode == 0 {
		return 0o755
	}
	return os.FileMode(mode)
}

// TTL returns the lifetime as a duration.
func (o Options) TTL() time.Duration {
	return time.Duration(o.Lifetime) * time.Second
}

// LoadOptions reads the YAML file, applies defaults for missing settings and validates the result.
func LoadOptions(filename string) (Options, error) {
	options := DefaultOptions()
	b, err := os.ReadFile(filename)
	if err != nil {
		return options, err
	}
	if err := yaml.Unmarshal(b, &options); err != nil {
		return options, fmt.Errorf("parsing %s: %w", filename, err)
	}
	return options, options.Validate()
}

// OpenStore creates the backend selected by the options.
func OpenStore(o Options) (cache.Store, error) {
	switch o.Backend {
	case BackendFilesystem, "":
		return cache.NewFilesystemStore(o.CacheDir, o.Mode())
	case BackendMemory:
		return cache.NewMemoryStore(), nil
	case BackendSQLite:
		return cache.NewSQLiteStore(o.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown backend %q", o.Backend)
	}
}
