package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type DB struct {
	Driver string // sqlite or mysql
	Path   string
	DSN    string
}

type Realtime struct {
	BaseDelay   time.Duration
	MaxAttempts int
	ReadTimeout time.Duration
}

type API struct {
	Timeout time.Duration
	Rate    float64
	Burst   int
}

type AppConfig struct {
	DataDir      string
	LogPath      string
	LogLevel     string
	Organization string
	User         string
	DB           DB
	Realtime     Realtime
	API          API
	// Forward enables POSTing confirmed requests to /api/commands.
	Forward bool
}

var (
	mu  sync.RWMutex
	cfg AppConfig
	v   *viper.Viper
)

func defaultDataDir() string { return filepath.Join(os.TempDir(), "fleetwatch") }

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FLEETWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir := defaultDataDir()
	v.SetDefault("console.data_dir", dataDir)
	v.SetDefault("console.log_level", "info")
	v.SetDefault("console.organization", "default")
	v.SetDefault("console.user", "operator")
	v.SetDefault("console.db.driver", "sqlite")
	v.SetDefault("console.realtime.base_delay", 3*time.Second)
	v.SetDefault("console.realtime.max_attempts", 5)
	v.SetDefault("console.realtime.read_timeout", 90*time.Second)
	v.SetDefault("console.api.timeout", 30*time.Second)
	v.SetDefault("console.api.rate", 10.0)
	v.SetDefault("console.api.burst", 5)
	v.SetDefault("console.commands.forward", false)
	return v
}

func fromViper(v *viper.Viper) AppConfig {
	c := AppConfig{
		DataDir:      v.GetString("console.data_dir"),
		LogPath:      v.GetString("console.log_path"),
		LogLevel:     v.GetString("console.log_level"),
		Organization: v.GetString("console.organization"),
		User:         v.GetString("console.user"),
		DB: DB{
			Driver: strings.ToLower(v.GetString("console.db.driver")),
			Path:   v.GetString("console.db.path"),
			DSN:    v.GetString("console.db.dsn"),
		},
		Realtime: Realtime{
			BaseDelay:   v.GetDuration("console.realtime.base_delay"),
			MaxAttempts: v.GetInt("console.realtime.max_attempts"),
			ReadTimeout: v.GetDuration("console.realtime.read_timeout"),
		},
		API: API{
			Timeout: v.GetDuration("console.api.timeout"),
			Rate:    v.GetFloat64("console.api.rate"),
			Burst:   v.GetInt("console.api.burst"),
		},
		Forward: v.GetBool("console.commands.forward"),
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	// the terminal UI owns stdout, so logs go to a file unless told otherwise
	if c.LogPath == "" {
		c.LogPath = filepath.Join(c.DataDir, "console.log")
	}
	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.DataDir, "console.db")
	}
	if c.Realtime.MaxAttempts <= 0 {
		c.Realtime.MaxAttempts = 5
	}
	if c.Realtime.BaseDelay <= 0 {
		c.Realtime.BaseDelay = 3 * time.Second
	}
	return c
}

// Init reads the yaml file at path (a missing file is fine, defaults apply)
// and stores the result for Get.
func Init(path string) AppConfig {
	nv := newViper(path)
	_ = nv.ReadInConfig()

	c := fromViper(nv)
	mu.Lock()
	v = nv
	cfg = c
	mu.Unlock()
	return c
}

func Get() AppConfig {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch reloads the config whenever the file changes on disk and hands the
// new values to onChange.
func Watch(onChange func(AppConfig)) {
	mu.RLock()
	cur := v
	mu.RUnlock()
	if cur == nil {
		return
	}
	cur.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c := fromViper(cur)
		mu.Lock()
		cfg = c
		mu.Unlock()
		if onChange != nil {
			onChange(c)
		}
	})
	cur.WatchConfig()
}
