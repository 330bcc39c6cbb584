package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "KFORGE"

var packageLogger = slog.Default()

// SetLogger configures the package logger used during setup.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	packageLogger = logger
}

// Settings is the effective configuration.
type Settings struct {
	WorkDir   string            `mapstructure:"work_dir" yaml:"work_dir"`
	StateDir  string            `mapstructure:"state_dir" yaml:"state_dir"`
	Log       LogSettings       `mapstructure:"log" yaml:"log"`
	Catalog   CatalogSettings   `mapstructure:"catalog" yaml:"catalog"`
	Build     BuildSettings     `mapstructure:"build" yaml:"build"`
	Privilege PrivilegeSettings `mapstructure:"privilege" yaml:"privilege"`
	Ledger    LedgerSettings    `mapstructure:"ledger" yaml:"ledger"`
	Daemon    DaemonSettings    `mapstructure:"daemon" yaml:"daemon"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type CatalogSettings struct {
	IndexURL string `mapstructure:"index_url" yaml:"index_url"`
	// StableTemplates and RCTemplates are text/template URL patterns tried in order.
	StableTemplates []string      `mapstructure:"stable_templates" yaml:"stable_templates"`
	RCTemplates     []string      `mapstructure:"rc_templates" yaml:"rc_templates"`
	Retry           RetrySettings `mapstructure:"retry" yaml:"retry"`
}

type RetrySettings struct {
	Attempts int           `mapstructure:"attempts" yaml:"attempts"`
	Initial  time.Duration `mapstructure:"initial" yaml:"initial"`
	Max      time.Duration `mapstructure:"max" yaml:"max"`
}

type BuildSettings struct {
	// Jobs is passed to make -j; zero uses every CPU.
	Jobs         int           `mapstructure:"jobs" yaml:"jobs"`
	GracePeriod  time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	TailLines    int           `mapstructure:"tail_lines" yaml:"tail_lines"`
	Cleanup      bool          `mapstructure:"cleanup" yaml:"cleanup"`
	DebugSymbols bool          `mapstructure:"debug_symbols" yaml:"debug_symbols"`
	CustomName   string        `mapstructure:"custom_name" yaml:"custom_name"`
}

type PrivilegeSettings struct {
	// Method is one of auto, root, sudo, pkexec.
	Method string `mapstructure:"method" yaml:"method"`
	// BusyPolicy is reject or queue.
	BusyPolicy string `mapstructure:"busy_policy" yaml:"busy_policy"`
}

type LedgerSettings struct {
	MaxRemoved int `mapstructure:"max_removed" yaml:"max_removed"`
}

type DaemonSettings struct {
	Socket string `mapstructure:"socket" yaml:"socket"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	home := homeDir()
	return Settings{
		WorkDir:  filepath.Join(home, "kernel_build"),
		StateDir: filepath.Join(xdgDir("XDG_STATE_HOME", filepath.Join(home, ".local", "state")), "kforge"),
		Log:      LogSettings{Level: "info", Format: "cli"},
		Catalog: CatalogSettings{
			IndexURL: "https://www.kernel.org/releases.json",
			Retry:    RetrySettings{Attempts: 3, Initial: 500 * time.Millisecond, Max: 8 * time.Second},
		},
		Build: BuildSettings{
			GracePeriod: 10 * time.Second,
			TailLines:   40,
			CustomName:  "kforge",
		},
		Privilege: PrivilegeSettings{Method: "auto", BusyPolicy: "reject"},
		Ledger:    LedgerSettings{MaxRemoved: 20},
		Daemon:    DaemonSettings{Socket: "/run/kforge/daemon.sock"},
	}
}

// WithDefaults fills empty fields from Default and expands "~" in paths.
func (s Settings) WithDefaults() Settings {
	d := Default()
	if s.WorkDir == "" {
		s.WorkDir = d.WorkDir
	}
	if s.StateDir == "" {
		s.StateDir = d.StateDir
	}
	if s.Log.Level == "" {
		s.Log.Level = d.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = d.Log.Format
	}
	if s.Catalog.IndexURL == "" {
		s.Catalog.IndexURL = d.Catalog.IndexURL
	}
	if s.Catalog.Retry.Attempts <= 0 {
		s.Catalog.Retry.Attempts = d.Catalog.Retry.Attempts
	}
	if s.Catalog.Retry.Initial <= 0 {
		s.Catalog.Retry.Initial = d.Catalog.Retry.Initial
	}
	if s.Catalog.Retry.Max <= 0 {
		s.Catalog.Retry.Max = d.Catalog.Retry.Max
	}
	if s.Build.GracePeriod <= 0 {
		s.Build.GracePeriod = d.Build.GracePeriod
	}
	if s.Build.TailLines <= 0 {
		s.Build.TailLines = d.Build.TailLines
	}
	if s.Build.CustomName == "" {
		s.Build.CustomName = d.Build.CustomName
	}
	if s.Privilege.Method == "" {
		s.Privilege.Method = d.Privilege.Method
	}
	if s.Privilege.BusyPolicy == "" {
		s.Privilege.BusyPolicy = d.Privilege.BusyPolicy
	}
	if s.Ledger.MaxRemoved <= 0 {
		s.Ledger.MaxRemoved = d.Ledger.MaxRemoved
	}
	if s.Daemon.Socket == "" {
		s.Daemon.Socket = d.Daemon.Socket
	}
	s.WorkDir = ExpandPath(s.WorkDir)
	s.StateDir = ExpandPath(s.StateDir)
	s.Daemon.Socket = ExpandPath(s.Daemon.Socket)
	return s
}

// defaults are registered with viper so that every key can be overridden from the environment.
var defaults = map[string]any{
	"work_dir":                 "",
	"state_dir":                "",
	"log.level":                "",
	"log.format":               "",
	"catalog.index_url":        "",
	"catalog.stable_templates": []string{},
	"catalog.rc_templates":     []string{},
	"catalog.retry.attempts":   0,
	"catalog.retry.initial":    time.Duration(0),
	"catalog.retry.max":        time.Duration(0),
	"build.jobs":               0,
	"build.grace_period":       time.Duration(0),
	"build.tail_lines":         0,
	"build.cleanup":            false,
	"build.debug_symbols":      false,
	"build.custom_name":        "",
	"privilege.method":         "",
	"privilege.busy_policy":    "",
	"ledger.max_removed":       0,
	"daemon.socket":            "",
}

// Load reads settings from path, or from DefaultConfigFile when path is empty, overlays KFORGE_*
// environment variables and applies defaults. A missing file is not an error.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile()
	}
	v.SetConfigFile(ExpandPath(path))
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("reading config file: %w", err)
		}
		if explicit {
			return Settings{}, fmt.Errorf("config file %s: %w", path, err)
		}
		packageLogger.Debug("no config file, using defaults", "path", path)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return s.WithDefaults(), nil
}

// DefaultConfigFile is $XDG_CONFIG_HOME/kforge/config.yaml.
func DefaultConfigFile() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", filepath.Join(homeDir(), ".config")), "kforge", "config.yaml")
}

// ExpandPath replaces a leading "~" with the home directory.
func ExpandPath(path string) string {
	if path == "~" {
		return homeDir()
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir(), rest)
	}
	return path
}

func homeDir() string {
	// Under sudo the invoking user's home is wanted, not root's.
	if name := os.Getenv("SUDO_USER"); name != "" && name != "root" && os.Geteuid() == 0 {
		if u, err := user.Lookup(name); err == nil && u.HomeDir != "" {
			return u.HomeDir
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/root"
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" && filepath.IsAbs(dir) {
		return dir
	}
	return fallback
}
