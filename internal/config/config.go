package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"codeberg.org/mutker/gst/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultInterval        = 2
	DefaultLogLevel        = string(LogLevelWarning)
	DefaultDmidecode       = "dmidecode"
	DefaultPrivilegeHelper = "pkexec"
	DefaultStressBinary    = "stress-ng"
	DefaultStressProfile   = "cpu-all"
	DefaultStressTimeout   = 60
	DefaultJournalPath     = "/var/lib/gst/journal.db"

	configName = "gst"
	envPrefix  = "GST"
)

type Config struct {
	Interval        int    `mapstructure:"interval"`
	LogLevel        string `mapstructure:"log_level"`
	Debug           bool   `mapstructure:"debug"`
	Verbose         bool   `mapstructure:"verbose"`
	Workers         int    `mapstructure:"workers"`
	ProcRoot        string `mapstructure:"proc_root"`
	SysRoot         string `mapstructure:"sys_root"`
	Dmidecode       string `mapstructure:"dmidecode"`
	PrivilegeHelper string `mapstructure:"privilege_helper"`
	NVML            bool   `mapstructure:"nvml"`
	PIDDir          string `mapstructure:"pid_dir"`

	Stress  StressConfig  `mapstructure:"stress"`
	Journal JournalConfig `mapstructure:"journal"`

	// Args holds the positional arguments left after flag parsing.
	Args []string `mapstructure:"-"`
}

type StressConfig struct {
	Binary  string `mapstructure:"binary"`
	TempDir string `mapstructure:"temp_dir"`
	Profile string `mapstructure:"profile"`
	Workers int    `mapstructure:"workers"`
	Timeout int    `mapstructure:"timeout"`
	Verify  bool   `mapstructure:"verify"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RefreshInterval returns the periodic refresh period.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// StressTimeout returns the stress-ng run timeout.
func (c *Config) StressTimeout() time.Duration {
	return time.Duration(c.Stress.Timeout) * time.Second
}

// Load reads configuration from the config file, GST_* environment
// variables and the given command line arguments, in increasing order of
// precedence.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()
	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, flags); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.Args = flags.Args()

	// --debug and --verbose are shorthands over log_level
	if cfg.Debug {
		cfg.LogLevel = string(LogLevelDebug)
	} else if cfg.Verbose {
		cfg.LogLevel = string(LogLevelInfo)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Workers <= 0 {
		return errFactory.WithData(errors.ErrInvalidWorkers, c.Workers)
	}
	if c.Stress.Workers < 0 || c.Stress.Timeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "stress",
			Value: min(c.Stress.Workers, c.Stress.Timeout),
		})
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("workers", max(2, min(runtime.NumCPU(), 4)))
	v.SetDefault("proc_root", "/proc")
	v.SetDefault("sys_root", "/sys")
	v.SetDefault("dmidecode", DefaultDmidecode)
	v.SetDefault("privilege_helper", DefaultPrivilegeHelper)
	v.SetDefault("nvml", true)
	v.SetDefault("pid_dir", os.TempDir())
	v.SetDefault("stress.binary", DefaultStressBinary)
	v.SetDefault("stress.temp_dir", os.TempDir())
	v.SetDefault("stress.profile", DefaultStressProfile)
	v.SetDefault("stress.workers", 0)
	v.SetDefault("stress.timeout", DefaultStressTimeout)
	v.SetDefault("stress.verify", true)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", DefaultJournalPath)
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Int("interval", DefaultInterval, "Seconds between periodic refreshes")
	flags.Int("workers", 0, "Refresh worker pool size")
	flags.String("dmidecode", DefaultDmidecode, "dmidecode executable")
	flags.Bool("nvml", true, "Read NVIDIA GPU sensors through NVML")
	flags.String("stress-binary", DefaultStressBinary, "stress-ng executable")
	flags.String("profile", DefaultStressProfile, "Stressor profile")
	flags.Int("stress-workers", 0, "stress-ng workers (0 = one per CPU)")
	flags.Int("timeout", DefaultStressTimeout, "Stress run timeout in seconds")
	flags.Bool("verify", true, "Ask stress-ng to verify results")
	flags.Bool("journal", false, "Record stress results in the journal")
	flags.String("journal-path", DefaultJournalPath, "Journal database path")
	flags.SortFlags = false

	return flags
}

var flagKeys = map[string]string{
	"debug":          "debug",
	"verbose":        "verbose",
	"log-level":      "log_level",
	"interval":       "interval",
	"workers":        "workers",
	"dmidecode":      "dmidecode",
	"nvml":           "nvml",
	"stress-binary":  "stress.binary",
	"profile":        "stress.profile",
	"stress-workers": "stress.workers",
	"timeout":        "stress.timeout",
	"verify":         "stress.verify",
	"journal":        "journal.enabled",
	"journal-path":   "journal.path",
}

// bindFlags binds only flags set on the command line so that unset flag
// defaults never shadow config file values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if key, ok := flagKeys[f.Name]; ok {
			bindErr = v.BindPFlag(key, f)
		}
	})

	return bindErr
}

func readConfigFile(v *viper.Viper) error {
	errFactory := errors.New()

	if path := os.Getenv("GST_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/gst")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, configName))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}
