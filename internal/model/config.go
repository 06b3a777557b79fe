package model

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Settings when the YAML leaves a field unset.
const (
	DefaultMaxConcurrent  = 5
	DefaultCPUThrottle    = 90.0
	DefaultWatchdogPoll   = 30 * time.Second
	DefaultTerminateGrace = 10 * time.Second

	DefaultInstallerBudget   = 2 * time.Hour
	DefaultApplicationBudget = 2 * time.Hour
	DefaultRunBudget         = 30 * time.Minute

	DefaultOutputTail = 64 * 1024

	DefaultJanitorInterval = time.Minute
	DefaultRunawayCPU      = 95.0
	DefaultHotCPU          = 70.0
	DefaultSuspendFor      = 5 * time.Second
)

// DefaultFamilyPatterns match process names belonging to the translation
// layer's process family.
var DefaultFamilyPatterns = []string{"wine", "wineserver", ".exe"}

// Duration is a time.Duration which unmarshals from the usual Go syntax
// ("30s", "2h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the YAML surface. Optional fields are pointers so that an absent
// field is distinguishable from a zero; Settings fills the defaults.
type Config struct {
	MaxConcurrent  *int           `yaml:"max_concurrent,omitempty"`
	CPUThrottle    *float64       `yaml:"cpu_throttle_percent,omitempty"`
	WatchdogPoll   *Duration      `yaml:"watchdog_poll,omitempty"`
	TerminateGrace *Duration      `yaml:"terminate_grace,omitempty"`
	Budgets        *Budgets       `yaml:"budgets,omitempty"`
	OutputTail     *int           `yaml:"output_tail_bytes,omitempty"`
	Janitor        *JanitorConfig `yaml:"janitor,omitempty"`
	Verbose        *bool          `yaml:"verbose,omitempty"`
	Log            *string        `yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

// Budgets are the per-class runtime limits enforced by the watchdog.
type Budgets struct {
	Installer   *Duration `yaml:"installer,omitempty"`
	Application *Duration `yaml:"application,omitempty"`
	Default     *Duration `yaml:"default,omitempty"`
}

// JanitorConfig configures the periodic runaway-process sweep.
type JanitorConfig struct {
	Enabled        *bool     `yaml:"enabled,omitempty"`
	Interval       *Duration `yaml:"interval,omitempty"`
	RunawayCPU     *float64  `yaml:"runaway_cpu_percent,omitempty"`
	HotCPU         *float64  `yaml:"hot_cpu_percent,omitempty"`
	SuspendFor     *Duration `yaml:"suspend_for,omitempty"`
	FamilyPatterns []string  `yaml:"family_patterns,omitempty"`
}

func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxConcurrent != nil && *c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", *c.MaxConcurrent)
	}
	if c.CPUThrottle != nil && (*c.CPUThrottle <= 0 || *c.CPUThrottle > 100) {
		return fmt.Errorf("cpu_throttle_percent must be in (0, 100], got %g", *c.CPUThrottle)
	}
	if c.Janitor != nil {
		if c.Janitor.RunawayCPU != nil && c.Janitor.HotCPU != nil &&
			*c.Janitor.HotCPU >= *c.Janitor.RunawayCPU {
			return fmt.Errorf("janitor hot_cpu_percent %g must be below runaway_cpu_percent %g",
				*c.Janitor.HotCPU, *c.Janitor.RunawayCPU)
		}
	}
	return nil
}

// Settings is Config with every default applied; the concrete form the
// supervisor consumes.
type Settings struct {
	MaxConcurrent  int
	CPUThrottle    float64
	WatchdogPoll   time.Duration
	TerminateGrace time.Duration

	InstallerBudget   time.Duration
	ApplicationBudget time.Duration
	DefaultBudget     time.Duration

	OutputTail int

	Janitor JanitorSettings

	Verbose bool
	Log     string
}

type JanitorSettings struct {
	Enabled        bool
	Interval       time.Duration
	RunawayCPU     float64
	HotCPU         float64
	SuspendFor     time.Duration
	FamilyPatterns []string
}

func (c Config) Settings() Settings {
	s := Settings{
		MaxConcurrent:     orElse(c.MaxConcurrent, DefaultMaxConcurrent),
		CPUThrottle:       orElse(c.CPUThrottle, DefaultCPUThrottle),
		WatchdogPoll:      durOrElse(c.WatchdogPoll, DefaultWatchdogPoll),
		TerminateGrace:    durOrElse(c.TerminateGrace, DefaultTerminateGrace),
		InstallerBudget:   DefaultInstallerBudget,
		ApplicationBudget: DefaultApplicationBudget,
		DefaultBudget:     DefaultRunBudget,
		OutputTail:        orElse(c.OutputTail, DefaultOutputTail),
		Verbose:           orElse(c.Verbose, false),
		Log:               orElse(c.Log, "stderr"),
	}
	if c.Budgets != nil {
		s.InstallerBudget = durOrElse(c.Budgets.Installer, DefaultInstallerBudget)
		s.ApplicationBudget = durOrElse(c.Budgets.Application, DefaultApplicationBudget)
		s.DefaultBudget = durOrElse(c.Budgets.Default, DefaultRunBudget)
	}

	s.Janitor = JanitorSettings{
		Enabled:        true,
		Interval:       DefaultJanitorInterval,
		RunawayCPU:     DefaultRunawayCPU,
		HotCPU:         DefaultHotCPU,
		SuspendFor:     DefaultSuspendFor,
		FamilyPatterns: DefaultFamilyPatterns,
	}
	if j := c.Janitor; j != nil {
		s.Janitor.Enabled = orElse(j.Enabled, true)
		s.Janitor.Interval = durOrElse(j.Interval, DefaultJanitorInterval)
		s.Janitor.RunawayCPU = orElse(j.RunawayCPU, DefaultRunawayCPU)
		s.Janitor.HotCPU = orElse(j.HotCPU, DefaultHotCPU)
		s.Janitor.SuspendFor = durOrElse(j.SuspendFor, DefaultSuspendFor)
		if len(j.FamilyPatterns) > 0 {
			s.Janitor.FamilyPatterns = j.FamilyPatterns
		}
	}
	return s
}

func orElse[T any](pt *T, def T) T {
	if pt == nil {
		return def
	}
	return *pt
}

func durOrElse(pt *Duration, def time.Duration) time.Duration {
	if pt == nil {
		return def
	}
	return time.Duration(*pt)
}
