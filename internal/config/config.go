package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CELLPOP"

// Config is the full run configuration. Keys follow the mapstructure tags; in
// the environment they are upper-cased, prefixed with CELLPOP_ and have dots
// replaced by underscores.
type Config struct {
	Population         int             `mapstructure:"population" yaml:"population" json:"population"`
	ExperimentHours    float64         `mapstructure:"experiment_hours" yaml:"experiment_hours" json:"experiment_hours"`
	PreincubationHours float64         `mapstructure:"preincubation_hours" yaml:"preincubation_hours" json:"preincubation_hours"`
	Gen0Hours          float64         `mapstructure:"gen0_hours" yaml:"gen0_hours" json:"gen0_hours"`
	HistoryWindowHours float64         `mapstructure:"history_window_hours" yaml:"history_window_hours" json:"history_window_hours"`
	Workers            int             `mapstructure:"workers" yaml:"workers" json:"workers"`
	Seed               int64           `mapstructure:"seed" yaml:"seed" json:"seed"`
	MaxGenerations     int             `mapstructure:"max_generations" yaml:"max_generations" json:"max_generations"`
	Deterministic      bool            `mapstructure:"deterministic" yaml:"deterministic" json:"deterministic"`
	Solver             string          `mapstructure:"solver" yaml:"solver" json:"solver"`
	SolverStepHours    float64         `mapstructure:"solver_step_hours" yaml:"solver_step_hours" json:"solver_step_hours"`
	Detection          DetectionConfig `mapstructure:"detection" yaml:"detection" json:"detection"`
	DownsampleStride   int             `mapstructure:"downsample_stride" yaml:"downsample_stride" json:"downsample_stride"`
	Stimuli            []Stimulus      `mapstructure:"stimuli" yaml:"stimuli" json:"stimuli"`
	Drug               DrugConfig      `mapstructure:"drug" yaml:"drug" json:"drug"`
	Store              StoreConfig     `mapstructure:"store" yaml:"store" json:"store"`
	Logging            LoggingConfig   `mapstructure:"logging" yaml:"logging" json:"logging"`
	ArtifactsDir       string          `mapstructure:"artifacts_dir" yaml:"artifacts_dir" json:"artifacts_dir"`
	MetricsAddr        string          `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
}

type DetectionConfig struct {
	PeakHeight      float64 `mapstructure:"peak_height" yaml:"peak_height" json:"peak_height"`
	TroughThreshold float64 `mapstructure:"trough_threshold" yaml:"trough_threshold" json:"trough_threshold"`
	CycleMarker     string  `mapstructure:"cycle_marker" yaml:"cycle_marker" json:"cycle_marker"`
	IntactMarker    string  `mapstructure:"intact_marker" yaml:"intact_marker" json:"intact_marker"`
	CleavedMarker   string  `mapstructure:"cleaved_marker" yaml:"cleaved_marker" json:"cleaved_marker"`
}

// Stimulus is a species held at a fixed value from generation 0 onward.
// Species names are case-sensitive, so stimuli are a list rather than a map.
type Stimulus struct {
	Species string  `mapstructure:"species" yaml:"species" json:"species"`
	Value   float64 `mapstructure:"value" yaml:"value" json:"value"`
}

type DrugConfig struct {
	Species string  `mapstructure:"species" yaml:"species" json:"species"`
	Dose    float64 `mapstructure:"dose" yaml:"dose" json:"dose"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"`
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
}

func Default() Config {
	return Config{
		Population:         10,
		ExperimentHours:    72,
		PreincubationHours: 24,
		Gen0Hours:          24,
		HistoryWindowHours: 4,
		Workers:            4,
		Seed:               1,
		MaxGenerations:     0,
		Deterministic:      false,
		Solver:             "cycle",
		SolverStepHours:    0.1,
		Detection: DetectionConfig{
			PeakHeight:      30,
			TroughThreshold: 2,
			CycleMarker:     "Mb",
			IntactMarker:    "PARP",
			CleavedMarker:   "cPARP",
		},
		DownsampleStride: 5,
		Stimuli:          []Stimulus{{Species: "E", Value: 1}},
		Drug:             DrugConfig{Species: "trame_EC", Dose: 0},
		Store:            StoreConfig{Kind: "memory"},
		Logging:          LoggingConfig{Level: "info"},
	}
}

// StimuliMap returns the stimuli keyed by species.
func (c Config) StimuliMap() map[string]float64 {
	out := make(map[string]float64, len(c.Stimuli))
	for _, s := range c.Stimuli {
		out[s.Species] = s.Value
	}
	return out
}

// Map renders the config as a generic map for run records.
func (c Config) Map() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal renders the config as YAML.
func Marshal(c Config) ([]byte, error) {
	return yaml.Marshal(c)
}

// SetDefaults registers every key with its default so that environment
// variables are picked up on Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("population", d.Population)
	v.SetDefault("experiment_hours", d.ExperimentHours)
	v.SetDefault("preincubation_hours", d.PreincubationHours)
	v.SetDefault("gen0_hours", d.Gen0Hours)
	v.SetDefault("history_window_hours", d.HistoryWindowHours)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("max_generations", d.MaxGenerations)
	v.SetDefault("deterministic", d.Deterministic)
	v.SetDefault("solver", d.Solver)
	v.SetDefault("solver_step_hours", d.SolverStepHours)

	v.SetDefault("detection.peak_height", d.Detection.PeakHeight)
	v.SetDefault("detection.trough_threshold", d.Detection.TroughThreshold)
	v.SetDefault("detection.cycle_marker", d.Detection.CycleMarker)
	v.SetDefault("detection.intact_marker", d.Detection.IntactMarker)
	v.SetDefault("detection.cleaved_marker", d.Detection.CleavedMarker)

	v.SetDefault("downsample_stride", d.DownsampleStride)
	v.SetDefault("stimuli", d.Stimuli)
	v.SetDefault("drug.species", d.Drug.Species)
	v.SetDefault("drug.dose", d.Drug.Dose)
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("artifacts_dir", d.ArtifactsDir)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

// NewViper returns a viper instance with defaults and CELLPOP_* environment
// lookup configured.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML config file into v. An empty path searches for
// cellpop.yaml in the working directory and is not an error when absent.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	v.SetConfigName("cellpop")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
