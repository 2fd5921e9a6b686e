// Package config loads the run settings: detector and source geometry, output
// toggles, the magnetic field model, and the ambient logging/catalog/store
// locations. Settings are read once and treated as immutable for the run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tgfsim/detection"
	"tgfsim/magfield"
	"tgfsim/magmodel"
	"tgfsim/sanity"
)

// EnvPath names the environment variable consulted when no --config flag is given.
const EnvPath = "TGFSIM_CONFIG"

// Config represents the complete run configuration.
type Config struct {
	Run        RunConfig        `yaml:"run"`
	Record     RecordConfig     `yaml:"record"`
	Source     SourceConfig     `yaml:"source"`
	Field      FieldConfig      `yaml:"field"`
	Sanity     SanityConfig     `yaml:"sanity"`
	Logging    LoggingConfig    `yaml:"logging"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	FieldStore FieldStoreConfig `yaml:"field_store"`

	// LoadedFrom is the file or directory the settings came from.
	LoadedFrom string `yaml:"-"`
}

// RunConfig sizes the worker pool.
type RunConfig struct {
	Workers int `yaml:"workers"`
}

// RecordConfig controls the detection output files.
type RecordConfig struct {
	AltitudeM   float64      `yaml:"record_altitude_m"`
	ASCIIOutput *bool        `yaml:"ascii_output"`
	PhotonsOnly bool         `yaml:"photons_only"`
	BufferLines int          `yaml:"buffer_lines"`
	OutputDir   string       `yaml:"output_dir"`
	Window      WindowConfig `yaml:"window"`
}

// WindowConfig is the lat/lon recording box; bounds are exclusive.
type WindowConfig struct {
	Enabled bool    `yaml:"enabled"`
	MinLat  float64 `yaml:"min_lat"`
	MaxLat  float64 `yaml:"max_lat"`
	MinLon  float64 `yaml:"min_lon"`
	MaxLon  float64 `yaml:"max_lon"`
}

// SourceConfig describes the emitting region.
type SourceConfig struct {
	AltitudeM       float64 `yaml:"altitude_m"`
	OpeningAngleDeg float64 `yaml:"opening_angle_deg"`
	TiltAngleDeg    float64 `yaml:"tilt_angle_deg"`
	Beaming         string  `yaml:"beaming"`
	SigmaTimeUs     float64 `yaml:"sigma_time_us"`
	LatDeg          float64 `yaml:"lat_deg"`
	LongDeg         float64 `yaml:"long_deg"`
}

// FieldConfig selects the geomagnetic model and evaluation date.
type FieldConfig struct {
	Model         string      `yaml:"model"`
	DataDir       string      `yaml:"data_dir"`
	Date          DateConfig  `yaml:"date"`
	Cache         CacheConfig `yaml:"cache"`
	NumericChecks *bool       `yaml:"numeric_checks"`
}

// DateConfig is the calendar date the field is evaluated at.
type DateConfig struct {
	Year  int `yaml:"year"`
	Month int `yaml:"month"`
	Day   int `yaml:"day"`
}

// CacheConfig enables the per-worker last-point cache.
type CacheConfig struct {
	Enabled bool    `yaml:"enabled"`
	RadiusM float64 `yaml:"radius_m"`
}

// SanityConfig controls the start-up reference comparison. ToleranceNT may
// be omitted; any value other than sanity.ToleranceNT is rejected.
type SanityConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	Path        string  `yaml:"path"`
	ToleranceNT float64 `yaml:"tolerance_nt"`
}

// LoggingConfig controls the daily log files.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// CatalogConfig points at the SQLite run catalog. An empty path disables it.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// FieldStoreConfig points at the Pebble field sample table used by grid runs.
type FieldStoreConfig struct {
	Path        string `yaml:"path"`
	CacheSizeMB int    `yaml:"cache_size_mb"`
}

// DefaultConfig returns a pinned default configuration.
func DefaultConfig() Config {
	ascii := true
	checks := true
	sanityOn := true
	return Config{
		Run: RunConfig{Workers: runtime.NumCPU()},
		Record: RecordConfig{
			AltitudeM:   400000,
			ASCIIOutput: &ascii,
			BufferLines: detection.DefaultBufferLines,
			OutputDir:   detection.DefaultOutputDir,
		},
		Source: SourceConfig{
			AltitudeM:       15000,
			OpeningAngleDeg: 30,
			Beaming:         "Uniform",
			SigmaTimeUs:     20,
		},
		Field: FieldConfig{
			Model:         string(magmodel.IGRF),
			DataDir:       "./mag_data",
			Date:          DateConfig{Year: 2015, Month: 6, Day: 15},
			Cache:         CacheConfig{RadiusM: magfield.DefaultCacheRadiusM},
			NumericChecks: &checks,
		},
		Sanity: SanityConfig{
			Enabled:     &sanityOn,
			Path:        sanity.DefaultPath,
			ToleranceNT: sanity.ToleranceNT,
		},
		Logging: LoggingConfig{
			Dir:           "./logs",
			RetentionDays: 7,
		},
		FieldStore: FieldStoreConfig{
			Path:        "./data/fieldstore",
			CacheSizeMB: 64,
		},
	}
}

// normalize fills defaults for unset or non-positive values.
func (c *Config) normalize() {
	if c == nil {
		return
	}
	def := DefaultConfig()
	if c.Run.Workers <= 0 {
		c.Run.Workers = def.Run.Workers
	}
	if c.Record.ASCIIOutput == nil {
		c.Record.ASCIIOutput = def.Record.ASCIIOutput
	}
	if c.Record.BufferLines <= 0 {
		c.Record.BufferLines = def.Record.BufferLines
	}
	c.Record.OutputDir = strings.TrimSpace(c.Record.OutputDir)
	if c.Record.OutputDir == "" {
		c.Record.OutputDir = def.Record.OutputDir
	}
	c.Source.Beaming = strings.TrimSpace(c.Source.Beaming)
	if c.Source.Beaming == "" {
		c.Source.Beaming = def.Source.Beaming
	}
	c.Field.Model = strings.TrimSpace(c.Field.Model)
	if c.Field.Model == "" {
		c.Field.Model = def.Field.Model
	}
	c.Field.DataDir = strings.TrimSpace(c.Field.DataDir)
	if c.Field.DataDir == "" {
		c.Field.DataDir = def.Field.DataDir
	}
	if c.Field.Date == (DateConfig{}) {
		c.Field.Date = def.Field.Date
	}
	if c.Field.Cache.RadiusM <= 0 {
		c.Field.Cache.RadiusM = def.Field.Cache.RadiusM
	}
	if c.Field.NumericChecks == nil {
		c.Field.NumericChecks = def.Field.NumericChecks
	}
	if c.Sanity.Enabled == nil {
		c.Sanity.Enabled = def.Sanity.Enabled
	}
	c.Sanity.Path = strings.TrimSpace(c.Sanity.Path)
	if c.Sanity.Path == "" {
		c.Sanity.Path = def.Sanity.Path
	}
	if c.Sanity.ToleranceNT == 0 {
		c.Sanity.ToleranceNT = def.Sanity.ToleranceNT
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = def.Logging.RetentionDays
	}
	c.Catalog.Path = strings.TrimSpace(c.Catalog.Path)
	if strings.TrimSpace(c.FieldStore.Path) == "" {
		c.FieldStore.Path = def.FieldStore.Path
	}
	if c.FieldStore.CacheSizeMB <= 0 {
		c.FieldStore.CacheSizeMB = def.FieldStore.CacheSizeMB
	}
}

// Purpose: Load settings from a YAML file or a directory of YAML files.
// Key aspects: Directory files are merged in lexical order, later files
// overriding earlier keys. Defaults are applied after merging.
// Upstream: main command setup.
// Downstream: yaml.Unmarshal, normalize.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		cfg.normalize()
		return &cfg, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.normalize()
	cfg.LoadedFrom = path
	return &cfg, nil
}

// LoadFile loads settings and validates them.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files in config directory %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// Validate performs sanity checks on the configuration. An unknown field
// model surfaces as *magmodel.ConfigError.
func (c *Config) Validate() error {
	if _, err := magmodel.ParseKind(c.Field.Model); err != nil {
		return err
	}
	if _, err := detection.ParseBeaming(c.Source.Beaming); err != nil {
		return fmt.Errorf("source.beaming: %w", err)
	}
	d := c.Field.Date
	if d.Year <= 0 {
		return fmt.Errorf("field.date.year must be > 0")
	}
	if d.Month < 1 || d.Month > 12 {
		return fmt.Errorf("field.date.month must be in 1..12")
	}
	if d.Day < 1 || d.Day > 31 {
		return fmt.Errorf("field.date.day must be in 1..31")
	}
	if c.Sanity.ToleranceNT != sanity.ToleranceNT {
		return fmt.Errorf("sanity.tolerance_nt is fixed at %.0f nT, got %g", sanity.ToleranceNT, c.Sanity.ToleranceNT)
	}
	w := c.Record.Window
	if w.Enabled && (w.MinLat >= w.MaxLat || w.MinLon >= w.MaxLon) {
		return fmt.Errorf("record.window bounds must satisfy min < max")
	}
	if c.Record.AltitudeM < 0 {
		return fmt.Errorf("record.record_altitude_m must be >= 0")
	}
	return nil
}

// ModelKind returns the parsed model name. Call after Validate.
func (c *Config) ModelKind() magmodel.Kind {
	kind, _ := magmodel.ParseKind(c.Field.Model)
	return kind
}

// DecimalYear converts the configured date.
func (c *Config) DecimalYear() float64 {
	d := c.Field.Date
	return magfield.DecimalYear(d.Year, d.Month, d.Day)
}

// ASCIIEnabled reports whether detection files are written.
func (c *Config) ASCIIEnabled() bool {
	return c.Record.ASCIIOutput == nil || *c.Record.ASCIIOutput
}

// NumericChecksEnabled reports whether the field evaluator guards NaN/Inf.
func (c *Config) NumericChecksEnabled() bool {
	return c.Field.NumericChecks == nil || *c.Field.NumericChecks
}

// SanityEnabled reports whether the reference comparison runs at start-up.
func (c *Config) SanityEnabled() bool {
	return c.Sanity.Enabled == nil || *c.Sanity.Enabled
}

// RecorderOptions maps the settings onto detection.Options. Altitudes are
// converted to km for the file name and output columns.
func (c *Config) RecorderOptions() detection.Options {
	beaming, _ := detection.ParseBeaming(c.Source.Beaming)
	w := c.Record.Window
	return detection.Options{
		OutputDir:        c.Record.OutputDir,
		RecordAltitudeKm: c.Record.AltitudeM / 1000.0,
		BufferLines:      c.Record.BufferLines,
		ASCII:            c.ASCIIEnabled(),
		PhotonsOnly:      c.Record.PhotonsOnly,
		Window: detection.Window{
			Enabled: w.Enabled,
			MinLat:  w.MinLat,
			MaxLat:  w.MaxLat,
			MinLon:  w.MinLon,
			MaxLon:  w.MaxLon,
		},
		Source: detection.Source{
			AltitudeKm:      c.Source.AltitudeM / 1000.0,
			OpeningAngleDeg: c.Source.OpeningAngleDeg,
			TiltAngleDeg:    c.Source.TiltAngleDeg,
			Beaming:         beaming,
			SigmaTime:       c.Source.SigmaTimeUs,
			LatDeg:          c.Source.LatDeg,
			LongDeg:         c.Source.LongDeg,
		},
	}
}

// Print displays the configuration
func (c *Config) Print() {
	d := c.Field.Date
	fmt.Printf("Field: %s from %s at %04d-%02d-%02d (decimal year %.4f)\n",
		c.Field.Model, c.Field.DataDir, d.Year, d.Month, d.Day, c.DecimalYear())
	if c.Field.Cache.Enabled {
		fmt.Printf("Field cache: radius %.1f m\n", c.Field.Cache.RadiusM)
	}
	fmt.Printf("Source: %.0f m, opening %.1f deg, tilt %.1f deg, %s beaming, sigma %.1f us\n",
		c.Source.AltitudeM, c.Source.OpeningAngleDeg, c.Source.TiltAngleDeg, c.Source.Beaming, c.Source.SigmaTimeUs)
	fmt.Printf("Record: altitude %.0f m, workers %d, buffer %d lines, output %s\n",
		c.Record.AltitudeM, c.Run.Workers, c.Record.BufferLines, c.Record.OutputDir)
	if !c.ASCIIEnabled() {
		fmt.Printf("Record: ASCII output disabled\n")
	}
	if c.Record.PhotonsOnly {
		fmt.Printf("Record: photons only\n")
	}
	if w := c.Record.Window; w.Enabled {
		fmt.Printf("Record window: lat (%.2f, %.2f) lon (%.2f, %.2f)\n", w.MinLat, w.MaxLat, w.MinLon, w.MaxLon)
	}
	if c.SanityEnabled() {
		fmt.Printf("Sanity: %s (tolerance %.0f nT)\n", c.Sanity.Path, c.Sanity.ToleranceNT)
	}
	if c.Catalog.Path != "" {
		fmt.Printf("Catalog: %s\n", c.Catalog.Path)
	}
}
