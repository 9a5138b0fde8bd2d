// Package config loads and saves the YAML description of a telescope: its
// planes, which of their parameters float in the alignment, and the fit,
// alignment, MQTT and HTTP settings of a run.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/svtalign/align"
	"github.com/kwv/svtalign/linalg"
	"github.com/kwv/svtalign/track"
)

// Defaults for omitted fields.
const (
	DefaultPublishPrefix    = "svtalign"
	DefaultHTTPPort         = 8080
	DefaultIterations       = 5
	DefaultVectorResolution = 150
)

// Config represents the full configuration file
type Config struct {
	MQTT             MQTTConfig       `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP             HTTPConfig       `yaml:"http,omitempty" json:"http,omitempty"`
	Fit              track.FitOptions `yaml:"fit,omitempty" json:"fit,omitempty"`
	Alignment        AlignmentConfig  `yaml:"alignment,omitempty" json:"alignment,omitempty"`
	VectorResolution float64          `yaml:"vectorResolution,omitempty" json:"vectorResolution,omitempty"` // Event display PNG DPI (default 150)
	Planes           []PlaneConfig    `yaml:"planes" json:"planes"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables
// publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the service listener settings.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// AlignmentConfig controls the alignment loop.
type AlignmentConfig struct {
	Iterations            int       `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	Workers               int       `yaml:"workers,omitempty" json:"workers,omitempty"` // 0 = GOMAXPROCS
	MaxChi2PerNDF         float64   `yaml:"maxChi2PerNdf,omitempty" json:"maxChi2PerNdf,omitempty"`
	StopWhenInsignificant bool      `yaml:"stopWhenInsignificant,omitempty" json:"stopWhenInsignificant,omitempty"`
	InitialPoint          []float64 `yaml:"initialPoint,omitempty" json:"initialPoint,omitempty"`
	InitialDirection      []float64 `yaml:"initialDirection,omitempty" json:"initialDirection,omitempty"`
}

// PlaneConfig defines one sensor plane. The orientation is given either as
// angles (x, y, z in radians, composed z·y·x) or as a row-major rotation
// matrix; rotation wins when both are present.
type PlaneConfig struct {
	ID         int       `yaml:"id" json:"id"`
	Name       string    `yaml:"name,omitempty" json:"name,omitempty"`
	Origin     []float64 `yaml:"origin,flow" json:"origin"`
	Angles     []float64 `yaml:"angles,flow,omitempty" json:"angles,omitempty"`
	Rotation   []float64 `yaml:"rotation,flow,omitempty" json:"rotation,omitempty"`
	Resolution []float64 `yaml:"resolution,flow" json:"resolution"` // σu, σv in mm; 0 = not measured
	Width      float64   `yaml:"width,omitempty" json:"width,omitempty"`
	Height     float64   `yaml:"height,omitempty" json:"height,omitempty"`
	Align      []int     `yaml:"align,flow,omitempty" json:"align,omitempty"` // du dv dw alpha beta gamma
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration without modifying it.
func (c *Config) Validate() error {
	if len(c.Planes) == 0 {
		return fmt.Errorf("at least one plane must be defined")
	}
	seen := make(map[int]bool, len(c.Planes))
	for i, pc := range c.Planes {
		if pc.ID <= 0 {
			return fmt.Errorf("planes[%d].id must be positive", i)
		}
		if seen[pc.ID] {
			return fmt.Errorf("planes[%d].id %d is duplicated", i, pc.ID)
		}
		seen[pc.ID] = true
		if _, err := pc.Plane(); err != nil {
			return fmt.Errorf("planes[%d]: %w", i, err)
		}
		if pc.Align != nil {
			if _, err := align.MaskFromInts(pc.Align); err != nil {
				return fmt.Errorf("planes[%d].align: %w", i, err)
			}
		}
	}

	if c.Fit.MaxIterations < 0 {
		return fmt.Errorf("fit.maxIterations must not be negative")
	}
	if c.Fit.ChiSquareTolerance < 0 {
		return fmt.Errorf("fit.chi2Tolerance must not be negative")
	}
	a := c.Alignment
	if a.Iterations < 0 || a.Workers < 0 || a.MaxChi2PerNDF < 0 {
		return fmt.Errorf("alignment.iterations, workers and maxChi2PerNdf must not be negative")
	}
	if a.InitialPoint != nil && len(a.InitialPoint) != 3 {
		return fmt.Errorf("alignment.initialPoint needs 3 values, got %d", len(a.InitialPoint))
	}
	if a.InitialDirection != nil {
		if len(a.InitialDirection) != 3 {
			return fmt.Errorf("alignment.initialDirection needs 3 values, got %d", len(a.InitialDirection))
		}
		if a.InitialDirection[2] == 0 {
			return fmt.Errorf("alignment.initialDirection must have a non-zero z component")
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultPublishPrefix
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Alignment.Iterations == 0 {
		c.Alignment.Iterations = DefaultIterations
	}
	if c.VectorResolution == 0 {
		c.VectorResolution = DefaultVectorResolution
	}
	c.Fit = c.Fit.WithDefaults()
}

// Plane builds the detector plane.
func (pc PlaneConfig) Plane() (track.DetectorPlane, error) {
	origin, err := vec3("origin", pc.Origin)
	if err != nil {
		return track.DetectorPlane{}, err
	}
	if len(pc.Resolution) != 2 {
		return track.DetectorPlane{}, fmt.Errorf("resolution needs 2 values, got %d", len(pc.Resolution))
	}
	if pc.Resolution[0] < 0 || pc.Resolution[1] < 0 || pc.Resolution[0]+pc.Resolution[1] == 0 {
		return track.DetectorPlane{}, fmt.Errorf("resolution must be non-negative with at least one measured axis")
	}
	if pc.Width < 0 || pc.Height < 0 {
		return track.DetectorPlane{}, fmt.Errorf("width and height must not be negative")
	}

	var rotation linalg.Mat3
	switch {
	case pc.Rotation != nil:
		if len(pc.Rotation) != 9 {
			return track.DetectorPlane{}, fmt.Errorf("rotation needs 9 values, got %d", len(pc.Rotation))
		}
		copy(rotation[:], pc.Rotation)
		if e := rotation.OrthonormalityError(); e > 1e-6 {
			return track.DetectorPlane{}, fmt.Errorf("rotation is not orthonormal (error %.3g)", e)
		}
	case pc.Angles != nil:
		angles, err := vec3("angles", pc.Angles)
		if err != nil {
			return track.DetectorPlane{}, err
		}
		rotation = linalg.ComposeRotation(angles)
	default:
		return track.DetectorPlane{}, fmt.Errorf("either angles or rotation is required")
	}

	return track.DetectorPlane{
		ID:         pc.ID,
		Name:       pc.Name,
		Rotation:   rotation,
		Origin:     origin,
		Resolution: [2]float64{pc.Resolution[0], pc.Resolution[1]},
		Width:      pc.Width,
		Height:     pc.Height,
	}, nil
}

func vec3(field string, v []float64) (linalg.Vec3, error) {
	if len(v) != 3 {
		return linalg.Vec3{}, fmt.Errorf("%s needs 3 values, got %d", field, len(v))
	}
	return linalg.Vec3{v[0], v[1], v[2]}, nil
}

// DetectorPlanes builds the geometry in file order.
func (c *Config) DetectorPlanes() ([]track.DetectorPlane, error) {
	planes := make([]track.DetectorPlane, len(c.Planes))
	for i, pc := range c.Planes {
		p, err := pc.Plane()
		if err != nil {
			return nil, fmt.Errorf("planes[%d]: %w", i, err)
		}
		planes[i] = p
	}
	return planes, nil
}

// Masks returns the alignment mask of every plane that floats at least one
// parameter.
func (c *Config) Masks() (map[int]align.Mask, error) {
	masks := make(map[int]align.Mask)
	for i, pc := range c.Planes {
		if pc.Align == nil {
			continue
		}
		m, err := align.MaskFromInts(pc.Align)
		if err != nil {
			return nil, fmt.Errorf("planes[%d].align: %w", i, err)
		}
		if m.Floated() > 0 {
			masks[pc.ID] = m
		}
	}
	return masks, nil
}

// FitOptions returns the track fit options with defaults filled in.
func (c *Config) FitOptions() track.FitOptions {
	return c.Fit.WithDefaults()
}

// AlignConfig returns the settings of the alignment loop.
func (c *Config) AlignConfig() align.Config {
	cfg := align.DefaultConfig()
	if c.Alignment.Iterations > 0 {
		cfg.Iterations = c.Alignment.Iterations
	}
	cfg.Workers = c.Alignment.Workers
	cfg.Fit = c.FitOptions()
	cfg.MaxChiSquarePerNDF = c.Alignment.MaxChi2PerNDF
	cfg.StopWhenInsignificant = c.Alignment.StopWhenInsignificant
	if len(c.Alignment.InitialPoint) == 3 {
		cfg.InitialPoint = linalg.Vec3(c.Alignment.InitialPoint)
	}
	if len(c.Alignment.InitialDirection) == 3 {
		cfg.InitialDirection = linalg.Vec3(c.Alignment.InitialDirection)
	}
	return cfg
}

// FromGeometry describes planes as a configuration, writing each
// orientation as a full rotation matrix so a reload reproduces it exactly.
// Planes with a mask in masks get an align entry.
func FromGeometry(planes []track.DetectorPlane, masks map[int]align.Mask) *Config {
	c := &Config{Planes: make([]PlaneConfig, len(planes))}
	for i, p := range planes {
		pc := PlaneConfig{
			ID:         p.ID,
			Name:       p.Name,
			Origin:     p.Origin[:],
			Rotation:   p.Rotation[:],
			Resolution: p.Resolution[:],
			Width:      p.Width,
			Height:     p.Height,
		}
		if m, ok := masks[p.ID]; ok {
			pc.Align = m.Ints()
		}
		c.Planes[i] = pc
	}
	return c
}

// Synthetic returns the configuration of the built-in 12-plane telescope
// with the given masks.
func Synthetic(masks map[int]align.Mask) *Config {
	c := FromGeometry(track.SyntheticDetector(), masks)
	for i, p := range track.SyntheticDetector() {
		a := p.Angles()
		c.Planes[i].Rotation = nil
		c.Planes[i].Angles = a[:]
	}
	c.applyDefaults()
	return c
}
