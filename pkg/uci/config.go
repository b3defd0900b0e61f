package uci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/api"
	"github.com/markus-lassfolk/precision-location/pkg/deadreckon"
	"github.com/markus-lassfolk/precision-location/pkg/estimator"
	"github.com/markus-lassfolk/precision-location/pkg/filter"
	"github.com/markus-lassfolk/precision-location/pkg/fusion"
	"github.com/markus-lassfolk/precision-location/pkg/gps"
	"github.com/markus-lassfolk/precision-location/pkg/metrics"
	"github.com/markus-lassfolk/precision-location/pkg/mqtt"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

// DefaultConfigPath is where OpenWrt keeps the package configuration
const DefaultConfigPath = "/etc/config/precision"

// Config represents the precision location daemon configuration
type Config struct {
	// Main configuration
	LogLevel     string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`
	TrackingMode string `json:"tracking_mode" yaml:"tracking_mode" validate:"oneof=high_accuracy balanced low_power"`

	Estimation EstimationConfig `json:"estimation" yaml:"estimation"`
	Sources    SourcesConfig    `json:"sources" yaml:"sources"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	API        APIConfig        `json:"api" yaml:"api"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

// EstimationConfig tunes the fusion, filter and dead-reckoning pipeline
type EstimationConfig struct {
	TickIntervalMS      int     `json:"tick_interval_ms" yaml:"tick_interval_ms" validate:"min=10,max=1000"`
	BufferWindowS       int     `json:"buffer_window_s" yaml:"buffer_window_s" validate:"min=1,max=60"`
	MaxPerSource        int     `json:"max_per_source" yaml:"max_per_source" validate:"min=1,max=10000"`
	FutureToleranceS    int     `json:"future_tolerance_s" yaml:"future_tolerance_s" validate:"min=0,max=60"`
	GoodFixAccuracyM    float64 `json:"good_fix_accuracy_m" yaml:"good_fix_accuracy_m" validate:"gt=0,lte=100"`
	SatelliteWeight     float64 `json:"satellite_weight" yaml:"satellite_weight" validate:"gt=0,lte=1"`
	NetworkWeight       float64 `json:"network_weight" yaml:"network_weight" validate:"gte=0,lt=1"`
	GapTimeoutS         int     `json:"gap_timeout_s" yaml:"gap_timeout_s" validate:"min=1,max=300"`
	MaxGapS             int     `json:"max_gap_s" yaml:"max_gap_s" validate:"min=1,max=3600"`
	MaxDriftS           int     `json:"max_drift_s" yaml:"max_drift_s" validate:"min=1,max=3600"`
	MaxStepS            int     `json:"max_step_s" yaml:"max_step_s" validate:"min=1,max=60"`
	DecayFactor         float64 `json:"decay_factor" yaml:"decay_factor" validate:"gt=0,lte=1"`
	MinUsableConfidence float64 `json:"min_usable_confidence" yaml:"min_usable_confidence" validate:"gt=0,lte=1"`
	ConfidenceBoost     float64 `json:"confidence_boost" yaml:"confidence_boost" validate:"gte=1,lte=2"`
	PositionNoise       float64 `json:"position_noise" yaml:"position_noise" validate:"gt=0"`
	VelocityNoise       float64 `json:"velocity_noise" yaml:"velocity_noise" validate:"gt=0"`
	MeasurementNoise    float64 `json:"measurement_noise" yaml:"measurement_noise" validate:"gt=0"`
	GravityAlpha        float64 `json:"gravity_alpha" yaml:"gravity_alpha" validate:"gt=0,lt=1"`
	OutputBuffer        int     `json:"output_buffer" yaml:"output_buffer" validate:"min=1,max=4096"`
}

// SourcesConfig selects and configures the position and motion providers
type SourcesConfig struct {
	NMEADevice         string `json:"nmea_device" yaml:"nmea_device"`
	GoogleAPIKey       string `json:"google_api_key" yaml:"google_api_key"`
	GoogleBaseURL      string `json:"google_base_url" yaml:"google_base_url" validate:"omitempty,url"`
	GoogleIntervalS    int    `json:"google_interval_s" yaml:"google_interval_s" validate:"min=1,max=3600"`
	GeoCachePath       string `json:"geo_cache_path" yaml:"geo_cache_path"`
	GeoCacheTTLH       int    `json:"geo_cache_ttl_h" yaml:"geo_cache_ttl_h" validate:"min=1,max=720"`
	GeoCacheMaxEntries int    `json:"geo_cache_max_entries" yaml:"geo_cache_max_entries" validate:"min=1,max=100000"`
	WiFiDevice         string `json:"wifi_device" yaml:"wifi_device"`
	MQTTFixes          bool   `json:"mqtt_fixes" yaml:"mqtt_fixes"`
	MQTTMotion         bool   `json:"mqtt_motion" yaml:"mqtt_motion"`
	RecordPath         string `json:"record_path" yaml:"record_path"`
	RecordQueueSize    int    `json:"record_queue_size" yaml:"record_queue_size" validate:"min=1,max=65536"`
	StatusIntervalS    int    `json:"status_interval_s" yaml:"status_interval_s" validate:"min=1,max=3600"`
}

// MQTTConfig holds broker settings for publishing and fix ingestion
type MQTTConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Broker          string `json:"broker" yaml:"broker" validate:"required_if=Enabled true"`
	Port            int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	ClientID        string `json:"client_id" yaml:"client_id"`
	Username        string `json:"username" yaml:"username"`
	Password        string `json:"password" yaml:"password"`
	TopicPrefix     string `json:"topic_prefix" yaml:"topic_prefix" validate:"required"`
	QoS             int    `json:"qos" yaml:"qos" validate:"min=0,max=2"`
	Retain          bool   `json:"retain" yaml:"retain"`
	MaxLocationRate int    `json:"max_location_rate" yaml:"max_location_rate" validate:"min=0,max=100"`
}

// APIConfig holds the HTTP API settings
type APIConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	AuthKey     string `json:"auth_key" yaml:"auth_key"`
	CertFile    string `json:"cert_file" yaml:"cert_file"`
	KeyFile     string `json:"key_file" yaml:"key_file" validate:"required_with=CertFile"`
	TrackLength int    `json:"track_length" yaml:"track_length" validate:"min=1,max=100000"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Path    string `json:"path" yaml:"path" validate:"startswith=/"`
}

// LoadConfig loads configuration from path. YAML files are decoded as
// such, anything else is read as UCI text. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := cfg.parseUCI(data); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.LogLevel = "info"
	c.TrackingMode = pkg.ModeHighAccuracy.String()

	c.Estimation = EstimationConfig{
		TickIntervalMS:      100,
		BufferWindowS:       5,
		MaxPerSource:        256,
		FutureToleranceS:    2,
		GoodFixAccuracyM:    5,
		SatelliteWeight:     0.7,
		NetworkWeight:       0.2,
		GapTimeoutS:         10,
		MaxGapS:             30,
		MaxDriftS:           60,
		MaxStepS:            10,
		DecayFactor:         0.9,
		MinUsableConfidence: 0.3,
		ConfidenceBoost:     1.1,
		PositionNoise:       0.5,
		VelocityNoise:       2.0,
		MeasurementNoise:    1.0,
		GravityAlpha:        0.8,
		OutputBuffer:        64,
	}

	c.Sources = SourcesConfig{
		GoogleIntervalS:    10,
		GeoCachePath:       gps.DefaultGeolocationCacheConfig().Path,
		GeoCacheTTLH:       24,
		GeoCacheMaxEntries: 5000,
		WiFiDevice:         "wlan0",
		RecordQueueSize:    1024,
		StatusIntervalS:    10,
	}

	c.MQTT = MQTTConfig{
		Broker:          "localhost",
		Port:            1883,
		ClientID:        "precisiond",
		TopicPrefix:     "precision",
		MaxLocationRate: 2,
	}

	c.API = APIConfig{
		Host:        "localhost",
		Port:        8081,
		TrackLength: 600,
	}

	c.Metrics = MetricsConfig{
		Host: "localhost",
		Port: 9101,
		Path: "/metrics",
	}
}

// parseUCI reads OpenWrt UCI text:
//
//	config <type> '<name>'
//	    option <name> '<value>'
func (c *Config) parseUCI(data []byte) error {
	var (
		errs        []error
		sectionType string
	)

	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "package":
		case "config":
			if len(fields) < 2 {
				errs = append(errs, fmt.Errorf("line %d: section without type", n+1))
				continue
			}
			sectionType = fields[1]
		case "option":
			if len(fields) < 3 {
				errs = append(errs, fmt.Errorf("line %d: option without value", n+1))
				continue
			}
			value := unquote(strings.Join(fields[2:], " "))
			if err := c.parseOption(sectionType, fields[1], value); err != nil {
				errs = append(errs, fmt.Errorf("line %d: %w", n+1, err))
			}
		case "list":
			// no list options are defined
		default:
			errs = append(errs, fmt.Errorf("line %d: unexpected %q", n+1, fields[0]))
		}
	}

	return errors.Join(errs...)
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// parseOption routes options to the section parsers
func (c *Config) parseOption(sectionType, option, value string) error {
	switch sectionType {
	case "precision", "main", "":
		return c.parseMainOption(option, value)
	case "estimation":
		return c.parseEstimationOption(option, value)
	case "sources":
		return c.parseSourcesOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	case "api":
		return c.parseAPIOption(option, value)
	case "metrics":
		return c.parseMetricsOption(option, value)
	}
	// Unknown sections belong to other tools sharing the file
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	switch option {
	case "log_level":
		c.LogLevel = value
	case "tracking_mode":
		c.TrackingMode = value
	}
	return nil
}

func (c *Config) parseEstimationOption(option, value string) error {
	e := &c.Estimation
	switch option {
	case "tick_interval_ms":
		return setInt(&e.TickIntervalMS, option, value)
	case "buffer_window_s":
		return setInt(&e.BufferWindowS, option, value)
	case "max_per_source":
		return setInt(&e.MaxPerSource, option, value)
	case "future_tolerance_s":
		return setInt(&e.FutureToleranceS, option, value)
	case "good_fix_accuracy_m":
		return setFloat(&e.GoodFixAccuracyM, option, value)
	case "satellite_weight":
		return setFloat(&e.SatelliteWeight, option, value)
	case "network_weight":
		return setFloat(&e.NetworkWeight, option, value)
	case "gap_timeout_s":
		return setInt(&e.GapTimeoutS, option, value)
	case "max_gap_s":
		return setInt(&e.MaxGapS, option, value)
	case "max_drift_s":
		return setInt(&e.MaxDriftS, option, value)
	case "max_step_s":
		return setInt(&e.MaxStepS, option, value)
	case "decay_factor":
		return setFloat(&e.DecayFactor, option, value)
	case "min_usable_confidence":
		return setFloat(&e.MinUsableConfidence, option, value)
	case "confidence_boost":
		return setFloat(&e.ConfidenceBoost, option, value)
	case "position_noise":
		return setFloat(&e.PositionNoise, option, value)
	case "velocity_noise":
		return setFloat(&e.VelocityNoise, option, value)
	case "measurement_noise":
		return setFloat(&e.MeasurementNoise, option, value)
	case "gravity_alpha":
		return setFloat(&e.GravityAlpha, option, value)
	case "output_buffer":
		return setInt(&e.OutputBuffer, option, value)
	}
	return nil
}

func (c *Config) parseSourcesOption(option, value string) error {
	s := &c.Sources
	switch option {
	case "nmea_device":
		s.NMEADevice = value
	case "google_api_key":
		s.GoogleAPIKey = value
	case "google_base_url":
		s.GoogleBaseURL = value
	case "google_interval_s":
		return setInt(&s.GoogleIntervalS, option, value)
	case "geo_cache_path":
		s.GeoCachePath = value
	case "geo_cache_ttl_h":
		return setInt(&s.GeoCacheTTLH, option, value)
	case "geo_cache_max_entries":
		return setInt(&s.GeoCacheMaxEntries, option, value)
	case "wifi_device":
		s.WiFiDevice = value
	case "mqtt_fixes":
		s.MQTTFixes = value == "1"
	case "mqtt_motion":
		s.MQTTMotion = value == "1"
	case "record_path":
		s.RecordPath = value
	case "record_queue_size":
		return setInt(&s.RecordQueueSize, option, value)
	case "status_interval_s":
		return setInt(&s.StatusIntervalS, option, value)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	m := &c.MQTT
	switch option {
	case "enabled":
		m.Enabled = value == "1"
	case "broker":
		m.Broker = value
	case "port":
		return setInt(&m.Port, option, value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "topic_prefix":
		m.TopicPrefix = value
	case "qos":
		return setInt(&m.QoS, option, value)
	case "retain":
		m.Retain = value == "1"
	case "max_location_rate":
		return setInt(&m.MaxLocationRate, option, value)
	}
	return nil
}

func (c *Config) parseAPIOption(option, value string) error {
	a := &c.API
	switch option {
	case "enabled":
		a.Enabled = value == "1"
	case "host":
		a.Host = value
	case "port":
		return setInt(&a.Port, option, value)
	case "auth_key":
		a.AuthKey = value
	case "cert_file":
		a.CertFile = value
	case "key_file":
		a.KeyFile = value
	case "track_length":
		return setInt(&a.TrackLength, option, value)
	}
	return nil
}

func (c *Config) parseMetricsOption(option, value string) error {
	m := &c.Metrics
	switch option {
	case "enabled":
		m.Enabled = value == "1"
	case "host":
		m.Host = value
	case "port":
		return setInt(&m.Port, option, value)
	case "path":
		m.Path = value
	}
	return nil
}

func setInt(dst *int, option, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("option %s: invalid integer %q", option, value)
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, option, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("option %s: invalid number %q", option, value)
	}
	*dst = v
	return nil
}

// Mode returns the configured tracking mode
func (c *Config) Mode() pkg.TrackingMode {
	mode, err := pkg.ParseTrackingMode(c.TrackingMode)
	if err != nil {
		return pkg.ModeHighAccuracy
	}
	return mode
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// TrackerConfig maps the estimation section onto the tracking session
func (c *Config) TrackerConfig() *estimator.Config {
	e := c.Estimation
	return &estimator.Config{
		TickInterval:        time.Duration(e.TickIntervalMS) * time.Millisecond,
		MinUsableConfidence: float32(e.MinUsableConfidence),
		MaxGap:              seconds(e.MaxGapS),
		OutputBuffer:        e.OutputBuffer,
		Buffer: &fusion.BufferConfig{
			Window:          seconds(e.BufferWindowS),
			MaxPerSource:    e.MaxPerSource,
			FutureTolerance: seconds(e.FutureToleranceS),
		},
		Engine: &fusion.EngineConfig{
			GoodFixAccuracy: float32(e.GoodFixAccuracyM),
			SatelliteWeight: e.SatelliteWeight,
			NetworkWeight:   e.NetworkWeight,
		},
		Filter: &filter.Config{
			PositionNoise:       e.PositionNoise,
			VelocityNoise:       e.VelocityNoise,
			MeasurementNoise:    e.MeasurementNoise,
			InitialVariance:     filter.DefaultConfig().InitialVariance,
			UnknownAccuracy:     filter.DefaultConfig().UnknownAccuracy,
			ConfidenceBoost:     float32(e.ConfidenceBoost),
			MinVelocityInterval: filter.DefaultConfig().MinVelocityInterval,
		},
		Outage: &deadreckon.OutageConfig{GapTimeout: seconds(e.GapTimeoutS)},
		DeadReckoning: &deadreckon.Config{
			Decay:           float32(e.DecayFactor),
			MaxStep:         seconds(e.MaxStepS),
			MaxDrift:        seconds(e.MaxDriftS),
			StaleConfidence: deadreckon.DefaultConfig().StaleConfidence,
			MaxAccuracy:     deadreckon.DefaultConfig().MaxAccuracy,
		},
	}
}

// SensorsConfig returns the motion integration settings
func (c *Config) SensorsConfig() *sensors.Config {
	return &sensors.Config{GravityAlpha: c.Estimation.GravityAlpha}
}

// GeolocationConfig returns the Google geolocation settings
func (c *Config) GeolocationConfig() *gps.GeolocationConfig {
	g := gps.DefaultGeolocationConfig()
	g.APIKey = c.Sources.GoogleAPIKey
	g.BaseURL = c.Sources.GoogleBaseURL
	g.MinInterval = seconds(c.Sources.GoogleIntervalS)
	return g
}

// GeolocationCacheConfig returns the lookup cache settings; nil disables the cache
func (c *Config) GeolocationCacheConfig() *gps.GeolocationCacheConfig {
	if c.Sources.GeoCachePath == "" {
		return nil
	}
	return &gps.GeolocationCacheConfig{
		Path:       c.Sources.GeoCachePath,
		TTL:        time.Duration(c.Sources.GeoCacheTTLH) * time.Hour,
		MaxEntries: c.Sources.GeoCacheMaxEntries,
	}
}

// MQTTClientConfig returns the broker client settings
func (c *Config) MQTTClientConfig() *mqtt.Config {
	m := c.MQTT
	return &mqtt.Config{
		Broker:          m.Broker,
		Port:            m.Port,
		ClientID:        m.ClientID,
		Username:        m.Username,
		Password:        m.Password,
		TopicPrefix:     m.TopicPrefix,
		QoS:             m.QoS,
		Retain:          m.Retain,
		Enabled:         m.Enabled,
		MaxLocationRate: m.MaxLocationRate,
	}
}

// APIServerConfig returns the HTTP API settings
func (c *Config) APIServerConfig() *api.ServerConfig {
	a := c.API
	return &api.ServerConfig{
		Enabled:     a.Enabled,
		Port:        a.Port,
		Host:        a.Host,
		AuthKey:     a.AuthKey,
		CertFile:    a.CertFile,
		KeyFile:     a.KeyFile,
		TrackLength: a.TrackLength,
	}
}

// MetricsServerConfig returns the Prometheus endpoint settings
func (c *Config) MetricsServerConfig() *metrics.ServerConfig {
	m := c.Metrics
	return &metrics.ServerConfig{
		Enabled: m.Enabled,
		Host:    m.Host,
		Port:    m.Port,
		Path:    m.Path,
	}
}
