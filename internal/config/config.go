package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Liveness  LivenessConfig  `json:"liveness" yaml:"liveness"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Fusion    FusionConfig    `json:"fusion" yaml:"fusion"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	API       APIConfig       `json:"api" yaml:"api"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	MQTT          MQTTConfig  `json:"mqtt" yaml:"mqtt"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type MQTTConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	BrokerHost   string        `json:"broker_host" yaml:"broker_host"`
	BrokerPort   int           `json:"broker_port" yaml:"broker_port"`
	ClientID     string        `json:"client_id" yaml:"client_id"`
	Username     string        `json:"username" yaml:"username"`
	Password     string        `json:"password" yaml:"password"`
	Topics       []string      `json:"topics" yaml:"topics"`
	QoS          byte          `json:"qos" yaml:"qos"`
	KeepAlive    time.Duration `json:"keep_alive" yaml:"keep_alive"`
	ReconnectMin time.Duration `json:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max" yaml:"reconnect_max"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type LivenessConfig struct {
	Window time.Duration `json:"window" yaml:"window"`
}

type AlertingConfig struct {
	Climate  ClimateThresholds `json:"climate" yaml:"climate"`
	Motion   MotionConfig      `json:"motion" yaml:"motion"`
	Distance DistanceConfig    `json:"distance" yaml:"distance"`
	Anomaly  AnomalyConfig     `json:"anomaly" yaml:"anomaly"`
	// Cooldown suppresses repeated alerts per (device, alert type).
	// Zero disables suppression: every evaluation cycle may emit the
	// same alert again. The engine also accepts a custom predicate for
	// callers that need something other than a fixed interval.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

type ClimateThresholds struct {
	TempNormalMin   float64 `json:"temp_normal_min" yaml:"temp_normal_min"`
	TempNormalMax   float64 `json:"temp_normal_max" yaml:"temp_normal_max"`
	TempWarnMin     float64 `json:"temp_warn_min" yaml:"temp_warn_min"`
	TempWarnMax     float64 `json:"temp_warn_max" yaml:"temp_warn_max"`
	TempHardMin     float64 `json:"temp_hard_min" yaml:"temp_hard_min"`
	TempHardMax     float64 `json:"temp_hard_max" yaml:"temp_hard_max"`
	TempFireRisk    float64 `json:"temp_fire_risk" yaml:"temp_fire_risk"`
	TempSpike       float64 `json:"temp_spike" yaml:"temp_spike"`
	HumNormalMin    float64 `json:"hum_normal_min" yaml:"hum_normal_min"`
	HumNormalMax    float64 `json:"hum_normal_max" yaml:"hum_normal_max"`
	HumWarnMin      float64 `json:"hum_warn_min" yaml:"hum_warn_min"`
	HumWarnMax      float64 `json:"hum_warn_max" yaml:"hum_warn_max"`
	HumHardMin      float64 `json:"hum_hard_min" yaml:"hum_hard_min"`
	HumHardMax      float64 `json:"hum_hard_max" yaml:"hum_hard_max"`
	HumDrop         float64 `json:"hum_drop" yaml:"hum_drop"`
	HumDropTempGate float64 `json:"hum_drop_temp_gate" yaml:"hum_drop_temp_gate"`
	TempFluctuation float64 `json:"temp_fluctuation" yaml:"temp_fluctuation"`
	HumFluctuation  float64 `json:"hum_fluctuation" yaml:"hum_fluctuation"`

	TrendWindow time.Duration `json:"trend_window" yaml:"trend_window"`
}

type MotionConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	ExtendedCount       int     `json:"extended_count" yaml:"extended_count"`
	RecentWindow        int     `json:"recent_window" yaml:"recent_window"`
}

type DistanceConfig struct {
	MinCM float64 `json:"min_cm" yaml:"min_cm"`
	MaxCM float64 `json:"max_cm" yaml:"max_cm"`
}

type AnomalyConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	ZScore     float64 `json:"z_score" yaml:"z_score"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
}

type FusionConfig struct {
	Enabled               bool          `json:"enabled" yaml:"enabled"`
	Window                time.Duration `json:"window" yaml:"window"`
	VerificationThreshold float64       `json:"verification_threshold" yaml:"verification_threshold"`
	RoomWeight            float64       `json:"room_weight" yaml:"room_weight"`
	DurationWeight        float64       `json:"duration_weight" yaml:"duration_weight"`
	EnvironmentWeight     float64       `json:"environment_weight" yaml:"environment_weight"`
	Cooldown              time.Duration `json:"cooldown" yaml:"cooldown"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type BroadcastConfig struct {
	Buffer       int           `json:"buffer" yaml:"buffer"`
	SendTimeout  time.Duration `json:"send_timeout" yaml:"send_timeout"`
	MaxSlowSends int           `json:"max_slow_sends" yaml:"max_slow_sends"`
}

type PipelineConfig struct {
	Workers         int           `json:"workers" yaml:"workers"`
	QueueDepth      int           `json:"queue_depth" yaml:"queue_depth"`
	AppendRetry     time.Duration `json:"append_retry" yaml:"append_retry"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			MQTT: MQTTConfig{
				Enabled:    true,
				BrokerHost: "localhost",
				BrokerPort: 1883,
				ClientID:   "homesense-backend",
				Topics: []string{
					"sensors/pir/+",
					"sensors/ultrasonic/+",
					"sensors/dht22/+",
					"sensors/combined/+",
					"devices/+/status",
				},
				QoS:          1,
				KeepAlive:    30 * time.Second,
				ReconnectMin: 1 * time.Second,
				ReconnectMax: 30 * time.Second,
			},
			Kafka: KafkaConfig{Enabled: false},
		},
		Liveness: LivenessConfig{Window: 5 * time.Minute},
		Alerting: AlertingConfig{
			Climate: ClimateThresholds{
				TempNormalMin:   18.0,
				TempNormalMax:   26.0,
				TempWarnMin:     15.0,
				TempWarnMax:     30.0,
				TempHardMin:     10.0,
				TempHardMax:     35.0,
				TempFireRisk:    40.0,
				TempSpike:       5.0,
				HumNormalMin:    30.0,
				HumNormalMax:    60.0,
				HumWarnMin:      20.0,
				HumWarnMax:      70.0,
				HumHardMin:      10.0,
				HumHardMax:      80.0,
				HumDrop:         15.0,
				HumDropTempGate: 25.0,
				TempFluctuation: 3.0,
				HumFluctuation:  10.0,
				TrendWindow:     5 * time.Minute,
			},
			Motion: MotionConfig{
				ConfidenceThreshold: 0.5,
				ExtendedCount:       8,
				RecentWindow:        10,
			},
			Distance: DistanceConfig{MinCM: 2.0, MaxCM: 400.0},
			Anomaly:  AnomalyConfig{Enabled: true, ZScore: 3.0, MinSamples: 5},
			Cooldown: 0,
		},
		Fusion: FusionConfig{
			Enabled:               true,
			Window:                30 * time.Second,
			VerificationThreshold: 6.0,
			RoomWeight:            0.5,
			DurationWeight:        0.3,
			EnvironmentWeight:     0.2,
			Cooldown:              1 * time.Minute,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:homesense.db?_pragma=busy_timeout(5000)"},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Broadcast: BroadcastConfig{
			Buffer:       64,
			SendTimeout:  50 * time.Millisecond,
			MaxSlowSends: 3,
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			QueueDepth:      256,
			AppendRetry:     250 * time.Millisecond,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if len(cfg.Ingest.MQTT.Topics) == 0 {
		cfg.Ingest.MQTT.Topics = DefaultConfig().Ingest.MQTT.Topics
	}
	if cfg.Ingest.MQTT.ReconnectMin <= 0 {
		cfg.Ingest.MQTT.ReconnectMin = 1 * time.Second
	}
	if cfg.Ingest.MQTT.ReconnectMax <= 0 {
		cfg.Ingest.MQTT.ReconnectMax = 30 * time.Second
	}
	if cfg.Ingest.MQTT.KeepAlive <= 0 {
		cfg.Ingest.MQTT.KeepAlive = 30 * time.Second
	}
	if cfg.Liveness.Window <= 0 {
		cfg.Liveness.Window = 5 * time.Minute
	}
	if cfg.Alerting.Climate.TrendWindow <= 0 {
		cfg.Alerting.Climate.TrendWindow = 5 * time.Minute
	}
	if cfg.Alerting.Motion.RecentWindow <= 0 {
		cfg.Alerting.Motion.RecentWindow = 10
	}
	if cfg.Alerting.Anomaly.MinSamples <= 0 {
		cfg.Alerting.Anomaly.MinSamples = 5
	}
	if cfg.Alerting.Anomaly.ZScore <= 0 {
		cfg.Alerting.Anomaly.ZScore = 3.0
	}
	if cfg.Fusion.Window <= 0 {
		cfg.Fusion.Window = 30 * time.Second
	}
	if cfg.Fusion.VerificationThreshold <= 0 {
		cfg.Fusion.VerificationThreshold = 6.0
	}
	if cfg.Fusion.RoomWeight == 0 && cfg.Fusion.DurationWeight == 0 && cfg.Fusion.EnvironmentWeight == 0 {
		cfg.Fusion.RoomWeight = 0.5
		cfg.Fusion.DurationWeight = 0.3
		cfg.Fusion.EnvironmentWeight = 0.2
	}
	if cfg.Broadcast.Buffer <= 0 {
		cfg.Broadcast.Buffer = 64
	}
	if cfg.Broadcast.SendTimeout <= 0 {
		cfg.Broadcast.SendTimeout = 50 * time.Millisecond
	}
	if cfg.Broadcast.MaxSlowSends <= 0 {
		cfg.Broadcast.MaxSlowSends = 3
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		cfg.Pipeline.QueueDepth = 256
	}
	if cfg.Pipeline.AppendRetry <= 0 {
		cfg.Pipeline.AppendRetry = 250 * time.Millisecond
	}
	if cfg.Pipeline.ShutdownTimeout <= 0 {
		cfg.Pipeline.ShutdownTimeout = 5 * time.Second
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.BrokerHost == "" || cfg.Ingest.MQTT.BrokerPort <= 0 {
			return errors.New("ingest.mqtt requires broker_host and broker_port")
		}
		if cfg.Ingest.MQTT.QoS > 2 {
			return errors.New("ingest.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Storage.Driver == "" {
		return errors.New("storage.driver required")
	}
	c := cfg.Alerting.Climate
	if c.TempHardMin > c.TempWarnMin || c.TempWarnMin > c.TempNormalMin {
		return errors.New("alerting.climate temperature minimums must be ordered hard <= warn <= normal")
	}
	if c.TempNormalMax > c.TempWarnMax || c.TempWarnMax > c.TempHardMax {
		return errors.New("alerting.climate temperature maximums must be ordered normal <= warn <= hard")
	}
	if c.HumHardMin > c.HumWarnMin || c.HumWarnMin > c.HumNormalMin {
		return errors.New("alerting.climate humidity minimums must be ordered hard <= warn <= normal")
	}
	if c.HumNormalMax > c.HumWarnMax || c.HumWarnMax > c.HumHardMax {
		return errors.New("alerting.climate humidity maximums must be ordered normal <= warn <= hard")
	}
	if cfg.Alerting.Distance.MinCM >= cfg.Alerting.Distance.MaxCM {
		return errors.New("alerting.distance.min_cm must be below max_cm")
	}
	if w := cfg.Fusion.RoomWeight + cfg.Fusion.DurationWeight + cfg.Fusion.EnvironmentWeight; w < 0.99 || w > 1.01 {
		return fmt.Errorf("fusion weights must sum to 1.0, got %.2f", w)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config with no backing file. Used when
// the process runs entirely on defaults.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	applyDefaults(cfg)
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
