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
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Sensor     SensorConfig     `json:"sensor" yaml:"sensor"`
	Features   FeaturesConfig   `json:"features" yaml:"features"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Forward    ForwardConfig    `json:"forward" yaml:"forward"`
	Training   TrainingConfig   `json:"training" yaml:"training"`
	Prediction PredictionConfig `json:"prediction" yaml:"prediction"`
	Models     ModelsConfig     `json:"models" yaml:"models"`
	Inventory  InventoryConfig  `json:"inventory" yaml:"inventory"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
}

// SensorConfig describes the accelerometer. ScaleFactor is either an index
// into {16384, 8192, 4096, 2048} (0-3, i.e. ±2g..±16g) or a literal divisor.
type SensorConfig struct {
	ScaleFactor   int `json:"scale_factor" yaml:"scale_factor"`
	WindowPackets int `json:"window_packets" yaml:"window_packets"`
}

type FeaturesConfig struct {
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
	FFTSize    int     `json:"fft_size" yaml:"fft_size"`
	TopN       int     `json:"top_n" yaml:"top_n"`
}

type GatewayConfig struct {
	StationMAC         string            `json:"station_mac" yaml:"station_mac"`
	Endpoints          []EndpointBinding `json:"endpoints" yaml:"endpoints"`
	AcceptUnknown      bool              `json:"accept_unknown" yaml:"accept_unknown"`
	DefaultEquipmentID string            `json:"default_equipment_id" yaml:"default_equipment_id"`
	WindowTimeout      time.Duration     `json:"window_timeout" yaml:"window_timeout"`
	RawDump            RawDumpConfig     `json:"raw_dump" yaml:"raw_dump"`
}

type EndpointBinding struct {
	MAC         string `json:"mac" yaml:"mac"`
	EquipmentID string `json:"equipment_id" yaml:"equipment_id"`
}

type RawDumpConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
	Format  string `json:"format" yaml:"format"`
}

type IngestConfig struct {
	ChannelBuffer int              `json:"channel_buffer" yaml:"channel_buffer"`
	Serial        SerialConfig     `json:"serial" yaml:"serial"`
	TCPStream     TCPStreamConfig  `json:"tcp_stream" yaml:"tcp_stream"`
	FileReplay    FileReplayConfig `json:"file_replay" yaml:"file_replay"`
	Kafka         KafkaConfig      `json:"kafka" yaml:"kafka"`
	MQTT          MQTTConfig       `json:"mqtt" yaml:"mqtt"`
	Parser        ParserConfig     `json:"parser" yaml:"parser"`
}

type SerialConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileReplayConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultEndpoint string `json:"default_endpoint" yaml:"default_endpoint"`
}

type ForwardConfig struct {
	HTTP  HTTPForwardConfig `json:"http" yaml:"http"`
	MQTT  MQTTConfig        `json:"mqtt" yaml:"mqtt"`
	Kafka KafkaConfig       `json:"kafka" yaml:"kafka"`
}

type HTTPForwardConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type TrainingConfig struct {
	TableSize     int           `json:"table_size" yaml:"table_size"`
	Repetitions   int           `json:"repetitions" yaml:"repetitions"`
	TrainFraction float64       `json:"train_fraction" yaml:"train_fraction"`
	CoarseNu      []float64     `json:"coarse_nu" yaml:"coarse_nu"`
	CoarseGamma   []float64     `json:"coarse_gamma" yaml:"coarse_gamma"`
	FineSpread    float64       `json:"fine_spread" yaml:"fine_spread"`
	FinePoints    int           `json:"fine_points" yaml:"fine_points"`
	Seed          uint64        `json:"seed" yaml:"seed"`
	Workers       int           `json:"workers" yaml:"workers"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

type PredictionConfig struct {
	Policy string `json:"policy" yaml:"policy"`
}

type ModelsConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type InventoryConfig struct {
	Equipments []EquipmentSpec `json:"equipments" yaml:"equipments"`
	Stations   []StationSpec   `json:"stations" yaml:"stations"`
	Endpoints  []EndpointSpec  `json:"endpoints" yaml:"endpoints"`
}

type EquipmentSpec struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	InTraining bool   `json:"in_training" yaml:"in_training"`
}

type StationSpec struct {
	MAC      string `json:"mac" yaml:"mac"`
	Name     string `json:"name" yaml:"name"`
	Location string `json:"location" yaml:"location"`
}

type EndpointSpec struct {
	MAC         string `json:"mac" yaml:"mac"`
	Name        string `json:"name" yaml:"name"`
	EquipmentID string `json:"equipment_id" yaml:"equipment_id"`
	StationMAC  string `json:"station_mac" yaml:"station_mac"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

var (
	defaultCoarseNu    = []float64{0.01, 0.1, 0.3, 0.5, 0.7, 0.9}
	defaultCoarseGamma = []float64{1, 5, 10, 50, 100}
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Sensor:    SensorConfig{ScaleFactor: 0, WindowPackets: 342},
		Features:  FeaturesConfig{SampleRate: 1000, FFTSize: 1024, TopN: 3},
		Gateway: GatewayConfig{
			WindowTimeout: 10 * time.Second,
			RawDump:       RawDumpConfig{Enabled: false, Dir: "data", Format: "csv"},
		},
		Ingest: IngestConfig{
			ChannelBuffer: 4096,
			Serial:        SerialConfig{Enabled: false, BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileReplay:    FileReplayConfig{Enabled: false, StartAtEnd: false},
			Kafka:         KafkaConfig{Enabled: false},
			MQTT:          MQTTConfig{Enabled: false, ClientID: "vibranium-gateway", Topic: "vibranium/packets/+"},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Forward: ForwardConfig{
			HTTP:  HTTPForwardConfig{Enabled: true, BaseURL: "http://localhost:8081", Timeout: 5 * time.Second},
			MQTT:  MQTTConfig{Enabled: false, ClientID: "vibranium-forwarder", Topic: "vibranium/acquisitions/{endpoint}"},
			Kafka: KafkaConfig{Enabled: false},
		},
		Training: TrainingConfig{
			TableSize:     400,
			Repetitions:   5,
			TrainFraction: 0.8,
			CoarseNu:      append([]float64(nil), defaultCoarseNu...),
			CoarseGamma:   append([]float64(nil), defaultCoarseGamma...),
			FineSpread:    0.5,
			FinePoints:    3,
			Workers:       4,
			Timeout:       10 * time.Minute,
		},
		Prediction: PredictionConfig{Policy: "all"},
		Models:     ModelsConfig{Dir: "models"},
		API:        APIConfig{Enabled: true, Addr: ":8081"},
		Storage:    StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:vibranium.db?_pragma=busy_timeout(5000)"},
		Metrics:    MetricsConfig{StoreLimit: 1000},
		Alerts:     AlertsConfig{StoreLimit: 1000},
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
	def := DefaultConfig()
	if cfg.Sensor.WindowPackets <= 0 {
		cfg.Sensor.WindowPackets = def.Sensor.WindowPackets
	}
	if cfg.Features.SampleRate <= 0 {
		cfg.Features.SampleRate = def.Features.SampleRate
	}
	if cfg.Features.FFTSize <= 0 {
		cfg.Features.FFTSize = def.Features.FFTSize
	}
	if cfg.Features.TopN <= 0 {
		cfg.Features.TopN = def.Features.TopN
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Training.TableSize <= 0 {
		cfg.Training.TableSize = def.Training.TableSize
	}
	if cfg.Training.Repetitions <= 0 {
		cfg.Training.Repetitions = def.Training.Repetitions
	}
	if cfg.Training.TrainFraction <= 0 {
		cfg.Training.TrainFraction = def.Training.TrainFraction
	}
	if len(cfg.Training.CoarseNu) == 0 {
		cfg.Training.CoarseNu = def.Training.CoarseNu
	}
	if len(cfg.Training.CoarseGamma) == 0 {
		cfg.Training.CoarseGamma = def.Training.CoarseGamma
	}
	if cfg.Training.FineSpread <= 0 {
		cfg.Training.FineSpread = def.Training.FineSpread
	}
	if cfg.Training.FinePoints <= 0 {
		cfg.Training.FinePoints = def.Training.FinePoints
	}
	if cfg.Training.Workers <= 0 {
		cfg.Training.Workers = def.Training.Workers
	}
	if cfg.Prediction.Policy == "" {
		cfg.Prediction.Policy = def.Prediction.Policy
	}
	if cfg.Models.Dir == "" {
		cfg.Models.Dir = def.Models.Dir
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Gateway.RawDump.Format == "" {
		cfg.Gateway.RawDump.Format = "csv"
	}
}

func Validate(cfg *Config) error {
	if cfg.Sensor.ScaleFactor < 0 {
		return errors.New("sensor.scale_factor must be an index 0-3 or a positive divisor")
	}
	if cfg.Sensor.WindowPackets <= 0 {
		return errors.New("sensor.window_packets must be > 0")
	}
	if cfg.Features.FFTSize < 2 {
		return errors.New("features.fft_size must be >= 2")
	}
	if cfg.Features.TopN > cfg.Features.FFTSize/2 {
		return fmt.Errorf("features.top_n must be <= fft_size/2 (%d)", cfg.Features.FFTSize/2)
	}
	if cfg.Training.TrainFraction <= 0 || cfg.Training.TrainFraction >= 1 {
		return errors.New("training.train_fraction must be in (0,1)")
	}
	for _, nu := range cfg.Training.CoarseNu {
		if nu <= 0 || nu > 1 {
			return fmt.Errorf("training.coarse_nu contains %v outside (0,1]", nu)
		}
	}
	for _, g := range cfg.Training.CoarseGamma {
		if g <= 0 {
			return fmt.Errorf("training.coarse_gamma contains non-positive value %v", g)
		}
	}
	if cfg.Training.TableSize < 5 {
		return errors.New("training.table_size must be >= 5")
	}
	switch strings.ToLower(cfg.Prediction.Policy) {
	case "all", "any", "last":
	default:
		return fmt.Errorf("prediction.policy %q: expected all, any or last", cfg.Prediction.Policy)
	}
	switch strings.ToLower(cfg.Gateway.RawDump.Format) {
	case "csv", "json":
	default:
		return fmt.Errorf("gateway.raw_dump.format %q: expected csv or json", cfg.Gateway.RawDump.Format)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Serial.Enabled && cfg.Ingest.Serial.Port == "" {
		return errors.New("ingest.serial.port required when ingest.serial.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileReplay.Enabled && len(cfg.Ingest.FileReplay.Files) == 0 {
		return errors.New("ingest.file_replay.files required when ingest.file_replay.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && (cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "") {
		return errors.New("ingest.mqtt requires broker and topic")
	}
	if cfg.Forward.HTTP.Enabled && cfg.Forward.HTTP.BaseURL == "" {
		return errors.New("forward.http.base_url required when forward.http.enabled is true")
	}
	if cfg.Forward.MQTT.Enabled && (cfg.Forward.MQTT.Broker == "" || cfg.Forward.MQTT.Topic == "") {
		return errors.New("forward.mqtt requires broker and topic")
	}
	if cfg.Forward.Kafka.Enabled && (len(cfg.Forward.Kafka.Brokers) == 0 || cfg.Forward.Kafka.Topic == "") {
		return errors.New("forward.kafka requires brokers and topic")
	}
	if !cfg.Gateway.AcceptUnknown {
		for _, b := range cfg.Gateway.Endpoints {
			if strings.TrimSpace(b.MAC) == "" {
				return errors.New("gateway.endpoints entries require mac")
			}
		}
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

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// without a path.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
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
