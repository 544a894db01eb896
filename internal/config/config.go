package config

import (
	"context"
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
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Source      SourceConfig      `json:"source" yaml:"source"`
	Monitor     MonitorConfig     `json:"monitor" yaml:"monitor"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Liveness    LivenessConfig    `json:"liveness" yaml:"liveness"`
	Sensors     SensorsConfig     `json:"sensors" yaml:"sensors"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	API         APIConfig         `json:"api" yaml:"api"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Seed        SeedConfig        `json:"seed" yaml:"seed"`
}

type SourceConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	Collection   string        `json:"collection" yaml:"collection"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Backoff      time.Duration `json:"backoff" yaml:"backoff"`
	DocLimit     int           `json:"doc_limit" yaml:"doc_limit"`
	SQL          SQLConfig     `json:"sql" yaml:"sql"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
	Redis        RedisConfig   `json:"redis" yaml:"redis"`
	MQTT         MQTTConfig    `json:"mqtt" yaml:"mqtt"`
}

type SQLConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Stream   string `json:"stream" yaml:"stream"`
}

type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type MonitorConfig struct {
	SampleLimit  int `json:"sample_limit" yaml:"sample_limit"`
	AlertLimit   int `json:"alert_limit" yaml:"alert_limit"`
	UpdateBuffer int `json:"update_buffer" yaml:"update_buffer"`
}

type PeriodConfig struct {
	Name   string        `json:"name" yaml:"name"`
	Length time.Duration `json:"length" yaml:"length"`
}

type AggregationConfig struct {
	Windows        []time.Duration `json:"windows" yaml:"windows"`
	RankingPeriods []PeriodConfig  `json:"ranking_periods" yaml:"ranking_periods"`
	TopK           int             `json:"top_k" yaml:"top_k"`
	ScoreBaseline  float64         `json:"score_baseline" yaml:"score_baseline"`
	ScoreSpread    float64         `json:"score_spread" yaml:"score_spread"`
	Timezone       string          `json:"timezone" yaml:"timezone"`
	Weeks          int             `json:"weeks" yaml:"weeks"`
}

type LivenessConfig struct {
	OnlineWithin  time.Duration `json:"online_within" yaml:"online_within"`
	WarningWithin time.Duration `json:"warning_within" yaml:"warning_within"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
}

type SensorsConfig struct {
	Count    int      `json:"count" yaml:"count"`
	IDFormat string   `json:"id_format" yaml:"id_format"`
	IDs      []string `json:"ids" yaml:"ids"`
}

type IngestConfig struct {
	DefaultSensorID string `json:"default_sensor_id" yaml:"default_sensor_id"`
	Timezone        string `json:"timezone" yaml:"timezone"`
	MaxUploadBytes  int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type NotifyConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	SeenTTL  time.Duration `json:"seen_ttl" yaml:"seen_ttl"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type SeedConfig struct {
	Mode       string        `json:"mode" yaml:"mode"`
	Dataset    string        `json:"dataset" yaml:"dataset"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	Sink       string        `json:"sink" yaml:"sink"`
	TargetURL  string        `json:"target_url" yaml:"target_url"`
	DefectRate float64       `json:"defect_rate" yaml:"defect_rate"`
	Limit      int           `json:"limit" yaml:"limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			Driver:       "memory",
			Collection:   "factory_log",
			PollInterval: 1 * time.Second,
			Backoff:      500 * time.Millisecond,
			DocLimit:     10000,
			SQL:          SQLConfig{Driver: "sqlite", DSN: "file:factorywatch.db?_pragma=busy_timeout(5000)"},
			Kafka:        KafkaConfig{Topic: "factory_log", GroupID: "factorywatch"},
			Redis:        RedisConfig{Addr: "localhost:6379", Stream: "factory_log"},
			MQTT:         MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "factorywatch", Topic: "factory/log", QoS: 1},
		},
		Monitor: MonitorConfig{SampleLimit: 1000, AlertLimit: 1000, UpdateBuffer: 256},
		Aggregation: AggregationConfig{
			Windows: []time.Duration{5 * time.Minute, 24 * time.Hour, 7 * 24 * time.Hour},
			RankingPeriods: []PeriodConfig{
				{Name: "24h", Length: 24 * time.Hour},
				{Name: "1week", Length: 7 * 24 * time.Hour},
			},
			TopK:          10,
			ScoreBaseline: 70,
			ScoreSpread:   40,
			Timezone:      "Local",
			Weeks:         12,
		},
		Liveness: LivenessConfig{
			OnlineWithin:  10 * time.Second,
			WarningWithin: 30 * time.Second,
			CheckInterval: 5 * time.Second,
		},
		Sensors: SensorsConfig{Count: 300, IDFormat: "SENSOR_%03d"},
		Ingest:  IngestConfig{DefaultSensorID: "unknown", Timezone: "UTC", MaxUploadBytes: 32 << 20},
		Notify:  NotifyConfig{Enabled: true, Interval: 500 * time.Millisecond, SeenTTL: 10 * time.Minute},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "factorywatch"},
		Seed: SeedConfig{
			Mode:       "simulate",
			Interval:   1 * time.Second,
			Sink:       "http",
			TargetURL:  "http://localhost:8081/api/events",
			DefectRate: 0.05,
		},
	}
}

// KnownSensorIDs lists the sensors the liveness view reports even before
// they have produced a reading.
func (s SensorsConfig) KnownSensorIDs() []string {
	out := make([]string, 0, len(s.IDs)+s.Count)
	seen := make(map[string]struct{}, cap(out))
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range s.IDs {
		add(id)
	}
	if s.IDFormat != "" {
		for i := 1; i <= s.Count; i++ {
			add(fmt.Sprintf(s.IDFormat, i))
		}
	}
	return out
}

func (a AggregationConfig) Location() *time.Location {
	return loadLocation(a.Timezone)
}

func (i IngestConfig) Location() *time.Location {
	return loadLocation(i.Timezone)
}

func loadLocation(name string) *time.Location {
	switch name {
	case "", "UTC":
		return time.UTC
	case "Local":
		return time.Local
	}
	if l, err := time.LoadLocation(name); err == nil {
		return l
	}
	return time.UTC
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
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
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
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = def.Source.Driver
	}
	if cfg.Source.Collection == "" {
		cfg.Source.Collection = def.Source.Collection
	}
	if cfg.Source.PollInterval <= 0 {
		cfg.Source.PollInterval = def.Source.PollInterval
	}
	if cfg.Source.Backoff <= 0 {
		cfg.Source.Backoff = def.Source.Backoff
	}
	if cfg.Source.DocLimit <= 0 {
		cfg.Source.DocLimit = def.Source.DocLimit
	}
	if cfg.Monitor.SampleLimit <= 0 {
		cfg.Monitor.SampleLimit = def.Monitor.SampleLimit
	}
	if cfg.Monitor.AlertLimit <= 0 {
		cfg.Monitor.AlertLimit = def.Monitor.AlertLimit
	}
	if cfg.Monitor.UpdateBuffer <= 0 {
		cfg.Monitor.UpdateBuffer = def.Monitor.UpdateBuffer
	}
	if len(cfg.Aggregation.Windows) == 0 {
		cfg.Aggregation.Windows = def.Aggregation.Windows
	}
	if len(cfg.Aggregation.RankingPeriods) == 0 {
		cfg.Aggregation.RankingPeriods = def.Aggregation.RankingPeriods
	}
	if cfg.Aggregation.TopK <= 0 {
		cfg.Aggregation.TopK = def.Aggregation.TopK
	}
	if cfg.Aggregation.ScoreSpread == 0 {
		cfg.Aggregation.ScoreSpread = def.Aggregation.ScoreSpread
	}
	if cfg.Aggregation.Weeks <= 0 {
		cfg.Aggregation.Weeks = def.Aggregation.Weeks
	}
	if cfg.Liveness.OnlineWithin <= 0 {
		cfg.Liveness.OnlineWithin = def.Liveness.OnlineWithin
	}
	if cfg.Liveness.WarningWithin <= 0 {
		cfg.Liveness.WarningWithin = def.Liveness.WarningWithin
	}
	if cfg.Liveness.CheckInterval <= 0 {
		cfg.Liveness.CheckInterval = def.Liveness.CheckInterval
	}
	if cfg.Ingest.DefaultSensorID == "" {
		cfg.Ingest.DefaultSensorID = def.Ingest.DefaultSensorID
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = def.Ingest.Timezone
	}
	if cfg.Ingest.MaxUploadBytes <= 0 {
		cfg.Ingest.MaxUploadBytes = def.Ingest.MaxUploadBytes
	}
	if cfg.Notify.Interval <= 0 {
		cfg.Notify.Interval = def.Notify.Interval
	}
	if cfg.Notify.SeenTTL <= 0 {
		cfg.Notify.SeenTTL = def.Notify.SeenTTL
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = def.Metrics.Namespace
	}
	if cfg.Seed.Interval <= 0 {
		cfg.Seed.Interval = def.Seed.Interval
	}
	if cfg.Seed.DefectRate <= 0 {
		cfg.Seed.DefectRate = def.Seed.DefectRate
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Source.Driver) {
	case "memory":
	case "sql":
		if cfg.Source.SQL.Driver == "" {
			return errors.New("source.sql.driver required when source.driver is sql")
		}
	case "kafka":
		if len(cfg.Source.Kafka.Brokers) == 0 || cfg.Source.Kafka.Topic == "" || cfg.Source.Kafka.GroupID == "" {
			return errors.New("source.kafka requires brokers, topic, group_id")
		}
	case "redis":
		if cfg.Source.Redis.Addr == "" || cfg.Source.Redis.Stream == "" {
			return errors.New("source.redis requires addr and stream")
		}
	case "mqtt":
		if cfg.Source.MQTT.Broker == "" || cfg.Source.MQTT.Topic == "" {
			return errors.New("source.mqtt requires broker and topic")
		}
	default:
		return fmt.Errorf("source.driver %q is not supported", cfg.Source.Driver)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	for _, win := range cfg.Aggregation.Windows {
		if win <= 0 {
			return fmt.Errorf("aggregation.windows contains non-positive duration: %s", win)
		}
	}
	for _, p := range cfg.Aggregation.RankingPeriods {
		if p.Name == "" || p.Length <= 0 {
			return fmt.Errorf("aggregation.ranking_periods entry %q needs a name and a positive length", p.Name)
		}
	}
	if cfg.Aggregation.ScoreSpread <= 0 {
		return errors.New("aggregation.score_spread must be > 0")
	}
	if cfg.Liveness.WarningWithin < cfg.Liveness.OnlineWithin {
		return errors.New("liveness.warning_within must be >= liveness.online_within")
	}
	if cfg.Seed.DefectRate > 1 {
		return errors.New("seed.defect_rate must be <= 1")
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

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
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

// Watch polls the file every interval until ctx ends. A file that fails to
// load is reported once and retried only after it changes again; the last
// good config stays in place.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := os.Stat(m.path)
		if err != nil {
			report(err)
			continue
		}
		if !info.ModTime().After(m.modTime) {
			continue
		}
		cfg, err := m.Reload()
		if err != nil {
			m.modTime = info.ModTime()
			report(fmt.Errorf("reload %s: %w", m.path, err))
			continue
		}
		if onReload != nil {
			onReload(cfg)
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
