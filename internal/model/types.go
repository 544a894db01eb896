package model

import "time"

type Event struct {
	ID          string    `json:"id"`
	SensorID    string    `json:"sensor_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Value       float64   `json:"value"`
	IsAnomalous bool      `json:"is_anomalous"`
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// RawRecord is one upstream document as delivered, before normalization.
type RawRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	Change ChangeKind     `json:"change,omitempty"`
}

type Change struct {
	Kind   ChangeKind `json:"kind"`
	Record RawRecord  `json:"record"`
}

// Snapshot carries the full current result of one subscription plus the
// changes relative to the previous snapshot of that subscription.
type Snapshot struct {
	Records []RawRecord `json:"records"`
	Changes []Change    `json:"changes,omitempty"`
	ReadAt  time.Time   `json:"read_at"`
}

type ConnectionStatus string

const (
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

type ConnectionState struct {
	Status    ConnectionStatus `json:"status"`
	LastError string           `json:"last_error,omitempty"`
	Since     time.Time        `json:"since"`
}

type AckStatus string

const (
	StatusUnack AckStatus = "UNACK"
	StatusAck   AckStatus = "ACK"
)

type Acknowledgement struct {
	Status     AckStatus `json:"status"`
	ActionNote string    `json:"action_note,omitempty"`
	AckedAt    time.Time `json:"acked_at,omitempty"`
}

type AlertEntry struct {
	EventID     string    `json:"event_id"`
	SensorID    string    `json:"sensor_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Value       float64   `json:"value"`
	Probability float64   `json:"probability"`
	Status      AckStatus `json:"status"`
	ActionNote  string    `json:"action_note,omitempty"`
}

type AlertSummary struct {
	Total          int     `json:"total"`
	Acked          int     `json:"acked"`
	Unacked        int     `json:"unacked"`
	AvgProbability float64 `json:"avg_probability"`
}

type Liveness string

const (
	Online  Liveness = "online"
	Warning Liveness = "warning"
	Offline Liveness = "offline"
)

type SensorConnection struct {
	SensorID   string     `json:"sensor_id"`
	Status     Liveness   `json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	AgeSec     float64    `json:"age_sec,omitempty"`
}

type LivenessSummary struct {
	Online  int `json:"online"`
	Warning int `json:"warning"`
	Offline int `json:"offline"`
}

type WindowCount struct {
	Window string        `json:"window"`
	Length time.Duration `json:"length"`
	Count  int           `json:"count"`
}

type SensorRanking struct {
	Rank            int       `json:"rank"`
	SensorID        string    `json:"sensor_id"`
	DetectionCount  int       `json:"detection_count"`
	AvgAnomalyScore float64   `json:"avg_anomaly_score"`
	LastDetectionAt time.Time `json:"last_detection_at"`
}

type RankingSet struct {
	Period   string          `json:"period"`
	Length   time.Duration   `json:"length"`
	Rankings []SensorRanking `json:"rankings"`
}

type BucketRate struct {
	Bucket    int     `json:"bucket"`
	Label     string  `json:"label"`
	Anomalous int     `json:"anomalous"`
	Total     int     `json:"total"`
	Rate      float64 `json:"rate"`
}

type SensorStat struct {
	SensorID        string  `json:"sensor_id"`
	DetectionCount  int     `json:"detection_count"`
	AvgAnomalyScore float64 `json:"avg_anomaly_score"`
	AvgValue        float64 `json:"avg_value"`
}

type Totals struct {
	Events    int `json:"events"`
	Anomalous int `json:"anomalous"`
	Normal    int `json:"normal"`
}

type DataFlow struct {
	Received         int        `json:"received"`
	LatestAt         *time.Time `json:"latest_at,omitempty"`
	LatencySec       float64    `json:"latency_sec"`
	LastNormalAt     *time.Time `json:"last_normal_at,omitempty"`
	LastNormalAgoSec *float64   `json:"last_normal_ago_sec,omitempty"`
	LastAnomalyAt    *time.Time `json:"last_anomaly_at,omitempty"`
	LastAnomalyAgo   *float64   `json:"last_anomaly_ago_sec,omitempty"`
}

type SeriesPoint struct {
	At        time.Time `json:"at"`
	Normal    int       `json:"normal"`
	Anomalous int       `json:"anomalous"`
}

// Aggregation is everything derived from one event set at one instant.
type Aggregation struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Totals      Totals             `json:"totals"`
	Windows     []WindowCount      `json:"windows"`
	Rankings    []RankingSet       `json:"rankings"`
	Hourly      []BucketRate       `json:"hourly"`
	Weekly      []BucketRate       `json:"weekly"`
	Weekday     []BucketRate       `json:"weekday"`
	Sensors     []SensorStat       `json:"sensors"`
	Liveness    []SensorConnection `json:"liveness"`
	LiveSummary LivenessSummary    `json:"liveness_summary"`
	DataFlow    DataFlow           `json:"data_flow"`
	Series      []SeriesPoint      `json:"series"`
}

// Dashboard is the immutable view published after each recompute.
type Dashboard struct {
	Version     uint64          `json:"version"`
	Connection  ConnectionState `json:"connection"`
	Aggregation Aggregation     `json:"aggregation"`
	Alerts      AlertSummary    `json:"alerts"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Notification struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	EventID     string    `json:"event_id,omitempty"`
	SensorID    string    `json:"sensor_id,omitempty"`
	At          time.Time `json:"at"`
}
