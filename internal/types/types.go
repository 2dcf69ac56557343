package types

import (
	"sync/atomic"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Role names the kind of node a process component plays.
type Role string

const (
	RoleShard  Role = "shard"
	RoleRouter Role = "router"
)

// Stats tracks node counters served on /stats.
// All counters are updated atomically from any goroutine.
type Stats struct {
	StartTime time.Time

	CurrentConnections atomic.Int64
	TotalConnections   atomic.Int64
	RejectedConnects   atomic.Int64

	UserMessages     atomic.Int64 // frames received from clients
	UserMessageBytes atomic.Int64
	PubMessages      atomic.Int64 // admin / ingest publishes
	PubMessageBytes  atomic.Int64
	ChannelMessages  atomic.Int64
	Delivered        atomic.Int64
	Persisted        atomic.Int64

	Heartbeats atomic.Int64
	Timeouts   atomic.Int64
}

// NewStats returns a Stats with StartTime set to now.
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// StatsSnapshot is the JSON view of Stats.
type StatsSnapshot struct {
	StartTime          time.Time `json:"start_time"`
	UptimeSeconds      int64     `json:"uptime_sec"`
	CurrentConnections int64     `json:"current_connections"`
	TotalConnections   int64     `json:"total_connections"`
	RejectedConnects   int64     `json:"rejected_connects"`
	UserMessages       int64     `json:"user_msg_count"`
	UserMessageBytes   int64     `json:"user_msg_bytes"`
	PubMessages        int64     `json:"pub_msg_count"`
	PubMessageBytes    int64     `json:"pub_msg_bytes"`
	ChannelMessages    int64     `json:"channel_msg_count"`
	Delivered          int64     `json:"delivered"`
	Persisted          int64     `json:"persisted"`
	Heartbeats         int64     `json:"heartbeats"`
	Timeouts           int64     `json:"timeouts"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		StartTime:          s.StartTime,
		UptimeSeconds:      int64(time.Since(s.StartTime).Seconds()),
		CurrentConnections: s.CurrentConnections.Load(),
		TotalConnections:   s.TotalConnections.Load(),
		RejectedConnects:   s.RejectedConnects.Load(),
		UserMessages:       s.UserMessages.Load(),
		UserMessageBytes:   s.UserMessageBytes.Load(),
		PubMessages:        s.PubMessages.Load(),
		PubMessageBytes:    s.PubMessageBytes.Load(),
		ChannelMessages:    s.ChannelMessages.Load(),
		Delivered:          s.Delivered.Load(),
		Persisted:          s.Persisted.Load(),
		Heartbeats:         s.Heartbeats.Load(),
		Timeouts:           s.Timeouts.Load(),
	}
}
