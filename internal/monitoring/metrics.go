package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for shards and the router.
// The "node" label is "shard-<id>" or "router" so an all-in-one process
// still reports each component separately.
var (
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_connections_total",
		Help: "Total number of client sessions established",
	}, []string{"node", "transport"})

	connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comet_connections_active",
		Help: "Current number of live client sessions",
	}, []string{"node"})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_connections_rejected_total",
		Help: "Connect attempts rejected before a session was opened",
	}, []string{"reason"})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_connection_rate_limited_total",
		Help: "Connect attempts rejected by the connection rate limiter",
	}, []string{"scope"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"node", "reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comet_connection_duration_seconds",
		Help:    "Session duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_frames_received_total",
		Help: "Frames received from clients",
	}, []string{"node"})

	framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_frames_sent_total",
		Help: "Frames written to clients",
	}, []string{"node"})

	usersOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comet_users_online",
		Help: "Users currently tracked as online",
	}, []string{"node"})

	routerForwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_router_messages_total",
		Help: "Messages handled by the router by outcome",
	}, []string{"outcome"})

	storageOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comet_storage_op_duration_seconds",
		Help:    "Latency of storage backend calls",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op", "status"})

	backlogOverflow = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_backlog_overflow_total",
		Help: "Backlog entries dropped or rejected because a user queue was full",
	}, []string{"policy"})

	executorQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comet_executor_queue_depth",
		Help: "Pending blocking tasks per executor worker",
	}, []string{"node", "worker"})

	completionRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_loop_post_retries_total",
		Help: "Times a post to a full reactor queue had to wait",
	}, []string{"node"})

	ringEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_timeout_ring_events_total",
		Help: "Time wheel expirations by action",
	}, []string{"node", "action"})

	ingestRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_ingest_records_total",
		Help: "Kafka records consumed by the ingest path",
	}, []string{"status"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "comet_errors_total",
		Help: "Total errors by type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(connectionRateLimited)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(usersOnline)

	prometheus.MustRegister(routerForwards)
	prometheus.MustRegister(storageOpDuration)
	prometheus.MustRegister(backlogOverflow)

	prometheus.MustRegister(executorQueueDepth)
	prometheus.MustRegister(completionRetries)
	prometheus.MustRegister(ringEvents)

	prometheus.MustRegister(ingestRecords)
	prometheus.MustRegister(errorsTotal)
}

// Disconnect reasons
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonPeerClosed     = "peer_closed"
	DisconnectReasonSlowClient     = "slow_client"
	DisconnectReasonIdleTimeout    = "idle_timeout"
	DisconnectReasonPollingDone    = "polling_delivered"
	DisconnectReasonAdmin          = "admin"
	DisconnectReasonServerShutdown = "server_shutdown"
	DisconnectReasonDuplicate      = "duplicate"
)

// Router outcomes
const (
	RouteForwarded = "forwarded"
	RoutePersisted = "persisted"
	RouteBounced   = "bounced"
	RouteRetried   = "retried"
	RouteFailed    = "failed"
	RouteFanout    = "fanout"
)

func RecordConnect(node, transport string) {
	connectionsTotal.WithLabelValues(node, transport).Inc()
	connectionsActive.WithLabelValues(node).Inc()
}

// RecordDisconnect tracks a disconnect with reason and session duration.
func RecordDisconnect(node, reason string, duration time.Duration) {
	connectionsActive.WithLabelValues(node).Dec()
	disconnectsTotal.WithLabelValues(node, reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func RecordConnectRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// IncrementConnectionRateLimit counts a rate-limited connect ("global" or "per_ip").
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

func RecordFrameReceived(node string) {
	framesReceived.WithLabelValues(node).Inc()
}

func RecordFramesSent(node string, n int) {
	framesSent.WithLabelValues(node).Add(float64(n))
}

func SetUsersOnline(node string, n int) {
	usersOnline.WithLabelValues(node).Set(float64(n))
}

func RecordRoute(outcome string) {
	routerForwards.WithLabelValues(outcome).Inc()
}

// ObserveStorageOp records the latency of one backend call.
func ObserveStorageOp(op string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	storageOpDuration.WithLabelValues(op, status).Observe(time.Since(started).Seconds())
}

func RecordBacklogOverflow(policy string) {
	backlogOverflow.WithLabelValues(policy).Inc()
}

func SetExecutorQueueDepth(node, worker string, depth int) {
	executorQueueDepth.WithLabelValues(node, worker).Set(float64(depth))
}

func IncrementLoopPostRetry(node string) {
	completionRetries.WithLabelValues(node).Inc()
}

func RecordRingEvent(node, action string) {
	ringEvents.WithLabelValues(node, action).Inc()
}

func RecordIngest(status string) {
	ingestRecords.WithLabelValues(status).Inc()
}

func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
