package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cargolink_requests_in_flight",
		Help: "Requests currently holding a concurrency slot.",
	})
	RequestsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cargolink_requests_queued",
		Help: "Requests waiting for a free concurrency slot.",
	})

	RateLimitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_rate_limit_retries_total",
		Help: "Total requests re-issued after a 429 backoff wait.",
	})
	TokenRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_token_refreshes_total",
		Help: "Total refresh calls actually issued (coalesced callers excluded).",
	})
	SessionExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_session_expired_total",
		Help: "Total refresh failures that purged credentials.",
	})

	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cargolink_outbox_depth",
		Help: "Pending mutations in the local outbox.",
	})
	SyncPushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_sync_push_batches_total",
		Help: "Total push batches submitted.",
	})
	SyncConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_sync_conflicts_total",
		Help: "Total mutations the server reported as version conflicts.",
	})
	SyncPullChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_sync_pull_changes_total",
		Help: "Total server changes applied from pull cycles.",
	})

	ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_channel_reconnects_total",
		Help: "Total reconnection attempts after an unclean close.",
	})
	ChannelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cargolink_channel_state",
		Help: "Tracking channel state (0=disconnected 1=connecting 2=connected 3=reconnecting).",
	})
	ChannelMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cargolink_channel_messages_total",
		Help: "Total inbound tracking messages dispatched to handlers.",
	})
)

func Register() {
	prometheus.MustRegister(
		RequestsInFlight, RequestsQueued,
		RateLimitRetries, TokenRefreshes, SessionExpired,
		OutboxDepth, SyncPushBatches, SyncConflicts, SyncPullChanges,
		ChannelReconnects, ChannelState, ChannelMessages,
	)
}
