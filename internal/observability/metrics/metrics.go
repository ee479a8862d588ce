package metrics

import "github.com/prometheus/client_golang/prometheus"

// DefaultService labels series until MustRegister installs the real service name.
const DefaultService = "chatcore"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	authenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Bearer token verifications by method and result.",
		},
		[]string{"service", "method", "result"},
	)

	conversationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_created_total",
			Help: "Conversations created, by kind.",
		},
		[]string{"service", "chat_type"},
	)

	messagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored messages.",
		},
		[]string{"service", "chat_type"},
	)

	messagesCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "chat_type"},
	)

	messageHistoryFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_history_fetched_total",
			Help: "Total number of history fetch operations.",
		},
		[]string{"service", "chat_type"},
	)

	decryptionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decryption_failures_total",
			Help: "Ciphertexts that failed authentication on open.",
		},
		[]string{"service", "object"},
	)

	attachmentsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachments_stored_total",
			Help: "Encrypted attachments written to blob storage.",
		},
		[]string{"service", "chat_type"},
	)

	thumbnailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnails_generated_total",
			Help: "Preview generation attempts by result.",
		},
		[]string{"service", "result"},
	)

	wsConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Currently bound realtime sessions.",
		},
		[]string{"service", "chat_type"},
	)

	wsRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_rejections_total",
			Help: "Realtime sessions closed during authorization.",
		},
		[]string{"service", "reason"},
	)

	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Inbound realtime events by type.",
		},
		[]string{"service", "type"},
	)
)

// Curried views used by callers.
var (
	HTTPRequestsTotal           *prometheus.CounterVec
	HTTPRequestDurationSeconds  *prometheus.HistogramVec
	AuthenticationAttemptsTotal *prometheus.CounterVec
	ConversationsCreatedTotal   *prometheus.CounterVec
	MessagesStoredTotal         *prometheus.CounterVec
	MessagesCiphertextBytes     *prometheus.HistogramVec
	MessageHistoryFetchedTotal  *prometheus.CounterVec
	DecryptionFailuresTotal     *prometheus.CounterVec
	AttachmentsStoredTotal      *prometheus.CounterVec
	ThumbnailsTotal             *prometheus.CounterVec
	WSConnectionsActive         *prometheus.GaugeVec
	WSRejectionsTotal           *prometheus.CounterVec
	WSEventsTotal               *prometheus.CounterVec
)

func init() { curry(DefaultService) }

func curry(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}

	HTTPRequestsTotal = httpRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = httpRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	AuthenticationAttemptsTotal = authenticationAttemptsTotal.MustCurryWith(labels)
	ConversationsCreatedTotal = conversationsCreatedTotal.MustCurryWith(labels)
	MessagesStoredTotal = messagesStoredTotal.MustCurryWith(labels)
	MessagesCiphertextBytes = messagesCiphertextBytes.MustCurryWith(labels).(*prometheus.HistogramVec)
	MessageHistoryFetchedTotal = messageHistoryFetchedTotal.MustCurryWith(labels)
	DecryptionFailuresTotal = decryptionFailuresTotal.MustCurryWith(labels)
	AttachmentsStoredTotal = attachmentsStoredTotal.MustCurryWith(labels)
	ThumbnailsTotal = thumbnailsTotal.MustCurryWith(labels)
	WSConnectionsActive = wsConnectionsActive.MustCurryWith(labels)
	WSRejectionsTotal = wsRejectionsTotal.MustCurryWith(labels)
	WSEventsTotal = wsEventsTotal.MustCurryWith(labels)
}

func MustRegister(serviceName string) {
	curry(serviceName)

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		authenticationAttemptsTotal,
		conversationsCreatedTotal,
		messagesStoredTotal,
		messagesCiphertextBytes,
		messageHistoryFetchedTotal,
		decryptionFailuresTotal,
		attachmentsStoredTotal,
		thumbnailsTotal,
		wsConnectionsActive,
		wsRejectionsTotal,
		wsEventsTotal,
	)
}
