package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Messages successfully sent, by transport path.",
	}, []string{"transport"})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_failures_total",
		Help: "Sends that failed on both socket and REST paths.",
	})

	OutboxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_outbox_retries_total",
		Help: "Outbox resend attempts, by outcome.",
	}, []string{"outcome"})

	PagesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_pages_loaded_total",
		Help: "History pages merged into the store.",
	})

	TypingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_typing_events_total",
		Help: "Typing signals, by direction.",
	}, []string{"direction"})
)

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
