package api

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_messages_created_total",
		Help: "Messages stored and broadcast.",
	})
	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_idempotent_replays_total",
		Help: "Creation retries answered from the idempotency cache.",
	})
	votesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_votes_total",
		Help: "Accepted vote requests by direction.",
	}, []string{"direction"})
	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agora_rate_limited_total",
		Help: "Write requests refused by the per-user rate limit.",
	})
)

func init() {
	prometheus.MustRegister(messagesCreated, idempotentReplays, votesCast, rateLimited)
}
