package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PostsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_posts_claimed_total",
			Help: "Posts claimed for notification",
		},
	)

	NotificationsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_notifications_sent_total",
			Help: "Immediate notifications delivered",
		},
	)

	NotificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_notification_failures_total",
			Help: "Immediate notification send failures",
		},
	)

	DigestQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_digest_queued_total",
			Help: "Posts queued for daily digest",
		},
	)

	DigestsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_digests_sent_total",
			Help: "Daily digest mails delivered",
		},
	)

	DigestFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_digest_failures_total",
			Help: "Daily digest send failures",
		},
	)

	QueuePurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forum_digest_queue_purged_total",
			Help: "Stale digest queue entries purged",
		},
	)
)

func Init() {
	prometheus.MustRegister(PostsClaimed)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(NotificationFailures)
	prometheus.MustRegister(DigestQueued)
	prometheus.MustRegister(DigestsSent)
	prometheus.MustRegister(DigestFailures)
	prometheus.MustRegister(QueuePurged)
}
