package model

import "time"

// Queue names one logical broker queue. Each job type maps to exactly one queue.
type Queue string

const (
	// QueuePlanned holds planner placeholder jobs not yet claimed by the
	// content planner. Excluded from pending-stuck detection.
	QueuePlanned Queue = "planned"
	// QueueContent carries content generation and refresh work.
	QueueContent Queue = "content"
	// QueueSEO carries audits and cross-tenant scans.
	QueueSEO Queue = "seo"
	// QueueAnalytics carries GSC/GA4 catalog syncs (long external calls).
	QueueAnalytics Queue = "analytics"
	// QueueSocial carries per-platform social posts.
	QueueSocial Queue = "social"
	// QueueInfra carries site/domain/SSL provisioning work.
	QueueInfra Queue = "infra"
)

// QueueConfig is the static per-queue tuning: broker visibility timeout,
// default attempt ceiling, and backoff base. Timeouts follow the expected
// external-dependency latency of the queue's workload.
type QueueConfig struct {
	Timeout         time.Duration
	DefaultAttempts int
	BackoffBase     time.Duration
}

var typeQueues = map[JobType]Queue{
	JobTypeContentPlan:     QueuePlanned,
	JobTypeContentGenerate: QueueContent,
	JobTypeContentRefresh:  QueueContent,
	JobTypeSEOAudit:        QueueSEO,
	JobTypeSiteScan:        QueueSEO,
	JobTypeAnalyticsSync:   QueueAnalytics,
	JobTypeSocialPost:      QueueSocial,
	JobTypeSiteCreate:      QueueInfra,
	JobTypeDomainVerify:    QueueInfra,
	JobTypeSSLProvision:    QueueInfra,
	JobTypeMicrositeDeploy: QueueInfra,
}

var queueConfigs = map[Queue]QueueConfig{
	QueuePlanned:   {Timeout: 2 * time.Minute, DefaultAttempts: 1, BackoffBase: 2 * time.Second},
	QueueContent:   {Timeout: 15 * time.Minute, DefaultAttempts: 3, BackoffBase: 5 * time.Second},
	QueueSEO:       {Timeout: 30 * time.Minute, DefaultAttempts: 3, BackoffBase: 5 * time.Second},
	QueueAnalytics: {Timeout: 2 * time.Hour, DefaultAttempts: 5, BackoffBase: 30 * time.Second},
	QueueSocial:    {Timeout: 5 * time.Minute, DefaultAttempts: 3, BackoffBase: 5 * time.Second},
	QueueInfra:     {Timeout: 10 * time.Minute, DefaultAttempts: 4, BackoffBase: 10 * time.Second},
}

// QueueName returns the broker queue a job type dispatches to.
func (t JobType) QueueName() Queue {
	return typeQueues[t]
}

// AllQueues returns every configured queue.
func AllQueues() []Queue {
	return []Queue{QueuePlanned, QueueContent, QueueSEO, QueueAnalytics, QueueSocial, QueueInfra}
}

// Config returns the static tuning for the queue. Unknown queues fall back to
// the infra defaults rather than zero values.
func (q Queue) Config() QueueConfig {
	if cfg, ok := queueConfigs[q]; ok {
		return cfg
	}
	return queueConfigs[QueueInfra]
}

// Valid reports whether q is a configured queue.
func (q Queue) Valid() bool {
	_, ok := queueConfigs[q]
	return ok
}
