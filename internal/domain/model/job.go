// Package model defines the core data types used throughout the PageCraft job
// orchestration system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the kind of work a job performs. The set is closed:
// payload shapes are statically known per type.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current lifecycle state of a job.
type JobStatus string

const (
	// JobTypeContentPlan is the planner placeholder job parked on the planned
	// queue until an upstream planner claims it.
	JobTypeContentPlan JobType = "content_plan"
	// JobTypeContentGenerate generates an article for a target keyword.
	JobTypeContentGenerate JobType = "content_generate"
	// JobTypeContentRefresh rewrites stale content for an existing page.
	JobTypeContentRefresh JobType = "content_refresh"
	// JobTypeSEOAudit runs a technical SEO audit for one site.
	JobTypeSEOAudit JobType = "seo_audit"
	// JobTypeSiteScan is the cross-tenant scan that fans out per-site work.
	JobTypeSiteScan JobType = "site_scan"
	// JobTypeAnalyticsSync pulls GSC/GA4 metrics for one site.
	JobTypeAnalyticsSync JobType = "analytics_sync"
	// JobTypeSocialPost publishes one post to one social platform.
	JobTypeSocialPost JobType = "social_post"
	// JobTypeSiteCreate provisions a new site; the site does not exist yet.
	JobTypeSiteCreate JobType = "site_create"
	// JobTypeDomainVerify checks DNS/file verification for a custom domain.
	JobTypeDomainVerify JobType = "domain_verify"
	// JobTypeSSLProvision requests and installs a certificate for a domain.
	JobTypeSSLProvision JobType = "ssl_provision"
	// JobTypeMicrositeDeploy deploys a microsite build.
	JobTypeMicrositeDeploy JobType = "microsite_deploy"

	// JobStatusPending indicates a job is waiting to be picked up.
	JobStatusPending JobStatus = "pending"
	// JobStatusScheduled indicates a job was admitted with a delay and is not
	// yet eligible for dispatch.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusRunning indicates a worker holds the job's lease.
	JobStatusRunning JobStatus = "running"
	// JobStatusRetrying indicates the job failed and is waiting out its backoff.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusCompleted indicates the job finished successfully. Terminal.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job was dead-lettered or exhausted its
	// retry budget. Terminal.
	JobStatusFailed JobStatus = "failed"
)

// AllJobTypes returns every valid job type.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeContentPlan,
		JobTypeContentGenerate,
		JobTypeContentRefresh,
		JobTypeSEOAudit,
		JobTypeSiteScan,
		JobTypeAnalyticsSync,
		JobTypeSocialPost,
		JobTypeSiteCreate,
		JobTypeDomainVerify,
		JobTypeSSLProvision,
		JobTypeMicrositeDeploy,
	}
}

// Valid returns true if the JobType is one of the closed set.
func (t JobType) Valid() bool {
	for _, jt := range AllJobTypes() {
		if t == jt {
			return true
		}
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusScheduled, JobStatusRunning,
		JobStatusRetrying, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal returns true for states that never revert.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// siteOptionalTypes are the job types admitted without a site id: cross-tenant
// fan-out scans, creation jobs whose target site does not exist yet, and jobs
// keyed by a different owner id (domain, microsite).
var siteOptionalTypes = map[JobType]struct{}{
	JobTypeSiteScan:        {},
	JobTypeSiteCreate:      {},
	JobTypeDomainVerify:    {},
	JobTypeSSLProvision:    {},
	JobTypeMicrositeDeploy: {},
}

// SiteOptional reports whether the type may be admitted without a site id.
func (t JobType) SiteOptional() bool {
	_, ok := siteOptionalTypes[t]
	return ok
}

// dedupExemptTypes are job types where multiple concurrent non-terminal
// instances per owner are legitimate (one social post per platform).
var dedupExemptTypes = map[JobType]struct{}{
	JobTypeSocialPost: {},
}

// DedupExempt reports whether admission skips the (site, type) dedup claim.
func (t JobType) DedupExempt() bool {
	_, ok := dedupExemptTypes[t]
	return ok
}

// ErrJobNotFound is returned when a job does not exist in the store.
var ErrJobNotFound = errors.New("job not found")

// Job is the durable record of one unit of work. The store is the source of
// truth for status and history; the broker entry referenced by CorrelationKey
// only drives dispatch.
type Job struct {
	ID             string     `json:"id"                        db:"id"`
	Type           JobType    `json:"type"                      db:"type"`
	Queue          Queue      `json:"queue"                     db:"queue"`
	Status         JobStatus  `json:"status"                    db:"status"`
	Priority       int        `json:"priority"                  db:"priority"`
	Payload        []byte     `json:"payload"                   db:"payload"`
	SiteID         *string    `json:"site_id,omitempty"         db:"site_id"`
	CorrelationKey *string    `json:"correlation_key,omitempty" db:"correlation_key"`
	Attempts       int        `json:"attempts"                  db:"attempts"`
	MaxAttempts    int        `json:"max_attempts"              db:"max_attempts"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"   db:"scheduled_for"`
	StartedAt      *time.Time `json:"started_at,omitempty"      db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"    db:"completed_at"`
	LastError      *string    `json:"last_error,omitempty"      db:"last_error"`
	CreatedAt      time.Time  `json:"created_at"                db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"                db:"updated_at"`
}

// OwnerKey returns the dedup/stuck-counter owner component: the site id, or
// "global" for site-less jobs.
func (j *Job) OwnerKey() string {
	return OwnerKey(j.SiteID)
}

// OwnerKey derives the owner component for an optional site id.
func OwnerKey(siteID *string) string {
	if siteID == nil || *siteID == "" {
		return "global"
	}
	return *siteID
}

// FormatCorrelationKey builds the string tying a store record to its broker item.
func FormatCorrelationKey(queue Queue, itemID string) string {
	return string(queue) + ":" + itemID
}

// ParseCorrelationKey splits a correlation key into its queue and item id.
func ParseCorrelationKey(key string) (Queue, string, error) {
	idx := strings.Index(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed correlation key: %q", key)
	}
	return Queue(key[:idx]), key[idx+1:], nil
}

// CreateJobRequest carries everything the store needs to insert a job.
// Correlation key is always absent at creation; it is written back only after
// broker dispatch succeeds.
type CreateJobRequest struct {
	Type         JobType
	Queue        Queue
	Status       JobStatus
	Priority     int
	Payload      []byte
	SiteID       *string
	MaxAttempts  int
	ScheduledFor *time.Time
}

// JobStats counts jobs of one type per lifecycle state.
type JobStats struct {
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
