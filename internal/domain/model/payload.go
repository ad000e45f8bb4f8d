package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is the typed payload union. Each job type has exactly one payload
// variant, so payload/type agreement is enforced at admission time instead of
// at handler time.
type Payload interface {
	// JobType returns the job type this payload belongs to.
	JobType() JobType
	// Validate checks the variant's own required fields. Site-id requirements
	// are enforced by the admission pipeline, not here.
	Validate() error
}

// ContentPlanPayload parks a planning slot for a site.
type ContentPlanPayload struct {
	SiteID string `json:"site_id"`
	Period string `json:"period"` // e.g. "2026-08"
}

func (ContentPlanPayload) JobType() JobType { return JobTypeContentPlan }

func (p ContentPlanPayload) Validate() error {
	if p.Period == "" {
		return errors.New("period is required")
	}
	return nil
}

// ContentGeneratePayload requests one article for a target keyword.
type ContentGeneratePayload struct {
	SiteID        string `json:"site_id"`
	TargetKeyword string `json:"target_keyword"`
	ContentType   string `json:"content_type,omitempty"`
}

func (ContentGeneratePayload) JobType() JobType { return JobTypeContentGenerate }

func (p ContentGeneratePayload) Validate() error {
	if p.TargetKeyword == "" {
		return errors.New("target_keyword is required")
	}
	return nil
}

// ContentRefreshPayload rewrites an existing page.
type ContentRefreshPayload struct {
	SiteID string `json:"site_id"`
	PageID string `json:"page_id"`
}

func (ContentRefreshPayload) JobType() JobType { return JobTypeContentRefresh }

func (p ContentRefreshPayload) Validate() error {
	if p.PageID == "" {
		return errors.New("page_id is required")
	}
	return nil
}

// SEOAuditPayload audits one site.
type SEOAuditPayload struct {
	SiteID string `json:"site_id"`
	Depth  int    `json:"depth,omitempty"`
}

func (SEOAuditPayload) JobType() JobType { return JobTypeSEOAudit }

func (p SEOAuditPayload) Validate() error {
	if p.Depth < 0 {
		return errors.New("depth must be >= 0")
	}
	return nil
}

// SiteScanPayload fans out per-site follow-up work; it owns no single tenant.
type SiteScanPayload struct {
	Scope string `json:"scope,omitempty"` // optional filter, e.g. "active"
}

func (SiteScanPayload) JobType() JobType { return JobTypeSiteScan }

func (SiteScanPayload) Validate() error { return nil }

// AnalyticsSyncPayload pulls search/analytics metrics for one site.
type AnalyticsSyncPayload struct {
	SiteID string `json:"site_id"`
	Source string `json:"source"` // "gsc" or "ga4"
}

func (AnalyticsSyncPayload) JobType() JobType { return JobTypeAnalyticsSync }

func (p AnalyticsSyncPayload) Validate() error {
	if p.Source != "gsc" && p.Source != "ga4" {
		return fmt.Errorf("unknown analytics source: %q", p.Source)
	}
	return nil
}

// SocialPostPayload publishes one post to one platform. Dedup-exempt: one job
// per platform for the same site is legitimate.
type SocialPostPayload struct {
	SiteID   string `json:"site_id"`
	Platform string `json:"platform"`
	PageID   string `json:"page_id"`
}

func (SocialPostPayload) JobType() JobType { return JobTypeSocialPost }

func (p SocialPostPayload) Validate() error {
	if p.Platform == "" {
		return errors.New("platform is required")
	}
	if p.PageID == "" {
		return errors.New("page_id is required")
	}
	return nil
}

// SiteCreatePayload provisions a new site; no site id exists yet.
type SiteCreatePayload struct {
	Name     string `json:"name"`
	Template string `json:"template,omitempty"`
}

func (SiteCreatePayload) JobType() JobType { return JobTypeSiteCreate }

func (p SiteCreatePayload) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// DomainVerifyPayload is keyed by domain id, not site id.
type DomainVerifyPayload struct {
	DomainID string `json:"domain_id"`
	Method   string `json:"method"` // "dns" or "file"
}

func (DomainVerifyPayload) JobType() JobType { return JobTypeDomainVerify }

func (p DomainVerifyPayload) Validate() error {
	if p.DomainID == "" {
		return errors.New("domain_id is required")
	}
	if p.Method != "dns" && p.Method != "file" {
		return fmt.Errorf("unknown verification method: %q", p.Method)
	}
	return nil
}

// SSLProvisionPayload is keyed by domain id.
type SSLProvisionPayload struct {
	DomainID string `json:"domain_id"`
}

func (SSLProvisionPayload) JobType() JobType { return JobTypeSSLProvision }

func (p SSLProvisionPayload) Validate() error {
	if p.DomainID == "" {
		return errors.New("domain_id is required")
	}
	return nil
}

// MicrositeDeployPayload is keyed by microsite id.
type MicrositeDeployPayload struct {
	MicrositeID string `json:"microsite_id"`
	BuildRef    string `json:"build_ref,omitempty"`
}

func (MicrositeDeployPayload) JobType() JobType { return JobTypeMicrositeDeploy }

func (p MicrositeDeployPayload) Validate() error {
	if p.MicrositeID == "" {
		return errors.New("microsite_id is required")
	}
	return nil
}

// EncodePayload serializes a payload for storage and broker transport.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is required")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	return b, nil
}

// DecodePayload deserializes raw bytes into the variant for the given type.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case JobTypeContentPlan:
		p = &ContentPlanPayload{}
	case JobTypeContentGenerate:
		p = &ContentGeneratePayload{}
	case JobTypeContentRefresh:
		p = &ContentRefreshPayload{}
	case JobTypeSEOAudit:
		p = &SEOAuditPayload{}
	case JobTypeSiteScan:
		p = &SiteScanPayload{}
	case JobTypeAnalyticsSync:
		p = &AnalyticsSyncPayload{}
	case JobTypeSocialPost:
		p = &SocialPostPayload{}
	case JobTypeSiteCreate:
		p = &SiteCreatePayload{}
	case JobTypeDomainVerify:
		p = &DomainVerifyPayload{}
	case JobTypeSSLProvision:
		p = &SSLProvisionPayload{}
	case JobTypeMicrositeDeploy:
		p = &MicrositeDeployPayload{}
	default:
		return nil, fmt.Errorf("no payload variant for job type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// PayloadSiteID extracts the site id from variants that carry one. Returns nil
// for site-less payloads.
func PayloadSiteID(p Payload) *string {
	var id string
	switch v := p.(type) {
	case ContentPlanPayload:
		id = v.SiteID
	case *ContentPlanPayload:
		id = v.SiteID
	case ContentGeneratePayload:
		id = v.SiteID
	case *ContentGeneratePayload:
		id = v.SiteID
	case ContentRefreshPayload:
		id = v.SiteID
	case *ContentRefreshPayload:
		id = v.SiteID
	case SEOAuditPayload:
		id = v.SiteID
	case *SEOAuditPayload:
		id = v.SiteID
	case AnalyticsSyncPayload:
		id = v.SiteID
	case *AnalyticsSyncPayload:
		id = v.SiteID
	case SocialPostPayload:
		id = v.SiteID
	case *SocialPostPayload:
		id = v.SiteID
	default:
		return nil
	}
	if id == "" {
		return nil
	}
	return &id
}
