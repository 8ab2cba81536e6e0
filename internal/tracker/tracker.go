// Package tracker implements the two external issue tracker adapters: Azure
// DevOps work items and GitHub issues. Both satisfy Adapter; Registry
// dispatches over the closed set of integration types.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/featurehub/internal/models"
	"golang.org/x/time/rate"
)

var (
	// ErrProviderAuth means the token was rejected (401/403). Not retried.
	ErrProviderAuth = errors.New("tracker: authentication failed")
	// ErrProviderNotFound means the work item no longer exists (404).
	ErrProviderNotFound = errors.New("tracker: work item not found")
	// ErrProviderUnavailable covers network failures, 429 and 5xx.
	ErrProviderUnavailable = errors.New("tracker: provider unavailable")
	// ErrProviderRejected covers other 4xx answers (validation errors).
	ErrProviderRejected = errors.New("tracker: request rejected")
	// ErrConfiguration is returned before any network call when the
	// integration is missing its location or token.
	ErrConfiguration = errors.New("tracker: integration misconfigured")
)

// APIError carries the provider response that produced a sentinel error.
type APIError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Comment is an external comment in provider-neutral form.
type Comment struct {
	ExternalCommentID string
	Author            string
	AuthorEmail       string
	Body              string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkItem is the subset of an external work item the sync engine compares.
type WorkItem struct {
	ExternalID  string
	Title       string
	Description string
	State       string // provider-native state
	Status      string // mapped feature status, "" if unmapped
	URL         string
	UpdatedAt   time.Time
}

// WorkItemInput describes a work item to create.
type WorkItemInput struct {
	Title        string
	Description  string
	Type         string
	Tags         []string
	CustomFields map[string]interface{}
}

// WorkItemRef identifies a created work item.
type WorkItemRef struct {
	ExternalID  string
	ExternalURL string
}

// Fields is a partial update. Nil fields are left untouched. Status is a
// feature status and is mapped by the adapter.
type Fields struct {
	Title       *string
	Description *string
	Status      *string
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	return f.Title == nil && f.Description == nil && f.Status == nil
}

// Adapter is the contract both trackers implement.
type Adapter interface {
	Provider() string
	FetchComments(ctx context.Context, cfg *models.IntegrationConfig, externalID string) ([]Comment, error)
	CreateComment(ctx context.Context, cfg *models.IntegrationConfig, externalID, body, authorDisplayName string) (string, error)
	UpdateComment(ctx context.Context, cfg *models.IntegrationConfig, externalID, externalCommentID, body string) error
	GetWorkItem(ctx context.Context, cfg *models.IntegrationConfig, externalID string) (*WorkItem, error)
	CreateWorkItem(ctx context.Context, cfg *models.IntegrationConfig, in WorkItemInput) (*WorkItemRef, error)
	UpdateWorkItemFields(ctx context.Context, cfg *models.IntegrationConfig, externalID string, fields Fields) error
	// ListLocations returns area paths (Azure DevOps) or branches (GitHub);
	// used to validate an integration config.
	ListLocations(ctx context.Context, cfg *models.IntegrationConfig) ([]string, error)
}

// TokenDecrypter opens the encrypted token stored on an IntegrationConfig.
type TokenDecrypter interface {
	Decrypt(sealed string) (string, error)
}

// Options tunes the HTTP behaviour shared by both adapters.
type Options struct {
	CallTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (o Options) limiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), burst)
}

// Registry holds one adapter per supported integration type.
type Registry struct {
	azure  *AzureDevOps
	github *GitHub
}

// NewRegistry builds both adapters. Each has its own rate limiter so one slow
// provider does not throttle the other.
func NewRegistry(tokens TokenDecrypter, opts Options) *Registry {
	return &Registry{
		azure:  NewAzureDevOps(tokens, opts),
		github: NewGitHub(tokens, opts),
	}
}

// For returns the adapter for an integration type.
func (r *Registry) For(integrationType string) (Adapter, error) {
	switch integrationType {
	case models.IntegrationAzureDevOps:
		return r.azure, nil
	case models.IntegrationGitHub:
		return r.github, nil
	default:
		return nil, configError("unsupported integration type %q", integrationType)
	}
}
