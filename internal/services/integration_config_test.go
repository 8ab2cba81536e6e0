package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/testutil"
	"github.com/huangang/featurehub/internal/tracker"
	"github.com/huangang/featurehub/internal/vault"
)

// locationsAdapter answers ListLocations only; any other call panics.
type locationsAdapter struct {
	tracker.Adapter
	locations []string
	err       error
}

func (a *locationsAdapter) ListLocations(ctx context.Context, cfg *models.IntegrationConfig) ([]string, error) {
	return a.locations, a.err
}

type staticAdapters struct {
	adapter tracker.Adapter
}

func (s staticAdapters) For(integrationType string) (tracker.Adapter, error) {
	if s.adapter == nil {
		return nil, fmt.Errorf("%w: no adapter for %s", tracker.ErrConfiguration, integrationType)
	}
	return s.adapter, nil
}

func newIntegrationService(t *testing.T, adapter tracker.Adapter) (*IntegrationConfigService, *vault.Vault) {
	t.Helper()
	v, err := vault.New("integration-test-key")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return NewIntegrationConfigService(testutil.NewDB(t), v, staticAdapters{adapter: adapter}), v
}

func TestIntegrationConfigService_CreateCategory(t *testing.T) {
	svc, _ := newIntegrationService(t, nil)

	category, err := svc.CreateCategory(&CreateCategoryRequest{Name: " Portal "})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}
	if category.Name != "Portal" || category.Integration == nil || category.Integration.IntegrationType != models.IntegrationNone {
		t.Errorf("unexpected category %+v", category)
	}

	_, err = svc.CreateCategory(&CreateCategoryRequest{Name: "Portal"})
	expectStatus(t, err, http.StatusConflict)
}

func TestIntegrationConfigService_UpsertValidation(t *testing.T) {
	svc, _ := newIntegrationService(t, nil)
	category, err := svc.CreateCategory(&CreateCategoryRequest{Name: "Portal"})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	tests := []struct {
		name string
		req  UpsertIntegrationRequest
	}{
		{"unknown type", UpsertIntegrationRequest{IntegrationType: "jira"}},
		{"azure without project", UpsertIntegrationRequest{IntegrationType: models.IntegrationAzureDevOps, Organization: "acme"}},
		{"github without repo", UpsertIntegrationRequest{IntegrationType: models.IntegrationGitHub, Owner: "acme"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upsert(category.ID, &tt.req, 1)
			expectStatus(t, err, http.StatusBadRequest)
		})
	}

	_, err = svc.Upsert(999, &UpsertIntegrationRequest{IntegrationType: models.IntegrationNone}, 1)
	expectStatus(t, err, http.StatusNotFound)
}

func TestIntegrationConfigService_UpsertSealsAndKeepsToken(t *testing.T) {
	svc, v := newIntegrationService(t, nil)
	category, err := svc.CreateCategory(&CreateCategoryRequest{Name: "Portal"})
	if err != nil {
		t.Fatalf("CreateCategory() error = %v", err)
	}

	token := "ghp_plaintext"
	cfg, err := svc.Upsert(category.ID, &UpsertIntegrationRequest{
		IntegrationType: models.IntegrationGitHub,
		Owner:           "acme",
		Repo:            "portal",
		Token:           &token,
		SyncComments:    true,
	}, 1)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if cfg.TokenMask != "****" || cfg.TokenRotatedAt == nil {
		t.Errorf("expected masked, rotated token, got %+v", cfg)
	}

	var stored models.IntegrationConfig
	if err := svc.db.Where("category_id = ?", category.ID).First(&stored).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.EncryptedToken == token {
		t.Fatal("token stored in plaintext")
	}
	plain, err := v.Decrypt(stored.EncryptedToken)
	if err != nil || plain != token {
		t.Fatalf("Decrypt() = %q, %v", plain, err)
	}

	// a nil token keeps the stored ciphertext
	if _, err := svc.Upsert(category.ID, &UpsertIntegrationRequest{
		IntegrationType: models.IntegrationGitHub,
		Owner:           "acme",
		Repo:            "portal-v2",
	}, 1); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	var after models.IntegrationConfig
	svc.db.Where("category_id = ?", category.ID).First(&after)
	if after.EncryptedToken != stored.EncryptedToken || after.Repo != "portal-v2" {
		t.Errorf("token should survive an update without one, got repo=%s", after.Repo)
	}
}

func TestIntegrationConfigService_Validate(t *testing.T) {
	tests := []struct {
		name    string
		adapter *locationsAdapter
		status  int
	}{
		{"lists locations", &locationsAdapter{locations: []string{"main", "release"}}, 0},
		{"bad token", &locationsAdapter{err: fmt.Errorf("%w: 401", tracker.ErrProviderAuth)}, http.StatusBadGateway},
		{"missing repo", &locationsAdapter{err: fmt.Errorf("%w: 404", tracker.ErrProviderNotFound)}, http.StatusNotFound},
		{"no token", &locationsAdapter{err: fmt.Errorf("%w: token missing", tracker.ErrConfiguration)}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newIntegrationService(t, tt.adapter)
			category, err := svc.CreateCategory(&CreateCategoryRequest{Name: "Portal"})
			if err != nil {
				t.Fatalf("CreateCategory() error = %v", err)
			}
			if _, err := svc.Upsert(category.ID, &UpsertIntegrationRequest{
				IntegrationType: models.IntegrationGitHub, Owner: "acme", Repo: "portal",
			}, 1); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}

			locations, err := svc.Validate(context.Background(), category.ID)
			if tt.status != 0 {
				expectStatus(t, err, tt.status)
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if len(locations) != 2 {
				t.Errorf("expected 2 locations, got %v", locations)
			}
		})
	}
}

func TestTrackerAppError_PassesThroughUnknown(t *testing.T) {
	plain := errors.New("disk full")
	if got := TrackerAppError(plain); got != plain {
		t.Errorf("TrackerAppError() = %v, expected the original error", got)
	}
}
