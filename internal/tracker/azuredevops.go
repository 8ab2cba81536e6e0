package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/featurehub/internal/models"
)

const (
	azureDefaultBaseURL     = "https://dev.azure.com"
	azureCommentsAPIVersion = "7.1-preview.4"
	azureWorkItemAPIVersion = "7.1"
	azureCommentPageSize    = 200
	azureAreaDepth          = 10
)

// AzureDevOps talks to the Azure DevOps work item REST API using basic auth
// with an empty user name and the personal access token as password.
type AzureDevOps struct {
	client *restClient
	tokens TokenDecrypter
}

func NewAzureDevOps(tokens TokenDecrypter, opts Options) *AzureDevOps {
	return &AzureDevOps{client: newRESTClient(models.IntegrationAzureDevOps, opts), tokens: tokens}
}

func (a *AzureDevOps) Provider() string { return models.IntegrationAzureDevOps }

type azureIdentity struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

type azureComment struct {
	ID           int           `json:"id"`
	Text         string        `json:"text"`
	CreatedBy    azureIdentity `json:"createdBy"`
	CreatedDate  time.Time     `json:"createdDate"`
	ModifiedDate time.Time     `json:"modifiedDate"`
	IsDeleted    bool          `json:"isDeleted"`
}

type azureCommentList struct {
	TotalCount        int            `json:"totalCount"`
	Count             int            `json:"count"`
	Comments          []azureComment `json:"comments"`
	ContinuationToken string         `json:"continuationToken"`
}

type azureWorkItem struct {
	ID     int                    `json:"id"`
	Fields map[string]interface{} `json:"fields"`
	Links  struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"_links"`
}

type azurePatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

type azureNode struct {
	Name     string      `json:"name"`
	Children []azureNode `json:"children"`
}

// target is the resolved, validated location of one call.
type azureTarget struct {
	base    string // {base}/{org}/{project}
	project string
	auth    func(*http.Request)
}

// resolve validates cfg and decrypts the token. The token lives in the auth
// closure for the duration of one adapter call only.
func (a *AzureDevOps) resolve(cfg *models.IntegrationConfig) (*azureTarget, error) {
	if cfg == nil || cfg.IntegrationType != models.IntegrationAzureDevOps {
		return nil, configError("not an azure devops integration")
	}
	if strings.TrimSpace(cfg.Organization) == "" || strings.TrimSpace(cfg.Project) == "" {
		return nil, configError("azure devops organization and project are required")
	}
	if cfg.EncryptedToken == "" {
		return nil, configError("azure devops access token is not set")
	}
	token, err := a.tokens.Decrypt(cfg.EncryptedToken)
	if err != nil {
		return nil, configError("azure devops access token cannot be decrypted: %v", err)
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = azureDefaultBaseURL
	}
	return &azureTarget{
		base:    fmt.Sprintf("%s/%s/%s", base, url.PathEscape(cfg.Organization), url.PathEscape(cfg.Project)),
		project: cfg.Project,
		auth: func(r *http.Request) {
			r.SetBasicAuth("", token)
		},
	}, nil
}

func (a *AzureDevOps) FetchComments(ctx context.Context, cfg *models.IntegrationConfig, externalID string) ([]Comment, error) {
	t, err := a.resolve(cfg)
	if err != nil {
		return nil, err
	}

	var comments []Comment
	continuation := ""
	for {
		q := url.Values{}
		q.Set("api-version", azureCommentsAPIVersion)
		q.Set("$top", strconv.Itoa(azureCommentPageSize))
		q.Set("order", "asc")
		if continuation != "" {
			q.Set("continuationToken", continuation)
		}

		var page azureCommentList
		headers, err := a.client.do(ctx, request{
			op:        "fetch comments",
			method:    http.MethodGet,
			url:       fmt.Sprintf("%s/_apis/wit/workItems/%s/comments?%s", t.base, url.PathEscape(externalID), q.Encode()),
			authorize: t.auth,
		}, &page)
		if err != nil {
			return nil, err
		}

		for _, c := range page.Comments {
			if c.IsDeleted {
				continue
			}
			comments = append(comments, Comment{
				ExternalCommentID: strconv.Itoa(c.ID),
				Author:            c.CreatedBy.DisplayName,
				AuthorEmail:       c.CreatedBy.UniqueName,
				Body:              c.Text,
				CreatedAt:         c.CreatedDate,
				UpdatedAt:         latest(c.CreatedDate, c.ModifiedDate),
			})
		}

		continuation = page.ContinuationToken
		if continuation == "" {
			continuation = headers.Get("x-ms-continuationtoken")
		}
		if continuation == "" || len(page.Comments) == 0 {
			break
		}
	}
	return comments, nil
}

func (a *AzureDevOps) CreateComment(ctx context.Context, cfg *models.IntegrationConfig, externalID, body, authorDisplayName string) (string, error) {
	t, err := a.resolve(cfg)
	if err != nil {
		return "", err
	}

	text := Attribute(models.IntegrationAzureDevOps, authorDisplayName, body)

	var created azureComment
	_, err = a.client.do(ctx, request{
		op:        "create comment",
		method:    http.MethodPost,
		url:       fmt.Sprintf("%s/_apis/wit/workItems/%s/comments?api-version=%s", t.base, url.PathEscape(externalID), azureCommentsAPIVersion),
		body:      map[string]string{"text": text},
		authorize: t.auth,
	}, &created)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(created.ID), nil
}

func (a *AzureDevOps) UpdateComment(ctx context.Context, cfg *models.IntegrationConfig, externalID, externalCommentID, body string) error {
	t, err := a.resolve(cfg)
	if err != nil {
		return err
	}

	_, err = a.client.do(ctx, request{
		op:     "update comment",
		method: http.MethodPatch,
		url: fmt.Sprintf("%s/_apis/wit/workItems/%s/comments/%s?api-version=%s",
			t.base, url.PathEscape(externalID), url.PathEscape(externalCommentID), azureCommentsAPIVersion),
		body:      map[string]string{"text": body},
		authorize: t.auth,
	}, nil)
	return err
}

func (a *AzureDevOps) GetWorkItem(ctx context.Context, cfg *models.IntegrationConfig, externalID string) (*WorkItem, error) {
	t, err := a.resolve(cfg)
	if err != nil {
		return nil, err
	}

	var wi azureWorkItem
	_, err = a.client.do(ctx, request{
		op:        "get work item",
		method:    http.MethodGet,
		url:       fmt.Sprintf("%s/_apis/wit/workitems/%s?api-version=%s", t.base, url.PathEscape(externalID), azureWorkItemAPIVersion),
		authorize: t.auth,
	}, &wi)
	if err != nil {
		return nil, err
	}

	state := fieldString(wi.Fields, "System.State")
	changed, _ := time.Parse(time.RFC3339Nano, fieldString(wi.Fields, "System.ChangedDate"))
	return &WorkItem{
		ExternalID:  strconv.Itoa(wi.ID),
		Title:       fieldString(wi.Fields, "System.Title"),
		Description: fieldString(wi.Fields, "System.Description"),
		State:       state,
		Status:      StatusFromAzureState(state),
		URL:         wi.Links.HTML.Href,
		UpdatedAt:   changed,
	}, nil
}

func (a *AzureDevOps) CreateWorkItem(ctx context.Context, cfg *models.IntegrationConfig, in WorkItemInput) (*WorkItemRef, error) {
	t, err := a.resolve(cfg)
	if err != nil {
		return nil, err
	}

	itemType := in.Type
	if itemType == "" {
		itemType = cfg.WorkItemType
	}
	if itemType == "" {
		itemType = "User Story"
	}

	ops := []azurePatchOp{
		{Op: "add", Path: "/fields/System.Title", Value: in.Title},
		{Op: "add", Path: "/fields/System.Description", Value: in.Description},
	}
	if cfg.AreaPath != "" {
		ops = append(ops, azurePatchOp{Op: "add", Path: "/fields/System.AreaPath", Value: cfg.AreaPath})
	}
	if len(in.Tags) > 0 {
		ops = append(ops, azurePatchOp{Op: "add", Path: "/fields/System.Tags", Value: strings.Join(in.Tags, "; ")})
	}
	for name, value := range in.CustomFields {
		ops = append(ops, azurePatchOp{Op: "add", Path: "/fields/" + name, Value: value})
	}

	var wi azureWorkItem
	_, err = a.client.do(ctx, request{
		op:          "create work item",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/_apis/wit/workitems/$%s?api-version=%s", t.base, url.PathEscape(itemType), azureWorkItemAPIVersion),
		body:        ops,
		contentType: "application/json-patch+json",
		authorize:   t.auth,
	}, &wi)
	if err != nil {
		return nil, err
	}
	return &WorkItemRef{ExternalID: strconv.Itoa(wi.ID), ExternalURL: wi.Links.HTML.Href}, nil
}

func (a *AzureDevOps) UpdateWorkItemFields(ctx context.Context, cfg *models.IntegrationConfig, externalID string, fields Fields) error {
	t, err := a.resolve(cfg)
	if err != nil {
		return err
	}

	var ops []azurePatchOp
	if fields.Title != nil {
		ops = append(ops, azurePatchOp{Op: "add", Path: "/fields/System.Title", Value: *fields.Title})
	}
	if fields.Description != nil {
		ops = append(ops, azurePatchOp{Op: "add", Path: "/fields/System.Description", Value: *fields.Description})
	}
	if fields.Status != nil {
		if state := AzureStateFor(*fields.Status); state != "" {
			ops = append(ops, azurePatchOp{Op: "add", Path: "/fields/System.State", Value: state})
		}
	}
	if len(ops) == 0 {
		return nil
	}

	_, err = a.client.do(ctx, request{
		op:          "update work item",
		method:      http.MethodPatch,
		url:         fmt.Sprintf("%s/_apis/wit/workitems/%s?api-version=%s", t.base, url.PathEscape(externalID), azureWorkItemAPIVersion),
		body:        ops,
		contentType: "application/json-patch+json",
		authorize:   t.auth,
	}, nil)
	return err
}

// ListLocations returns every area path under the project, flattened from the
// classification node tree as "Project\Area\Sub".
func (a *AzureDevOps) ListLocations(ctx context.Context, cfg *models.IntegrationConfig) ([]string, error) {
	t, err := a.resolve(cfg)
	if err != nil {
		return nil, err
	}

	var root azureNode
	_, err = a.client.do(ctx, request{
		op:     "list area paths",
		method: http.MethodGet,
		url: fmt.Sprintf("%s/_apis/wit/classificationnodes/areas?$depth=%d&api-version=%s",
			t.base, azureAreaDepth, azureWorkItemAPIVersion),
		authorize: t.auth,
	}, &root)
	if err != nil {
		return nil, err
	}
	return flattenAreas(root, ""), nil
}

func flattenAreas(node azureNode, prefix string) []string {
	path := node.Name
	if prefix != "" {
		path = prefix + `\` + node.Name
	}
	paths := []string{path}
	for _, child := range node.Children {
		paths = append(paths, flattenAreas(child, path)...)
	}
	return paths
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}
