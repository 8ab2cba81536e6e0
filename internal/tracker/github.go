package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/pkg/logger"
)

const (
	githubDefaultBaseURL = "https://api.github.com"
	githubAPIVersion     = "2022-11-28"
	githubPageSize       = 100
	githubMaxPages       = 50
)

// GitHub talks to the GitHub issues REST API with a bearer token.
type GitHub struct {
	client *restClient
	tokens TokenDecrypter
}

func NewGitHub(tokens TokenDecrypter, opts Options) *GitHub {
	return &GitHub{client: newRESTClient(models.IntegrationGitHub, opts), tokens: tokens}
}

func (g *GitHub) Provider() string { return models.IntegrationGitHub }

type githubUser struct {
	Login string `json:"login"`
	Email string `json:"email"`
}

type githubComment struct {
	ID        int64      `json:"id"`
	Body      string     `json:"body"`
	User      githubUser `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type githubIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	StateReason string    `json:"state_reason"`
	HTMLURL     string    `json:"html_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type githubBranch struct {
	Name string `json:"name"`
}

type githubTarget struct {
	base string // {base}/repos/{owner}/{repo}
	auth func(*http.Request)
}

func (g *GitHub) resolve(cfg *models.IntegrationConfig) (*githubTarget, error) {
	if cfg == nil || cfg.IntegrationType != models.IntegrationGitHub {
		return nil, configError("not a github integration")
	}
	if strings.TrimSpace(cfg.Owner) == "" || strings.TrimSpace(cfg.Repo) == "" {
		return nil, configError("github owner and repo are required")
	}
	if cfg.EncryptedToken == "" {
		return nil, configError("github access token is not set")
	}
	token, err := g.tokens.Decrypt(cfg.EncryptedToken)
	if err != nil {
		return nil, configError("github access token cannot be decrypted: %v", err)
	}

	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = githubDefaultBaseURL
	}
	return &githubTarget{
		base: fmt.Sprintf("%s/repos/%s/%s", base, url.PathEscape(cfg.Owner), url.PathEscape(cfg.Repo)),
		auth: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		},
	}, nil
}

func (g *GitHub) req(t *githubTarget, op, method, u string, body interface{}) request {
	return request{
		op:        op,
		method:    method,
		url:       u,
		body:      body,
		authorize: t.auth,
		headers: map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": githubAPIVersion,
		},
	}
}

func (g *GitHub) FetchComments(ctx context.Context, cfg *models.IntegrationConfig, externalID string) ([]Comment, error) {
	t, err := g.resolve(cfg)
	if err != nil {
		return nil, err
	}

	var comments []Comment
	next := fmt.Sprintf("%s/issues/%s/comments?per_page=%d", t.base, url.PathEscape(externalID), githubPageSize)
	for page := 0; next != "" && page < githubMaxPages; page++ {
		var batch []githubComment
		headers, err := g.client.do(ctx, g.req(t, "fetch comments", http.MethodGet, next, nil), &batch)
		if err != nil {
			return nil, err
		}
		for _, c := range batch {
			comments = append(comments, Comment{
				ExternalCommentID: strconv.FormatInt(c.ID, 10),
				Author:            c.User.Login,
				AuthorEmail:       c.User.Email,
				Body:              c.Body,
				CreatedAt:         c.CreatedAt,
				UpdatedAt:         latest(c.CreatedAt, c.UpdatedAt),
			})
		}
		next = nextPageURL(headers.Get("Link"))
	}
	if next != "" {
		logger.Warn().Str("repo", cfg.Owner+"/"+cfg.Repo).Str("issue", externalID).Int("fetched", len(comments)).
			Msg("GitHub comment page limit reached; later comments are not mirrored")
	}
	return comments, nil
}

func (g *GitHub) CreateComment(ctx context.Context, cfg *models.IntegrationConfig, externalID, body, authorDisplayName string) (string, error) {
	t, err := g.resolve(cfg)
	if err != nil {
		return "", err
	}

	text := Attribute(models.IntegrationGitHub, authorDisplayName, body)

	var created githubComment
	u := fmt.Sprintf("%s/issues/%s/comments", t.base, url.PathEscape(externalID))
	if _, err := g.client.do(ctx, g.req(t, "create comment", http.MethodPost, u, map[string]string{"body": text}), &created); err != nil {
		return "", err
	}
	return strconv.FormatInt(created.ID, 10), nil
}

// UpdateComment edits by comment id; GitHub comment ids are unique per
// repository so externalID is not part of the path.
func (g *GitHub) UpdateComment(ctx context.Context, cfg *models.IntegrationConfig, externalID, externalCommentID, body string) error {
	t, err := g.resolve(cfg)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/issues/comments/%s", t.base, url.PathEscape(externalCommentID))
	_, err = g.client.do(ctx, g.req(t, "update comment", http.MethodPatch, u, map[string]string{"body": body}), nil)
	return err
}

func (g *GitHub) GetWorkItem(ctx context.Context, cfg *models.IntegrationConfig, externalID string) (*WorkItem, error) {
	t, err := g.resolve(cfg)
	if err != nil {
		return nil, err
	}

	var issue githubIssue
	u := fmt.Sprintf("%s/issues/%s", t.base, url.PathEscape(externalID))
	if _, err := g.client.do(ctx, g.req(t, "get issue", http.MethodGet, u, nil), &issue); err != nil {
		return nil, err
	}
	return &WorkItem{
		ExternalID:  strconv.Itoa(issue.Number),
		Title:       issue.Title,
		Description: issue.Body,
		State:       issue.State,
		Status:      StatusFromGitHubState(issue.State, issue.StateReason),
		URL:         issue.HTMLURL,
		UpdatedAt:   issue.UpdatedAt,
	}, nil
}

// CreateWorkItem opens an issue. Tags become labels. GitHub issues have no
// work item type or custom fields, so in.Type and in.CustomFields are not
// sent.
func (g *GitHub) CreateWorkItem(ctx context.Context, cfg *models.IntegrationConfig, in WorkItemInput) (*WorkItemRef, error) {
	t, err := g.resolve(cfg)
	if err != nil {
		return nil, err
	}
	if in.Type != "" || len(in.CustomFields) > 0 {
		logger.Debug().Str("type", in.Type).Int("custom_fields", len(in.CustomFields)).
			Msg("GitHub issues ignore work item type and custom fields")
	}

	payload := map[string]interface{}{
		"title": in.Title,
		"body":  in.Description,
	}
	if len(in.Tags) > 0 {
		payload["labels"] = in.Tags
	}

	var issue githubIssue
	if _, err := g.client.do(ctx, g.req(t, "create issue", http.MethodPost, t.base+"/issues", payload), &issue); err != nil {
		return nil, err
	}
	return &WorkItemRef{ExternalID: strconv.Itoa(issue.Number), ExternalURL: issue.HTMLURL}, nil
}

func (g *GitHub) UpdateWorkItemFields(ctx context.Context, cfg *models.IntegrationConfig, externalID string, fields Fields) error {
	t, err := g.resolve(cfg)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{}
	if fields.Title != nil {
		payload["title"] = *fields.Title
	}
	if fields.Description != nil {
		payload["body"] = *fields.Description
	}
	if fields.Status != nil {
		if state, reason, ok := GitHubStateFor(*fields.Status); ok {
			payload["state"] = state
			if reason != "" {
				payload["state_reason"] = reason
			}
		}
	}
	if len(payload) == 0 {
		return nil
	}

	u := fmt.Sprintf("%s/issues/%s", t.base, url.PathEscape(externalID))
	_, err = g.client.do(ctx, g.req(t, "update issue", http.MethodPatch, u, payload), nil)
	return err
}

// ListLocations returns the repository branches.
func (g *GitHub) ListLocations(ctx context.Context, cfg *models.IntegrationConfig) ([]string, error) {
	t, err := g.resolve(cfg)
	if err != nil {
		return nil, err
	}

	var names []string
	next := fmt.Sprintf("%s/branches?per_page=%d", t.base, githubPageSize)
	for page := 0; next != "" && page < githubMaxPages; page++ {
		var batch []githubBranch
		headers, err := g.client.do(ctx, g.req(t, "list branches", http.MethodGet, next, nil), &batch)
		if err != nil {
			return nil, err
		}
		for _, b := range batch {
			names = append(names, b.Name)
		}
		next = nextPageURL(headers.Get("Link"))
	}
	if next != "" {
		logger.Warn().Str("repo", cfg.Owner+"/"+cfg.Repo).Int("fetched", len(names)).Msg("GitHub branch page limit reached")
	}
	return names, nil
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// nextPageURL extracts the rel="next" target from a Link header.
func nextPageURL(link string) string {
	if m := linkNextPattern.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return ""
}
