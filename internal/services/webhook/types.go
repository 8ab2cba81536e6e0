package webhook

import "strconv"

// Result is returned to the provider for every accepted delivery.
type Result struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
}

// GitHubIssueCommentEvent is the part of an issue_comment delivery we use.
type GitHubIssueCommentEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int       `json:"number"`
		PullRequest *struct{} `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// AzureDevOpsEvent is the service hook envelope for work item events.
type AzureDevOpsEvent struct {
	EventType string `json:"eventType"`
	Resource  struct {
		ID         int                    `json:"id"`
		WorkItemID int                    `json:"workItemId"`
		Fields     map[string]interface{} `json:"fields"`
	} `json:"resource"`
	ResourceContainers struct {
		Collection struct {
			BaseURL string `json:"baseUrl"`
		} `json:"collection"`
		Account struct {
			BaseURL string `json:"baseUrl"`
		} `json:"account"`
		Project struct {
			BaseURL string `json:"baseUrl"`
		} `json:"project"`
	} `json:"resourceContainers"`
}

// WorkItemID returns resource.workItemId, falling back to resource.id.
func (e *AzureDevOpsEvent) WorkItemID() string {
	id := e.Resource.WorkItemID
	if id == 0 {
		id = e.Resource.ID
	}
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}

// Organization derives the organization from the first container URL set.
func (e *AzureDevOpsEvent) Organization() string {
	for _, u := range []string{
		e.ResourceContainers.Collection.BaseURL,
		e.ResourceContainers.Account.BaseURL,
		e.ResourceContainers.Project.BaseURL,
	} {
		if org := organizationFromURL(u); org != "" {
			return org
		}
	}
	return ""
}

// TeamProject returns System.TeamProject when the payload carries fields.
func (e *AzureDevOpsEvent) TeamProject() string {
	if p, ok := e.Resource.Fields["System.TeamProject"].(string); ok {
		return p
	}
	return ""
}
