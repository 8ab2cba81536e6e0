package tracker

import (
	"strings"

	"github.com/huangang/featurehub/internal/models"
)

// azureStates maps feature statuses onto Azure DevOps work item states.
// on_hold and merged have no equivalent and are never pushed.
var azureStates = map[string]string{
	models.StatusProposal:   "New",
	models.StatusApproved:   "Approved",
	models.StatusInProgress: "Active",
	models.StatusCompleted:  "Closed",
	models.StatusDeclined:   "Removed",
}

// AzureStateFor returns the work item state for a feature status, or "".
func AzureStateFor(status string) string {
	return azureStates[status]
}

// StatusFromAzureState maps a work item state back to a feature status.
// Process templates disagree on state names, so several aliases are accepted.
func StatusFromAzureState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "new", "to do", "proposed":
		return models.StatusProposal
	case "approved", "committed":
		return models.StatusApproved
	case "active", "in progress", "doing":
		return models.StatusInProgress
	case "resolved", "closed", "done":
		return models.StatusCompleted
	case "removed":
		return models.StatusDeclined
	}
	return ""
}

// GitHubStateFor returns the issue state and state_reason for a feature
// status. ok is false when the status should not be pushed.
func GitHubStateFor(status string) (state, reason string, ok bool) {
	switch status {
	case models.StatusCompleted:
		return "closed", "completed", true
	case models.StatusDeclined:
		return "closed", "not_planned", true
	case models.StatusProposal, models.StatusApproved, models.StatusInProgress:
		return "open", "", true
	}
	return "", "", false
}

// StatusFromGitHubState maps an issue state back to a feature status. An
// open issue carries no more detail than "not done", so it maps to "".
func StatusFromGitHubState(state, reason string) string {
	if state != "closed" {
		return ""
	}
	if reason == "not_planned" {
		return models.StatusDeclined
	}
	return models.StatusCompleted
}
