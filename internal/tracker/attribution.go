package tracker

import (
	"fmt"
	"strings"

	"github.com/huangang/featurehub/internal/models"
)

// Attribute prefixes a mirrored comment body with its local author, in the
// markup of the given provider.
func Attribute(provider, author, body string) string {
	if author == "" {
		return body
	}
	return attributionPrefix(provider, author) + body
}

// StripAttribution removes the prefix Attribute added, if present.
func StripAttribution(provider, author, body string) string {
	if author == "" {
		return body
	}
	return strings.TrimPrefix(body, attributionPrefix(provider, author))
}

func attributionPrefix(provider, author string) string {
	if provider == models.IntegrationAzureDevOps {
		return fmt.Sprintf("<b>%s</b>: ", htmlEscape(author))
	}
	return fmt.Sprintf("**%s**: ", author)
}
