// Package mention converts the internal mention markup @[Name](user:ID) to
// and from the markup each tracker understands.
package mention

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/huangang/featurehub/internal/models"
)

var (
	internalPattern = regexp.MustCompile(`@\[([^\]]+)\]\(user:(\d+)\)`)
	azurePattern    = regexp.MustCompile(`<a\b[^>]*\bdata-vss-mention="version:[0-9.]+,([^"]+)"[^>]*>\s*@?([^<]*)</a>`)
)

// UserDirectory resolves users for mention translation. Both lookups return
// the zero value with a nil error when nothing matches.
type UserDirectory interface {
	EmailForUser(ctx context.Context, userID uint) (string, error)
	UserForEmail(ctx context.Context, email string) (uint, error)
}

// Translator rewrites mentions. It holds no state beyond the directory.
type Translator struct {
	users UserDirectory
}

func NewTranslator(users UserDirectory) *Translator {
	return &Translator{users: users}
}

// Format renders internal mention markup.
func Format(displayName string, userID uint) string {
	return fmt.Sprintf("@[%s](user:%d)", displayName, userID)
}

// ToAzureDevOps replaces internal mentions with Azure DevOps mention anchors
// keyed by email. Users without an email become plain @Name text.
func (t *Translator) ToAzureDevOps(ctx context.Context, text string) (string, error) {
	return t.replaceInternal(text, func(name string, userID uint) (string, error) {
		email, err := t.users.EmailForUser(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("lookup user %d: %w", userID, err)
		}
		if email == "" {
			return "@" + name, nil
		}
		return fmt.Sprintf(`<a href="#" data-vss-mention="version:2.0,%s">@%s</a>`,
			html.EscapeString(email), html.EscapeString(name)), nil
	})
}

// FromAzureDevOps turns Azure DevOps mention anchors back into internal
// markup. An email with no matching user degrades to plain @Name.
func (t *Translator) FromAzureDevOps(ctx context.Context, text string) (string, error) {
	var firstErr error
	out := azurePattern.ReplaceAllStringFunc(text, func(anchor string) string {
		m := azurePattern.FindStringSubmatch(anchor)
		email := html.UnescapeString(strings.TrimSpace(m[1]))
		name := html.UnescapeString(strings.TrimSpace(m[2]))

		if !strings.Contains(email, "@") {
			return "@" + name
		}
		userID, err := t.users.UserForEmail(ctx, email)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("lookup email %s: %w", email, err)
			}
			return anchor
		}
		if userID == 0 {
			return "@" + name
		}
		return Format(name, userID)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ToGitHub renders mentions as plain @Name. GitHub resolves mentions by
// login, which internal users do not carry.
func (t *Translator) ToGitHub(_ context.Context, text string) (string, error) {
	return t.replaceInternal(text, func(name string, _ uint) (string, error) {
		return "@" + name, nil
	})
}

// FromGitHub is the identity: GitHub @login mentions stay plain text.
func (t *Translator) FromGitHub(_ context.Context, text string) (string, error) {
	return text, nil
}

// Outbound and Inbound dispatch on the integration type.
func (t *Translator) Outbound(ctx context.Context, integrationType, text string) (string, error) {
	if integrationType == models.IntegrationAzureDevOps {
		return t.ToAzureDevOps(ctx, text)
	}
	return t.ToGitHub(ctx, text)
}

func (t *Translator) Inbound(ctx context.Context, integrationType, text string) (string, error) {
	if integrationType == models.IntegrationAzureDevOps {
		return t.FromAzureDevOps(ctx, text)
	}
	return t.FromGitHub(ctx, text)
}

func (t *Translator) replaceInternal(text string, render func(name string, userID uint) (string, error)) (string, error) {
	var firstErr error
	out := internalPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := internalPattern.FindStringSubmatch(m)
		userID, err := strconv.ParseUint(sub[2], 10, 64)
		if err != nil {
			return m
		}
		r, err := render(sub[1], uint(userID))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return r
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
