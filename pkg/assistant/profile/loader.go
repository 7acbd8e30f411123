package profile

import (
	"embed"
	"fmt"
	"strings"
)

const defaultProfileName = "default"

// Purpose selects the task-specific addendum appended to the base profile.
type Purpose string

const (
	Conversation    Purpose = "conversation"
	ToolIntent      Purpose = "tool_intent"
	Media           Purpose = "media"
	MediaToolIntent Purpose = "media_tool_intent"
)

//go:embed templates/*.md
var templatesFS embed.FS

// ResolveSystemProfile returns the system prompt for provider and purpose.
// Providers that carry their own agent profile only receive the addendum.
func ResolveSystemProfile(provider string, purpose Purpose) (string, error) {
	parts := make([]string, 0, 3)

	if templateName := defaultTemplateName(provider); templateName != "" {
		base, err := readTemplate(templateName)
		if err != nil {
			return "", err
		}
		parts = append(parts, base)
	}

	for _, addendum := range purposeTemplateNames(purpose) {
		content, err := readTemplate(addendum)
		if err != nil {
			return "", err
		}
		parts = append(parts, content)
	}

	return strings.Join(parts, "\n\n"), nil
}

func readTemplate(templateName string) (string, error) {
	content, err := templatesFS.ReadFile(templatePath(templateName))
	if err != nil {
		return "", fmt.Errorf("load %s profile template: %w", templateName, err)
	}

	profile := strings.TrimSpace(string(content))
	if profile == "" {
		return "", fmt.Errorf("profile template %q is empty", templateName)
	}

	return profile, nil
}

func templatePath(templateName string) string {
	return "templates/" + strings.TrimSpace(templateName) + ".md"
}
