package profile

import "strings"

const (
	providerOpenCode = "opencode"
)

func defaultTemplateName(provider string) string {
	if strings.EqualFold(strings.TrimSpace(provider), providerOpenCode) {
		return ""
	}

	return defaultProfileName
}

func purposeTemplateNames(purpose Purpose) []string {
	switch purpose {
	case ToolIntent:
		return []string{"tool_intent"}
	case Media:
		return []string{"media"}
	case MediaToolIntent:
		return []string{"media", "tool_intent"}
	default:
		return nil
	}
}
