package types

import (
	"strconv"
	"strings"
)

const (
	UsageInputTokensKey       = "usage_input_tokens"
	UsageOutputTokensKey      = "usage_output_tokens"
	UsageTotalTokensKey       = "usage_total_tokens"
	UsageReasoningTokensKey   = "usage_reasoning_tokens"
	UsageCacheCreateTokensKey = "usage_cache_creation_tokens"
	UsageCacheReadTokensKey   = "usage_cache_read_tokens"
)

// UsageMetadata serializes usage into string metadata for events and logs.
func UsageMetadata(usage *TokenUsage) map[string]string {
	if usage == nil || usage.IsZero() {
		return nil
	}

	return map[string]string{
		UsageInputTokensKey:       strconv.FormatInt(usage.InputTokens, 10),
		UsageOutputTokensKey:      strconv.FormatInt(usage.OutputTokens, 10),
		UsageTotalTokensKey:       strconv.FormatInt(usage.TotalTokens, 10),
		UsageReasoningTokensKey:   strconv.FormatInt(usage.ReasoningTokens, 10),
		UsageCacheCreateTokensKey: strconv.FormatInt(usage.CacheCreationTokens, 10),
		UsageCacheReadTokensKey:   strconv.FormatInt(usage.CacheReadTokens, 10),
	}
}

// UsageFromMetadata reconstructs usage written by UsageMetadata.
func UsageFromMetadata(metadata map[string]string) *TokenUsage {
	if metadata == nil {
		return nil
	}

	usage := &TokenUsage{
		InputTokens:         parseInt64(metadata[UsageInputTokensKey]),
		OutputTokens:        parseInt64(metadata[UsageOutputTokensKey]),
		TotalTokens:         parseInt64(metadata[UsageTotalTokensKey]),
		ReasoningTokens:     parseInt64(metadata[UsageReasoningTokensKey]),
		CacheCreationTokens: parseInt64(metadata[UsageCacheCreateTokensKey]),
		CacheReadTokens:     parseInt64(metadata[UsageCacheReadTokensKey]),
	}
	if usage.IsZero() {
		return nil
	}
	return usage
}

func parseInt64(value string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}

	return parsed
}
