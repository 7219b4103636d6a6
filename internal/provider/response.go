package provider

import (
	"errors"

	"github.com/erg0nix/ctxbudget/internal/core"
)

// Response holds the parsed response from a chat completion request.
type Response struct {
	Content   string      `json:"content"`
	Reasoning string      `json:"reasoning,omitempty"`
	Usage     *core.Usage `json:"usage,omitempty"`
}

func parseResponsePayload(payload map[string]any) (Response, error) {
	choices, ok := payload["choices"].([]any)
	if !ok || len(choices) == 0 {
		return Response{}, errors.New("no choices in response")
	}

	choice, ok := choices[0].(map[string]any)
	if !ok {
		return Response{}, errors.New("malformed choice in response")
	}

	message, ok := choice["message"].(map[string]any)
	if !ok {
		return Response{}, errors.New("malformed message in response")
	}

	content, _ := message["content"].(string)
	reasoning, _ := message["reasoning_content"].(string)

	return Response{
		Content:   content,
		Reasoning: reasoning,
		Usage:     parseUsage(payload),
	}, nil
}

func parseUsage(response map[string]any) *core.Usage {
	usageMap, ok := response["usage"].(map[string]any)
	if !ok {
		return nil
	}

	return &core.Usage{
		PromptTokens:     intFromAny(usageMap["prompt_tokens"]),
		CompletionTokens: intFromAny(usageMap["completion_tokens"]),
		TotalTokens:      intFromAny(usageMap["total_tokens"]),
	}
}

// parseContextSize reads n_ctx from a llama-server /props payload.
func parseContextSize(payload map[string]any) int {
	if n := intFromAny(payload["n_ctx"]); n > 0 {
		return n
	}

	if settings, ok := payload["default_generation_settings"].(map[string]any); ok {
		if n := intFromAny(settings["n_ctx"]); n > 0 {
			return n
		}
	}

	return 0
}

// intFromAny reads a JSON number decoded into any. Non-numeric values read as 0.
func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
