package controller

import "strings"

// nonChatFromRaw measures the overhead outside chat history: the raw prompt
// with the live message texts and both injection blocks cut out. The role
// framing of live messages is already priced as chat, so it is subtracted.
func (c *Controller) nonChatFromRaw(raw string, plan Plan) int {
	remaining := raw
	removed := 0

	cut := func(text string) {
		if text == "" {
			return
		}
		if i := strings.Index(remaining, text); i >= 0 {
			remaining = remaining[:i] + remaining[i+len(text):]
			removed++
		}
	}

	cut(plan.Summary.Text)
	cut(plan.Memory.Text)

	messages := 0
	for _, text := range plan.liveTexts {
		before := removed
		cut(text)
		if removed > before {
			messages++
		}
	}

	overhead := c.tokens.Estimate(strings.TrimSpace(remaining)) - messages*c.tokens.RoleOverhead()
	return max(overhead, 0)
}
