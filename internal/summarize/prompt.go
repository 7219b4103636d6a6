package summarize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
)

// BuildPrompt fills the summary template for one message.
func BuildPrompt(cfg config.SummaryConfig, msg core.Message) string {
	template := cfg.PromptTemplate
	if strings.TrimSpace(template) == "" {
		template = config.DefaultSummaryPrompt
	}

	replacer := strings.NewReplacer(
		"{{speaker}}", speaker(cfg, msg),
		"{{user}}", cfg.UserName,
		"{{assistant}}", cfg.AssistantName,
		"{{words}}", strconv.Itoa(cfg.MaxWords),
		"{{message}}", msg.Content,
	)

	return replacer.Replace(template)
}

func speaker(cfg config.SummaryConfig, msg core.Message) string {
	if msg.Name != "" {
		return msg.Name
	}

	switch msg.Role {
	case core.RoleUser:
		return cfg.UserName
	case core.RoleAssistant:
		return cfg.AssistantName
	default:
		return "System"
	}
}

var (
	thinkBlock = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	thinkClose = regexp.MustCompile(`(?is)^.*</(think|thinking|reasoning)>`)
	preamble   = regexp.MustCompile(`(?i)^(?:(?:sure|okay|ok|certainly)[,!.]?\s*)?(?:(?:here(?:'s| is) (?:a |the |your )?(?:[\w-]+ )*summary[^:\n]*)|summary|tl;?dr)\s*:\s*`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Clean strips reasoning and meta-commentary from raw model output and
// reduces it to one sentence of at most maxWords words.
func Clean(raw string, maxWords int) string {
	text := thinkBlock.ReplaceAllString(raw, "")
	text = thinkClose.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	lines := strings.Split(text, "\n")
	for len(lines) > 1 && isLeadIn(lines[0]) {
		lines = lines[1:]
	}
	text = strings.Join(lines, " ")

	text = preamble.ReplaceAllString(strings.TrimSpace(text), "")
	text = whitespace.ReplaceAllString(text, " ")
	text = trimQuotes(strings.TrimSpace(text))
	text = firstSentence(text)
	text = trimQuotes(text)

	if maxWords > 0 {
		words := strings.Fields(text)
		if len(words) > maxWords {
			text = strings.TrimRight(strings.Join(words[:maxWords], " "), ",;:-") + "..."
		}
	}

	return text
}

// isLeadIn matches a standalone first line such as "Here is the summary:".
func isLeadIn(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || (strings.HasSuffix(line, ":") && len(strings.Fields(line)) <= 8)
}

func firstSentence(text string) string {
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		if end == len(text) || text[end] == ' ' {
			return text[:end]
		}
	}
	return text
}

func trimQuotes(text string) string {
	return strings.Trim(text, "\"'`“”‘’ ")
}
