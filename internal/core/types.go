package core

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Annotations is the per-message bag owned by the budget controller. The host
// stores it alongside the message but only the controller writes these keys.
type Annotations struct {
	Excluded     bool   `json:"excluded,omitempty"`
	Summary      string `json:"summary,omitempty"`
	SummaryHash  string `json:"summary_hash,omitempty"`
	SummaryError string `json:"summary_error,omitempty"`
	NeedsSummary bool   `json:"needs_summary,omitempty"`
	Vectorized   bool   `json:"vectorized,omitempty"`
	VectorHash   string `json:"vector_hash,omitempty"`
}

type Message struct {
	Role        Role        `json:"role"`
	Name        string      `json:"name,omitempty"`
	Content     string      `json:"content"`
	Pinned      bool        `json:"pinned,omitempty"`
	Hidden      bool        `json:"hidden,omitempty"`
	Thought     bool        `json:"thought,omitempty"`
	Annotations Annotations `json:"annotations"`
}

// ContentHash identifies the immutable part of the message. Edits change it.
func (m Message) ContentHash() string {
	return HashContent(string(m.Role) + "\x00" + m.Content)
}

// SummaryStale reports whether the stored summary was produced for different content.
func (m Message) SummaryStale() bool {
	return m.Annotations.Summary != "" && m.Annotations.SummaryHash != m.ContentHash()
}

// Position says where an injection block lands in the final prompt.
type Position string

const (
	PositionBeforePrompt Position = "before_prompt"
	PositionInChat       Position = "in_chat"
)

// Injection is a text block the host inserts into the prompt verbatim.
type Injection struct {
	Text     string   `json:"text"`
	Tokens   int      `json:"tokens"`
	Position Position `json:"position"`
	Depth    int      `json:"depth"`
	Role     Role     `json:"role"`
}

func (i Injection) Empty() bool {
	return i.Text == ""
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
