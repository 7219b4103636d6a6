package core

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

type ConversationID string

type RequestID string

func NewConversationID() ConversationID {
	return ConversationID("conv_" + timestamp() + "_" + randomSeed())
}

// FileName maps the id to a string safe to use as a single path element.
func (id ConversationID) FileName() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, string(id))
}

func NewRequestID() RequestID {
	return RequestID("req_" + timestamp() + "_" + randomSeed())
}

// HashContent returns a short stable digest used for content_hash, vector_hash
// and token cache keys.
func HashContent(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

func timestamp() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}

func randomSeed() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}
