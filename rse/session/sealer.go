package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Field and record separators for the canonical seal serialization. Using the
// ASCII unit/record separators keeps the encoding unambiguous for arbitrary
// answer text.
const (
	sealSchema = "refsession.seal.v1"
	fieldSep   = "\x1f"
	recordSep  = "\x1e"
)

// SealedAnswer is one question's contribution to the seal, in template order.
type SealedAnswer struct {
	QuestionKey string
	Content     string
}

// ComputeSealDigest produces the tamper-evident digest over the canonical,
// order-stable serialization of the session's final answer set. Identical
// inputs always produce identical digests.
func ComputeSealDigest(sessionID, templateID string, completedAt time.Time, answers []SealedAnswer) string {
	var b strings.Builder
	b.WriteString(sealSchema)
	b.WriteString(fieldSep)
	b.WriteString(sessionID)
	b.WriteString(fieldSep)
	b.WriteString(templateID)
	b.WriteString(fieldSep)
	b.WriteString(completedAt.UTC().Format(time.RFC3339Nano))

	for _, a := range answers {
		b.WriteString(recordSep)
		b.WriteString(a.QuestionKey)
		b.WriteString(fieldSep)
		b.WriteString(a.Content)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "sha256:" + hex.EncodeToString(sum[:])
}
