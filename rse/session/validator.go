package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nzcbass/refsession/rse/template"
)

// ValidateAnswer checks a submitted answer for structural and type validity
// against its question. It returns the cleaned content and, when the answer
// is unacceptable, a clarification message to re-issue with the same
// question. Semantic correctness is out of scope; any polishing of accepted
// text happens downstream.
func ValidateAnswer(q *template.Question, raw string) (clean string, clarification string) {
	clean = strings.TrimSpace(raw)
	if clean == "" {
		return "", fmt.Sprintf("It looks like that answer was empty. Could you share your thoughts on: %s", q.Prompt)
	}

	switch q.Type {
	case template.AnswerScale:
		n, err := strconv.Atoi(clean)
		if err != nil {
			return "", fmt.Sprintf("Please answer with a number between %d and %d.", q.ScaleMin, q.ScaleMax)
		}
		if n < q.ScaleMin || n > q.ScaleMax {
			return "", fmt.Sprintf("That rating is outside the range. Please answer with a number between %d and %d.", q.ScaleMin, q.ScaleMax)
		}
	case template.AnswerShortText, template.AnswerLongText:
		// Any non-empty text is structurally acceptable.
	}

	return clean, ""
}
