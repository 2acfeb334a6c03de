package session

import (
	"math"

	"github.com/nzcbass/refsession/rse/template"
)

// NextQuestion returns the first question in template order lacking a current
// answer, along with its index. Required and optional questions sequence
// identically; "required" only gates review. Returns (nil, len) when every
// question is answered.
func NextQuestion(tpl *template.Template, answered map[string]bool) (*template.Question, int) {
	for i := range tpl.Questions {
		if !answered[tpl.Questions[i].Key] {
			return &tpl.Questions[i], i
		}
	}
	return nil, len(tpl.Questions)
}

// AllRequiredAnswered reports whether every required question has a current
// answer. This is the sole condition for a session to reach review.
func AllRequiredAnswered(tpl *template.Template, answered map[string]bool) bool {
	for i := range tpl.Questions {
		if tpl.Questions[i].Required && !answered[tpl.Questions[i].Key] {
			return false
		}
	}
	return true
}

// ComputeProgress derives the progress counters from the answered set.
func ComputeProgress(tpl *template.Template, answered map[string]bool) Progress {
	total := len(tpl.Questions)
	count := 0
	for i := range tpl.Questions {
		if answered[tpl.Questions[i].Key] {
			count++
		}
	}

	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(count) / float64(total) * 100))
	}

	return Progress{Answered: count, Total: total, Percent: percent}
}
