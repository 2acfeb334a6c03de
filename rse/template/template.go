// Package template loads and validates externally-authored question templates.
// Templates are ordered question lists; the engine treats them as immutable
// once a session references them.
package template

import "fmt"

// AnswerType classifies the expected shape of an answer.
type AnswerType string

const (
	AnswerShortText AnswerType = "short_text"
	AnswerLongText  AnswerType = "long_text"
	AnswerScale     AnswerType = "scale"
)

// Question is a single entry in a template's ordered question list.
type Question struct {
	Key      string     `json:"key"`
	Prompt   string     `json:"prompt"`
	Required bool       `json:"required"`
	Type     AnswerType `json:"type"`
	ScaleMin int        `json:"scale_min,omitempty"`
	ScaleMax int        `json:"scale_max,omitempty"`
}

// Template is an ordered, externally-authored list of questions a session
// works through.
type Template struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// QuestionAt returns the question at index, or an error when the index is out
// of range.
func (t *Template) QuestionAt(index int) (*Question, error) {
	if index < 0 || index >= len(t.Questions) {
		return nil, fmt.Errorf("question index %d out of range [0,%d)", index, len(t.Questions))
	}
	return &t.Questions[index], nil
}

// QuestionByKey returns the question with the given stable key and its index.
func (t *Template) QuestionByKey(key string) (*Question, int) {
	for i := range t.Questions {
		if t.Questions[i].Key == key {
			return &t.Questions[i], i
		}
	}
	return nil, -1
}
