// internal/models/question.go
package models

import (
	"errors"
	"fmt"
	"strings"
)

// OptionsPerQuestion is the fixed number of answer options.
const OptionsPerQuestion = 3

// Question is one multiple choice item. The list of questions is fixed when a
// room is created and never changes afterwards.
type Question struct {
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options"`
	CorrectOption string   `json:"correctOption"`
}

// Normalize trims surrounding whitespace from the prompt, options and answer.
func (q Question) Normalize() Question {
	out := Question{
		Prompt:        strings.TrimSpace(q.Prompt),
		CorrectOption: strings.TrimSpace(q.CorrectOption),
		Options:       make([]string, len(q.Options)),
	}
	for i, o := range q.Options {
		out.Options[i] = strings.TrimSpace(o)
	}
	return out
}

// Validate checks the prompt, the option count, option uniqueness and that
// the correct option is one of the options.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return errors.New("empty prompt")
	}
	if len(q.Options) != OptionsPerQuestion {
		return fmt.Errorf("want %d options, got %d", OptionsPerQuestion, len(q.Options))
	}
	seen := make(map[string]bool, len(q.Options))
	for _, o := range q.Options {
		key := strings.ToLower(strings.TrimSpace(o))
		if key == "" {
			return errors.New("empty option")
		}
		if seen[key] {
			return fmt.Errorf("duplicate option %q", o)
		}
		seen[key] = true
	}
	if !seen[strings.ToLower(strings.TrimSpace(q.CorrectOption))] {
		return fmt.Errorf("correct option %q is not among the options", q.CorrectOption)
	}
	return nil
}

// IsCorrect compares an answer with the correct option, ignoring case and
// surrounding whitespace.
func (q Question) IsCorrect(option string) bool {
	return strings.EqualFold(strings.TrimSpace(option), strings.TrimSpace(q.CorrectOption))
}

// HasOption reports whether option names one of the question's options.
func (q Question) HasOption(option string) bool {
	for _, o := range q.Options {
		if strings.EqualFold(strings.TrimSpace(o), strings.TrimSpace(option)) {
			return true
		}
	}
	return false
}

// Public strips the correct option; i is the question's position in the room.
func (q Question) Public(i int) PublicQuestion {
	return PublicQuestion{
		Index:   i,
		Prompt:  q.Prompt,
		Options: append([]string(nil), q.Options...),
	}
}
