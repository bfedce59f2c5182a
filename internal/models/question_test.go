package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuestionValidate(t *testing.T) {
	good := Question{Prompt: "Capital of France?", Options: []string{"London", "Paris", "Berlin"}, CorrectOption: "paris"}
	assert.NoError(t, good.Validate())

	cases := map[string]Question{
		"empty prompt":    {Prompt: " ", Options: []string{"a", "b", "c"}, CorrectOption: "a"},
		"two options":     {Prompt: "q", Options: []string{"a", "b"}, CorrectOption: "a"},
		"four options":    {Prompt: "q", Options: []string{"a", "b", "c", "d"}, CorrectOption: "a"},
		"duplicate":       {Prompt: "q", Options: []string{"a", "A", "c"}, CorrectOption: "a"},
		"missing correct": {Prompt: "q", Options: []string{"a", "b", "c"}, CorrectOption: "z"},
		"blank option":    {Prompt: "q", Options: []string{"a", "", "c"}, CorrectOption: "a"},
	}
	for name, q := range cases {
		assert.Error(t, q.Validate(), name)
	}
}

func TestQuestionIsCorrect(t *testing.T) {
	q := Question{Prompt: "q", Options: []string{"Paris", "Rome", "Oslo"}, CorrectOption: "Paris"}
	assert.True(t, q.IsCorrect("paris"))
	assert.True(t, q.IsCorrect(" PARIS "))
	assert.False(t, q.IsCorrect("Rome"))
	assert.True(t, q.HasOption("oslo"))
	assert.False(t, q.HasOption("Lima"))
}

func TestRoomViewHidesAnswers(t *testing.T) {
	r := &Room{Code: "ABC123", Questions: []Question{{Prompt: "q", Options: []string{"a", "b", "c"}, CorrectOption: "b"}}}
	assert.Equal(t, 1, r.View().QuestionCount)
	pq := r.Questions[0].Public(0)
	assert.Equal(t, []string{"a", "b", "c"}, pq.Options)
	assert.Equal(t, 0, pq.Index)
}
