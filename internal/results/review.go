// internal/results/review.go
package results

import (
	"context"

	"github.com/jason-s-yu/skillmind/internal/models"
)

// Mistake is a question the player answered wrongly or never answered.
type Mistake struct {
	Index         int    `json:"index"`
	Prompt        string `json:"prompt"`
	Chosen        string `json:"chosen,omitempty"`
	CorrectOption string `json:"correctOption"`
}

// Summary is one player's end of quiz review.
type Summary struct {
	Correct   int       `json:"correct"`
	Incorrect int       `json:"incorrect"`
	Total     int       `json:"total"`
	Mistakes  []Mistake `json:"mistakes"`
}

// Review counts the player's correct answers and lists every other question
// with the option the player chose.
func Review(r *models.Room, p *models.Player) Summary {
	chosen := make(map[int]models.Answer, len(p.Answers))
	for _, a := range p.Answers {
		chosen[a.Index] = a
	}
	s := Summary{Total: len(r.Questions), Mistakes: []Mistake{}}
	for i, q := range r.Questions {
		a, ok := chosen[i]
		if ok && a.Correct {
			s.Correct++
			continue
		}
		s.Mistakes = append(s.Mistakes, Mistake{
			Index:         i,
			Prompt:        q.Prompt,
			Chosen:        a.Option,
			CorrectOption: q.CorrectOption,
		})
	}
	s.Incorrect = s.Total - s.Correct
	return s
}

// Review reads the room and the player's ledger and summarizes them.
func (a *Aggregator) Review(ctx context.Context) (Summary, error) {
	r, err := a.manager.GetRoom(ctx, a.code)
	if err != nil {
		return Summary{}, err
	}
	p, err := a.manager.GetPlayer(ctx, a.code, a.uid)
	if err != nil {
		return Summary{}, err
	}
	return Review(r, p), nil
}
