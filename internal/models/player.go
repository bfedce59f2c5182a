// internal/models/player.go
package models

// Player is the document at rooms/{code}/players/{uid}.
type Player struct {
	UID   string `json:"uid"`
	Name  string `json:"name"`
	Score int64  `json:"score"`

	// Answered counts the questions this player has committed an answer for.
	Answered int `json:"answered"`

	// Answers holds one entry per committed question, in index order.
	Answers []Answer `json:"answers,omitempty"`

	// TotalTime is set once, in milliseconds, when the player answers the last question.
	TotalTime *int64 `json:"totalTime,omitempty"`

	// Departed players have left the results view; their record stays for the leaderboard.
	Departed bool `json:"departed,omitempty"`
}

// Finished reports whether the player has completed every question.
func (p *Player) Finished() bool {
	return p.TotalTime != nil
}

// Answer is the option a player committed for one question.
type Answer struct {
	Index   int    `json:"index"`
	Option  string `json:"option"`
	Correct bool   `json:"correct"`
}
