// internal/models/room.go
package models

// RoomState is the stored state of a room. Finishing happens per player and
// is never stored on the room itself.
type RoomState string

const (
	RoomWaiting    RoomState = "waiting"
	RoomInProgress RoomState = "in_progress"
)

// Room is the document at rooms/{code}.
type Room struct {
	Code        string     `json:"code"`
	HostID      string     `json:"hostId"`
	HostName    string     `json:"hostName"`
	Questions   []Question `json:"questions"`
	State       RoomState  `json:"state"`
	PlayerCount int64      `json:"playerCount"`
	CreatedAt   int64      `json:"createdAt"` // unix millis

	// Solo rooms start at creation and never accept other players.
	Solo bool `json:"solo,omitempty"`
}

// PublicQuestion is a question without its answer, safe to send to players.
type PublicQuestion struct {
	Index   int      `json:"index"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

// RoomView is the client facing projection of a Room.
type RoomView struct {
	Code          string    `json:"code"`
	HostID        string    `json:"hostId"`
	HostName      string    `json:"hostName"`
	State         RoomState `json:"state"`
	PlayerCount   int64     `json:"playerCount"`
	QuestionCount int       `json:"questionCount"`
	CreatedAt     int64     `json:"createdAt"`
	Solo          bool      `json:"solo,omitempty"`
}

// View strips the questions from the room.
func (r *Room) View() RoomView {
	return RoomView{
		Code:          r.Code,
		HostID:        r.HostID,
		HostName:      r.HostName,
		State:         r.State,
		PlayerCount:   r.PlayerCount,
		QuestionCount: len(r.Questions),
		CreatedAt:     r.CreatedAt,
		Solo:          r.Solo,
	}
}
