// internal/room/presence.go
package room

import (
	"context"
	"sync"
	"sync/atomic"
)

// Presence is a client's membership in a room for the lifetime of one
// connection. Release removes the membership exactly once, whichever exit
// path gets there first.
type Presence struct {
	m      *Manager
	code   string
	uid    string
	isHost bool

	finished atomic.Bool

	once sync.Once
	err  error
}

// Enter registers a presence for uid in room code. The caller must call
// Release on every exit path.
func (m *Manager) Enter(code, uid string, isHost bool) *Presence {
	m.log(code, uid).Debug("presence entered")
	return &Presence{m: m, code: code, uid: uid, isHost: isHost}
}

// MarkFinished switches Release from leaving the room to leaving the results view.
func (p *Presence) MarkFinished() {
	p.finished.Store(true)
}

func (p *Presence) Finished() bool {
	return p.finished.Load()
}

// Release leaves the room. It runs on a context detached from ctx so a
// cancelled connection still cleans up, bounded by the manager's op timeout.
// Failures are logged and returned; later calls return the first result.
func (p *Presence) Release(ctx context.Context) error {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.m.opts.OpTimeout)
		defer cancel()

		if p.finished.Load() {
			p.err = p.m.LeaveAfterGame(ctx, p.code, p.uid)
		} else {
			p.err = p.m.LeaveRoom(ctx, p.code, p.uid, p.isHost)
		}
		if p.err != nil {
			p.m.log(p.code, p.uid).WithError(p.err).Warn("presence cleanup failed")
		}
	})
	return p.err
}
