package timelapse

import (
	"context"
	"time"
)

// PlayerTick is the redraw interval of the preview animation
const PlayerTick = 16 * time.Millisecond

// Player animates the preview by stepping the session's active frame.
// Frames advance on elapsed time. The reference time stays on the frame
// grid, so late ticks do not accumulate drift.
type Player struct {
	session *Session
	fps     int
	tick    time.Duration
	now     func() time.Time
	onFrame func(index int)
}

func NewPlayer(session *Session, fps int, onFrame func(index int)) *Player {
	if fps < 1 {
		fps = 1
	}
	return &Player{
		session: session,
		fps:     fps,
		tick:    PlayerTick,
		now:     time.Now,
		onFrame: onFrame,
	}
}

func (p *Player) frameDuration() time.Duration {
	return time.Second / time.Duration(p.fps)
}

// Run plays until ctx ends
func (p *Player) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	last := p.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = p.advance(last, p.now())
		}
	}
}

// advance steps once if a full frame duration elapsed since last and
// returns the new reference time, keeping the overshoot past the frame
// boundary
func (p *Player) advance(last, now time.Time) time.Time {
	elapsed := now.Sub(last)
	if elapsed < p.frameDuration() {
		return last
	}
	if i, ok := p.session.Step(); ok && p.onFrame != nil {
		p.onFrame(i)
	}
	return now.Add(-(elapsed % p.frameDuration()))
}
