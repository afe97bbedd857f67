package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// reportStaleAfter is how long a remote position report stays trustworthy.
// A frontend that stops reporting is treated as stopped rather than frozen
// at its last position.
const reportStaleAfter = 30 * time.Second

// ErrPositionStale is returned by Position when the frontend has not
// reported recently enough.
var ErrPositionStale = errors.New("remote player position is stale")

// RemotePlayer adapts state reports from a remote frontend to the HostPlayer
// interface. The frontend pushes its player state over the control API;
// position is extrapolated between reports while playing.
type RemotePlayer struct {
	clock clockwork.Clock

	mu         sync.Mutex
	playing    bool
	paused     bool
	position   float64
	duration   float64
	reportedAt time.Time
	seeks      chan float64
}

// NewRemotePlayer builds a stopped remote player.
func NewRemotePlayer() *RemotePlayer {
	return &RemotePlayer{
		clock: clockwork.NewRealClock(),
		seeks: make(chan float64, 8),
	}
}

// Report records the frontend's current player state.
func (p *RemotePlayer) Report(playing, paused bool, position, duration float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = playing
	p.paused = paused
	p.position = position
	p.duration = duration
	p.reportedAt = p.clock.Now()
}

// Stop marks the player stopped without waiting for the report to go stale.
func (p *RemotePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.paused = false
}

func (p *RemotePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.stale()
}

func (p *RemotePlayer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Position extrapolates from the last report while playback is running.
func (p *RemotePlayer) Position() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.stale() {
		return 0, ErrPositionStale
	}
	pos := p.position
	if !p.paused {
		pos += p.clock.Since(p.reportedAt).Seconds()
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos, nil
}

func (p *RemotePlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// SeekTo queues a seek for the frontend to pick up. The local position is
// adjusted immediately so skip windows do not refire while the command is
// in flight.
func (p *RemotePlayer) SeekTo(seconds float64) error {
	p.mu.Lock()
	p.position = seconds
	p.reportedAt = p.clock.Now()
	p.mu.Unlock()

	select {
	case p.seeks <- seconds:
		return nil
	default:
		return errors.New("seek queue full")
	}
}

// PendingSeeks drains queued seek commands for delivery to the frontend.
func (p *RemotePlayer) PendingSeeks() []float64 {
	var out []float64
	for {
		select {
		case s := <-p.seeks:
			out = append(out, s)
		default:
			return out
		}
	}
}

func (p *RemotePlayer) stale() bool {
	return p.clock.Since(p.reportedAt) > reportStaleAfter
}
