package dispatcher

import (
	"time"

	"github.com/teslamotors/vehicle-session/internal/worker"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// receiver represents a command's pending response. All fields except the immutable identifiers
// are owned by the dispatcher's loop.
type receiver struct {
	id         string
	vin        string
	command    string
	completion protocol.Completion
	sentAt     time.Time

	timer *worker.Timer
	// resolved is set by whichever of timeout, send failure, terminal status, or shutdown handles
	// the request first. Everything that follows is a no-op.
	resolved bool
}

// resolve marks r as resolved and cancels its timer. It returns false if r was already resolved.
func (r *receiver) resolve() bool {
	if r.resolved {
		return false
	}
	r.resolved = true
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}
