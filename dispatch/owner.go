// Package dispatch routes incoming callbacks to the local objects registered
// for them.
//
// Every registering Owner has one serial queue. The host's transport
// goroutines never call user code directly: they hand each incoming
// callback to the dispatcher registered for it, which re-posts the call onto
// the owner's queue. The Table remembers (owner, callback) → dispatcher so
// registration is idempotent, tells "never registered" apart from "already
// unregistered", and reports registrations an owner leaked when it is torn down.
package dispatch

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mini-binder/queue"
)

// Owner is a registering context: everything registered through it is
// delivered on its queue and released when it is removed from the Table.
type Owner struct {
	name  string
	id    uuid.UUID
	queue *queue.Queue
}

// NewOwner creates an owner and starts its queue.
func NewOwner(name string, logger zerolog.Logger) *Owner {
	id := uuid.New()
	return &Owner{
		name:  name,
		id:    id,
		queue: queue.New(fmt.Sprintf("%s-%s", name, id.String()[:8]), queue.WithLogger(logger)),
	}
}

func (o *Owner) Name() string        { return o.name }
func (o *Owner) ID() uuid.UUID       { return o.id }
func (o *Owner) Queue() *queue.Queue { return o.queue }

func (o *Owner) String() string {
	return fmt.Sprintf("%s@%s", o.name, o.id.String()[:8])
}

// Close stops the queue once the callbacks already posted have run.
func (o *Owner) Close() {
	o.queue.Close()
}
