package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mini-binder/binder"
	"mini-binder/intent"
)

// Receiver handles broadcast intents. OnReceive always runs on the owner's queue.
type Receiver interface {
	OnReceive(ctx context.Context, in *intent.Intent, result *PendingResult)
}

// Delivery is one broadcast delivered to a receiver.
// An empty Token means the sender does not wait for an acknowledgement.
type Delivery struct {
	Intent       *intent.Intent
	ResultCode   int
	ResultData   string
	ResultExtras map[string]string
	Ordered      bool
	Token        string
}

// Result is what a receiver hands back when it finishes a delivery.
type Result struct {
	Code   int
	Data   string
	Extras map[string]string
	Abort  bool
}

// Finisher acknowledges deliveries to the broadcasting side.
type Finisher interface {
	Finish(ctx context.Context, token string, result Result) error
}

// ReceiverDispatcher delivers broadcasts to one registered Receiver.
type ReceiverDispatcher struct {
	owner    *Owner
	receiver Receiver
	logger   zerolog.Logger

	registeredAt []byte
	handle       atomic.Pointer[binder.Handle]
	forgotten    atomic.Bool
}

// NewReceiverDispatcher creates a dispatcher that is not tracked by any
// Table, e.g. for the one-shot result receiver of an ordered broadcast.
func NewReceiverDispatcher(owner *Owner, r Receiver, logger zerolog.Logger) *ReceiverDispatcher {
	return &ReceiverDispatcher{
		owner:        owner,
		receiver:     r,
		logger:       logger,
		registeredAt: binder.CallSite(),
	}
}

func (rd *ReceiverDispatcher) Owner() *Owner      { return rd.owner }
func (rd *ReceiverDispatcher) Receiver() Receiver { return rd.receiver }

// Handle returns the handle of the callback object published for rd.
func (rd *ReceiverDispatcher) Handle() binder.Handle {
	if h := rd.handle.Load(); h != nil {
		return *h
	}
	return binder.Handle{}
}

// SetHandle records the handle of the callback object published for rd.
func (rd *ReceiverDispatcher) SetHandle(h binder.Handle) {
	rd.handle.Store(&h)
}

// Forgotten reports whether the receiver was unregistered.
func (rd *ReceiverDispatcher) Forgotten() bool { return rd.forgotten.Load() }

func (rd *ReceiverDispatcher) forget() { rd.forgotten.Store(true) }

// Perform posts d to the owner's queue. Deliveries that can no longer reach
// the receiver are still finished, so an ordered broadcast never stalls on them.
func (rd *ReceiverDispatcher) Perform(d Delivery, f Finisher) {
	pr := newPendingResult(d, f, rd.logger)
	posted := rd.owner.queue.Post(func(ctx context.Context) {
		if rd.forgotten.Load() {
			rd.logger.Debug().Str("owner", rd.owner.String()).Str("token", d.Token).Msg("finishing broadcast to unregistered receiver")
			pr.Finish(ctx)
			return
		}
		rd.receive(ctx, d.Intent, pr)
		if !pr.isAsync() {
			pr.Finish(ctx)
		}
	})
	if !posted {
		rd.logger.Debug().Str("owner", rd.owner.String()).Str("token", d.Token).Msg("owner queue closed, finishing broadcast")
		pr.Finish(context.Background())
	}
}

func (rd *ReceiverDispatcher) receive(ctx context.Context, in *intent.Intent, pr *PendingResult) {
	defer func() {
		if r := recover(); r != nil {
			rd.logger.Error().Interface("panic", r).Str("owner", rd.owner.String()).Str("action", in.Action).Msg("receiver panicked")
			pr.async.Store(false)
		}
	}()
	rd.receiver.OnReceive(ctx, in, pr)
}

// PendingResult is the in-flight state of one delivery: the result carried
// along an ordered broadcast and the acknowledgement owed to the sender.
type PendingResult struct {
	mu       sync.Mutex
	delivery Delivery
	result   Result
	finished bool
	finisher Finisher
	logger   zerolog.Logger

	async atomic.Bool
}

func newPendingResult(d Delivery, f Finisher, logger zerolog.Logger) *PendingResult {
	return &PendingResult{
		delivery: d,
		result:   Result{Code: d.ResultCode, Data: d.ResultData, Extras: d.ResultExtras},
		finisher: f,
		logger:   logger,
	}
}

func (p *PendingResult) IsOrdered() bool { return p.delivery.Ordered }

func (p *PendingResult) ResultCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Code
}

func (p *PendingResult) ResultData() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Data
}

func (p *PendingResult) ResultExtras() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Extras
}

// SetResult replaces the result passed on to the next receiver.
func (p *PendingResult) SetResult(code int, data string, extras map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Code = code
	p.result.Data = data
	p.result.Extras = extras
}

// AbortBroadcast stops an ordered broadcast after this receiver. It is
// ignored for parallel broadcasts.
func (p *PendingResult) AbortBroadcast() {
	if !p.delivery.Ordered {
		p.logger.Warn().Str("action", p.delivery.Intent.Action).Msg("abort requested on a non-ordered broadcast")
		return
	}
	p.mu.Lock()
	p.result.Abort = true
	p.mu.Unlock()
}

// AbortRequested reports whether AbortBroadcast took effect.
func (p *PendingResult) AbortRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Abort
}

// GoAsync keeps the delivery open after OnReceive returns. The receiver
// must call Finish later, from any goroutine.
func (p *PendingResult) GoAsync() *PendingResult {
	p.async.Store(true)
	return p
}

func (p *PendingResult) isAsync() bool { return p.async.Load() }

// Finish acknowledges the delivery. Only the first call has an effect.
func (p *PendingResult) Finish(ctx context.Context) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	p.finished = true
	result := p.result
	p.mu.Unlock()

	if p.delivery.Token == "" || p.finisher == nil {
		return nil
	}
	err := p.finisher.Finish(ctx, p.delivery.Token, result)
	if err != nil {
		p.logger.Warn().Err(err).Str("token", p.delivery.Token).Msg("finish not delivered")
	}
	return err
}

// Finished reports whether Finish was called.
func (p *PendingResult) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}
