package am

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mini-binder/binder"
	"mini-binder/intent"
)

type broadcastRecord struct {
	id        string
	intent    *intent.Intent
	ordered   bool
	resultTo  binder.Handle
	receivers []*receiverRecord

	// Guarded by Service.mu.
	code        int
	data        string
	extras      map[string]string
	next        int // Ordered: index of the receiver to deliver to next
	outstanding int // Parallel: deliveries not finished yet
	aborted     bool
	finished    bool
	started     time.Time
}

type pendingDelivery struct {
	br    *broadcastRecord
	rec   *receiverRecord
	timer *time.Timer
}

var errNoAction = errors.New("am: broadcast without action")

func (s *Service) BroadcastIntent(ctx context.Context, args *BroadcastArgs, reply *BroadcastReply) error {
	if args.Intent == nil || args.Intent.Action == "" {
		return errNoAction
	}

	s.mu.Lock()
	br := &broadcastRecord{
		id:        uuid.NewString(),
		intent:    args.Intent,
		ordered:   args.Ordered,
		resultTo:  args.ResultTo,
		receivers: s.matching(args.Intent),
		code:      args.ResultCode,
		data:      args.ResultData,
		extras:    args.ResultExtras,
		started:   time.Now(),
	}
	s.mu.Unlock()

	reply.ID = br.id
	reply.Receivers = len(br.receivers)
	s.logger.Debug().
		Str("broadcast", br.id).
		Str("action", br.intent.Action).
		Bool("ordered", br.ordered).
		Int("receivers", len(br.receivers)).
		Msg("broadcast enqueued")

	switch {
	case len(br.receivers) == 0:
		s.finishBroadcast(br)
	case br.ordered:
		s.deliverNext(br)
	default:
		s.deliverAll(br)
	}
	return nil
}

// FinishReceiver acknowledges one delivery. Unknown tokens belong to
// deliveries that already timed out or whose receiver went away.
func (s *Service) FinishReceiver(ctx context.Context, args *FinishReceiverArgs) error {
	if !s.complete(args.Token, args) {
		s.logger.Debug().Str("token", args.Token).Msg("finish for unknown delivery")
	}
	return nil
}

// track registers a delivery of br to rec and returns its token.
// Called with s.mu held.
func (s *Service) track(br *broadcastRecord, rec *receiverRecord, index int) string {
	token := fmt.Sprintf("%s/%d", br.id, index)
	pd := &pendingDelivery{br: br, rec: rec}
	// Parallel deliveries are timed too, or one lost finish would hold
	// the final result forever.
	if s.receiverTimeout > 0 {
		pd.timer = time.AfterFunc(s.receiverTimeout, func() { s.timeout(token) })
	}
	s.pending[token] = pd
	rec.tokens[token] = struct{}{}
	return token
}

// delivery builds the PerformReceive payload. Called with s.mu held.
func (br *broadcastRecord) delivery(token string) *Delivery {
	return &Delivery{
		Intent:       br.intent,
		ResultCode:   br.code,
		ResultData:   br.data,
		ResultExtras: br.extras,
		Ordered:      br.ordered,
		Token:        token,
	}
}

// deliverAll sends a parallel broadcast to every receiver at once.
func (s *Service) deliverAll(br *broadcastRecord) {
	type send struct {
		rec   *receiverRecord
		token string
		d     *Delivery
	}
	s.mu.Lock()
	sends := make([]send, 0, len(br.receivers))
	for i, rec := range br.receivers {
		if !rec.live {
			continue
		}
		token := s.track(br, rec, i)
		sends = append(sends, send{rec, token, br.delivery(token)})
	}
	br.outstanding = len(sends)
	s.mu.Unlock()

	if len(sends) == 0 {
		s.finishBroadcast(br)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, snd := range sends {
		g.Go(func() error {
			if err := snd.rec.proxy.TransactOneWay(context.Background(), PerformReceiveTransaction, snd.d); err != nil {
				s.logger.Warn().Err(err).Str("broadcast", br.id).Stringer("receiver", snd.rec.handle).Msg("delivery failed")
				s.complete(snd.token, nil)
			}
			return nil
		})
	}
	g.Wait()
}

// deliverNext sends an ordered broadcast to its next live receiver, or
// finishes it when none is left.
func (s *Service) deliverNext(br *broadcastRecord) {
	for {
		s.mu.Lock()
		if br.aborted || br.next >= len(br.receivers) {
			s.mu.Unlock()
			s.finishBroadcast(br)
			return
		}
		rec := br.receivers[br.next]
		if !rec.live {
			br.next++
			s.mu.Unlock()
			continue
		}
		token := s.track(br, rec, br.next)
		d := br.delivery(token)
		s.mu.Unlock()

		if err := rec.proxy.TransactOneWay(context.Background(), PerformReceiveTransaction, d); err != nil {
			s.logger.Warn().Err(err).Str("broadcast", br.id).Stringer("receiver", rec.handle).Msg("delivery failed")
			s.complete(token, nil)
		}
		return
	}
}

// complete retires the delivery token. A nil result leaves the broadcast
// result unchanged. It reports whether the token was pending.
func (s *Service) complete(token string, result *FinishReceiverArgs) bool {
	s.mu.Lock()
	pd, ok := s.pending[token]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, token)
	delete(pd.rec.tokens, token)
	if pd.timer != nil {
		pd.timer.Stop()
	}

	br := pd.br
	if br.ordered {
		if result != nil {
			br.code, br.data, br.extras = result.ResultCode, result.ResultData, result.ResultExtras
			br.aborted = result.Abort
		}
		br.next++
		s.mu.Unlock()
		s.deliverNext(br)
		return true
	}

	br.outstanding--
	done := br.outstanding == 0
	s.mu.Unlock()
	if done {
		s.finishBroadcast(br)
	}
	return true
}

func (s *Service) timeout(token string) {
	s.mu.Lock()
	pd, ok := s.pending[token]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn().
		Str("broadcast", pd.br.id).
		Str("action", pd.br.intent.Action).
		Stringer("receiver", pd.rec.handle).
		Dur("timeout", s.receiverTimeout).
		Msg("receiver timed out, skipping")
	s.complete(token, nil)
}

// finishBroadcast runs once per broadcast and hands the final result to ResultTo.
func (s *Service) finishBroadcast(br *broadcastRecord) {
	s.mu.Lock()
	if br.finished {
		s.mu.Unlock()
		return
	}
	br.finished = true
	final := &Delivery{
		Intent:       br.intent,
		ResultCode:   br.code,
		ResultData:   br.data,
		ResultExtras: br.extras,
	}
	aborted := br.aborted
	s.mu.Unlock()

	s.logger.Debug().Str("broadcast", br.id).Bool("aborted", aborted).Dur("duration", time.Since(br.started)).Msg("broadcast finished")
	if br.resultTo.IsZero() {
		return
	}
	proxy, err := s.client.ProxyFor(br.resultTo)
	if err == nil {
		err = proxy.TransactOneWay(context.Background(), PerformReceiveTransaction, final)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("broadcast", br.id).Stringer("result_to", br.resultTo).Msg("final result not delivered")
	}
}
