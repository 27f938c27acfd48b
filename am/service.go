package am

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mini-binder/binder"
	"mini-binder/client"
	"mini-binder/intent"
	"mini-binder/server"
)

// DefaultReceiverTimeout bounds how long a broadcast waits for one receiver to finish.
const DefaultReceiverTimeout = 10 * time.Second

type receiverRecord struct {
	handle binder.Handle
	filter intent.Filter
	owner  string
	order  uint64
	proxy  *client.Proxy
	linkID uint64
	live   bool
	tokens map[string]struct{} // Deliveries awaiting FinishReceiver
}

type serviceRecord struct {
	name      string
	service   binder.Handle
	publisher *client.Proxy
	linkID    uint64
}

type bindingKey struct {
	conn binder.Handle
	name string
}

type bindingRecord struct {
	key    bindingKey
	proxy  *client.Proxy
	linkID uint64
}

// Service is the IActivityManager implementation.
type Service struct {
	client          *client.Client // Reaches the callback objects of registered apps
	receiverTimeout time.Duration
	parallelism     int
	logger          zerolog.Logger

	mu        sync.Mutex
	order     uint64
	receivers map[binder.Handle]*receiverRecord
	pending   map[string]*pendingDelivery // token → delivery
	services  map[string]*serviceRecord
	bindings  map[bindingKey]*bindingRecord
	closed    bool
}

// Option configures a Service.
type Option func(*Service)

// WithReceiverTimeout sets how long a broadcast waits for each receiver to
// finish. Zero waits forever.
func WithReceiverTimeout(d time.Duration) Option {
	return func(s *Service) { s.receiverTimeout = d }
}

// WithParallelism bounds concurrent sends of a parallel broadcast.
func WithParallelism(n int) Option {
	return func(s *Service) { s.parallelism = n }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates the service. c is used to call back into registered apps.
func NewService(c *client.Client, opts ...Option) *Service {
	s := &Service{
		client:          c,
		receiverTimeout: DefaultReceiverTimeout,
		parallelism:     8,
		logger:          log.Logger,
		receivers:       make(map[binder.Handle]*receiverRecord),
		pending:         make(map[string]*pendingDelivery),
		services:        make(map[string]*serviceRecord),
		bindings:        make(map[bindingKey]*bindingRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register publishes s on svr under Descriptor.
func (s *Service) Register(svr *server.Server) error {
	return svr.Register(Descriptor, s, Table)
}

var errZeroHandle = errors.New("am: zero handle")

func (s *Service) RegisterReceiver(ctx context.Context, args *RegisterReceiverArgs, reply *Empty) error {
	if args.Receiver.IsZero() {
		return errZeroHandle
	}
	if s.mergeFilter(args) {
		return nil
	}

	proxy, err := s.client.ProxyFor(args.Receiver)
	if err != nil {
		return err
	}
	handle := args.Receiver
	linkID, err := proxy.LinkToDeath(func(err error) { s.receiverGone(handle, "died") })
	if err != nil {
		return err
	}

	s.mu.Lock()
	if rec, ok := s.receivers[handle]; ok {
		// Raced with another registration of the same receiver.
		rec.filter = rec.filter.Merge(args.Filter)
		s.mu.Unlock()
		proxy.UnlinkToDeath(linkID)
		return nil
	}
	s.order++
	s.receivers[handle] = &receiverRecord{
		handle: handle,
		filter: args.Filter,
		owner:  args.Owner,
		order:  s.order,
		proxy:  proxy,
		linkID: linkID,
		live:   true,
		tokens: make(map[string]struct{}),
	}
	s.mu.Unlock()

	s.logger.Debug().Str("owner", args.Owner).Stringer("receiver", handle).Strs("actions", args.Filter.Actions).Msg("receiver registered")
	return nil
}

func (s *Service) mergeFilter(args *RegisterReceiverArgs) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.receivers[args.Receiver]
	if ok {
		rec.filter = rec.filter.Merge(args.Filter)
	}
	return ok
}

func (s *Service) UnregisterReceiver(ctx context.Context, args *UnregisterReceiverArgs, reply *UnregisterReceiverReply) error {
	reply.Found = s.receiverGone(args.Receiver, "unregistered")
	return nil
}

// receiverGone drops a receiver and finishes every delivery it still holds,
// so ordered broadcasts move on to the next receiver.
func (s *Service) receiverGone(h binder.Handle, why string) bool {
	s.mu.Lock()
	rec, ok := s.receivers[h]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.receivers, h)
	rec.live = false
	tokens := make([]string, 0, len(rec.tokens))
	for token := range rec.tokens {
		tokens = append(tokens, token)
	}
	s.mu.Unlock()

	if why != "died" {
		rec.proxy.UnlinkToDeath(rec.linkID)
	}
	for _, token := range tokens {
		s.complete(token, nil)
	}
	s.logger.Debug().Str("owner", rec.owner).Stringer("receiver", h).Str("reason", why).Int("pending", len(tokens)).Msg("receiver removed")
	return true
}

func (s *Service) GetReceiverCount(ctx context.Context, args *GetReceiverCountArgs, reply *GetReceiverCountReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := intent.New(args.Action)
	for _, rec := range s.receivers {
		if args.Action == "" || rec.filter.Match(sample) {
			reply.Count++
		}
	}
	return nil
}

// matching returns the live receivers whose filter accepts in, in
// registration order. Called with s.mu held.
func (s *Service) matching(in *intent.Intent) []*receiverRecord {
	var out []*receiverRecord
	for _, rec := range s.receivers {
		if rec.live && rec.filter.Match(in) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (s *Service) PublishService(ctx context.Context, args *PublishServiceArgs, reply *Empty) error {
	if args.Name == "" || args.Service.IsZero() {
		return errZeroHandle
	}
	proxy, err := s.client.ProxyFor(args.Service)
	if err != nil {
		return err
	}
	name, service := args.Name, args.Service
	linkID, err := proxy.LinkToDeath(func(error) { s.serviceDied(name, service) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.services[name]
	s.services[name] = &serviceRecord{name: name, service: service, publisher: proxy, linkID: linkID}
	bound := s.boundTo(name)
	s.mu.Unlock()

	if old != nil {
		old.publisher.UnlinkToDeath(old.linkID)
	}
	s.logger.Info().Str("service", name).Stringer("handle", service).Int("bindings", len(bound)).Msg("service published")
	for _, b := range bound {
		s.notifyConnected(b, service, false)
	}
	return nil
}

func (s *Service) serviceDied(name string, service binder.Handle) {
	s.mu.Lock()
	rec := s.services[name]
	if rec == nil || rec.service != service {
		s.mu.Unlock()
		return
	}
	delete(s.services, name)
	bound := s.boundTo(name)
	s.mu.Unlock()

	s.logger.Warn().Str("service", name).Stringer("handle", service).Msg("service publisher died")
	for _, b := range bound {
		s.notifyConnected(b, service, true)
	}
}

// boundTo is called with s.mu held.
func (s *Service) boundTo(name string) []*bindingRecord {
	var out []*bindingRecord
	for key, b := range s.bindings {
		if key.name == name {
			out = append(out, b)
		}
	}
	return out
}

func (s *Service) BindService(ctx context.Context, args *BindServiceArgs, reply *BindServiceReply) error {
	if args.Name == "" || args.Connection.IsZero() {
		return errZeroHandle
	}
	key := bindingKey{conn: args.Connection, name: args.Name}

	s.mu.Lock()
	_, bound := s.bindings[key]
	svc := s.services[args.Name]
	s.mu.Unlock()
	if bound {
		reply.Published = svc != nil
		return nil
	}

	proxy, err := s.client.ProxyFor(args.Connection)
	if err != nil {
		return err
	}
	conn := args.Connection
	linkID, err := proxy.LinkToDeath(func(error) { s.connectionGone(conn) })
	if err != nil {
		return err
	}
	b := &bindingRecord{key: key, proxy: proxy, linkID: linkID}

	s.mu.Lock()
	if _, raced := s.bindings[key]; raced {
		s.mu.Unlock()
		proxy.UnlinkToDeath(linkID)
		return nil
	}
	s.bindings[key] = b
	svc = s.services[args.Name]
	s.mu.Unlock()

	if svc != nil {
		reply.Published = true
		s.notifyConnected(b, svc.service, false)
	}
	return nil
}

func (s *Service) UnbindService(ctx context.Context, args *UnbindServiceArgs, reply *UnbindServiceReply) error {
	for _, b := range s.removeBindings(args.Connection) {
		b.proxy.UnlinkToDeath(b.linkID)
		reply.Found = true
	}
	return nil
}

func (s *Service) connectionGone(conn binder.Handle) {
	removed := s.removeBindings(conn)
	if len(removed) > 0 {
		s.logger.Debug().Stringer("connection", conn).Int("bindings", len(removed)).Msg("service connection died")
	}
}

func (s *Service) removeBindings(conn binder.Handle) []*bindingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*bindingRecord
	for key, b := range s.bindings {
		if key.conn == conn {
			delete(s.bindings, key)
			removed = append(removed, b)
		}
	}
	return removed
}

func (s *Service) notifyConnected(b *bindingRecord, service binder.Handle, dead bool) {
	args := &ConnectedArgs{Name: b.key.name, Service: service, Dead: dead}
	if err := b.proxy.TransactOneWay(context.Background(), ConnectedTransaction, args); err != nil {
		s.logger.Warn().Err(err).Str("service", b.key.name).Stringer("connection", b.key.conn).Msg("connection callback failed")
	}
}

// Close drops every registration and stops the delivery timers.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	receivers := s.receivers
	services := s.services
	bindings := s.bindings
	pending := s.pending
	s.receivers = make(map[binder.Handle]*receiverRecord)
	s.services = make(map[string]*serviceRecord)
	s.bindings = make(map[bindingKey]*bindingRecord)
	s.pending = make(map[string]*pendingDelivery)
	s.mu.Unlock()

	for _, pd := range pending {
		if pd.timer != nil {
			pd.timer.Stop()
		}
	}
	for _, rec := range receivers {
		rec.proxy.UnlinkToDeath(rec.linkID)
	}
	for _, rec := range services {
		rec.publisher.UnlinkToDeath(rec.linkID)
	}
	for _, b := range bindings {
		b.proxy.UnlinkToDeath(b.linkID)
	}
	return nil
}
