package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-binder/binder"
	"mini-binder/intent"
	"mini-binder/queue"
)

type finished struct {
	token  string
	result Result
}

type recordingFinisher struct {
	mu   sync.Mutex
	done []finished
	ch   chan finished
}

func newRecordingFinisher() *recordingFinisher {
	return &recordingFinisher{ch: make(chan finished, 64)}
}

func (f *recordingFinisher) Finish(ctx context.Context, token string, result Result) error {
	f.mu.Lock()
	f.done = append(f.done, finished{token, result})
	f.mu.Unlock()
	f.ch <- finished{token, result}
	return nil
}

func (f *recordingFinisher) next(t *testing.T) finished {
	t.Helper()
	select {
	case fin := <-f.ch:
		return fin
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never finished")
		return finished{}
	}
}

type countingReceiver struct {
	mu      sync.Mutex
	actions []string
	onQueue []bool
	owner   *Owner
	hook    func(ctx context.Context, pr *PendingResult)
}

func (r *countingReceiver) OnReceive(ctx context.Context, in *intent.Intent, pr *PendingResult) {
	r.mu.Lock()
	r.actions = append(r.actions, in.Action)
	r.onQueue = append(r.onQueue, r.owner != nil && r.owner.Queue() == queue.FromContext(ctx))
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ctx, pr)
	}
}

func (r *countingReceiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

// funcReceiver is a func type: its values cannot be map keys.
type funcReceiver func(ctx context.Context, in *intent.Intent, pr *PendingResult)

func (f funcReceiver) OnReceive(ctx context.Context, in *intent.Intent, pr *PendingResult) {
	f(ctx, in, pr)
}

func newOwner(t *testing.T, name string) *Owner {
	o := NewOwner(name, zerolog.Nop())
	t.Cleanup(o.Close)
	return o
}

func drain(t *testing.T, o *Owner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Queue().Sync(ctx))
}

func TestRegisterTwiceReturnsSameDispatcher(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	r := &countingReceiver{owner: owner}

	rd1, created, err := table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)
	assert.True(t, created)
	rd2, created, err := table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, rd1, rd2)

	n, _ := table.Registered(owner)
	assert.Equal(t, 1, n)

	// A second owner registering the same receiver gets its own dispatcher.
	other := newOwner(t, "service")
	rd3, created, err := table.ReceiverDispatcher(other, r)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, rd1, rd3)

	fin := newRecordingFinisher()
	rd2.Perform(Delivery{Intent: intent.New("tick"), Token: "t1"}, fin)
	fin.next(t)
	assert.Equal(t, []string{"tick"}, r.received(), "one delivery, not one per registration")
}

func TestForgetDistinguishesUnknownFromAlreadyUnregistered(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	r := &countingReceiver{}

	_, err := table.ForgetReceiver(owner, r)
	var re *binder.RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, binder.NotRegistered, re.Kind)

	_, _, err = table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)
	rd, err := table.ForgetReceiver(owner, r)
	require.NoError(t, err)
	assert.True(t, rd.Forgotten())

	_, err = table.ForgetReceiver(owner, r)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, binder.AlreadyUnregistered, re.Kind)
	assert.Contains(t, string(re.Stack), "ForgetReceiver", "stack of the first unregister")

	// Registering again clears the history.
	_, created, err := table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = table.ForgetReceiver(owner, r)
	assert.NoError(t, err)
}

func TestUncomparableCallbackRejected(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")

	_, _, err := table.ReceiverDispatcher(owner, funcReceiver(func(context.Context, *intent.Intent, *PendingResult) {}))
	var re *binder.RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, binder.Uncomparable, re.Kind)

	_, _, err = table.ReceiverDispatcher(owner, nil)
	assert.True(t, errors.As(err, &re))

	// The type is comparable but the value it holds is not.
	holder := boxedReceiver{v: []int{1}}
	assert.NotPanics(t, func() {
		_, _, err = table.ReceiverDispatcher(owner, holder)
	})
	require.True(t, errors.As(err, &re))
	assert.Equal(t, binder.Uncomparable, re.Kind)

	_, _, err = table.ReceiverDispatcher(owner, boxedReceiver{v: 1})
	assert.NoError(t, err)
}

type boxedReceiver struct {
	v any
}

func (boxedReceiver) OnReceive(context.Context, *intent.Intent, *PendingResult) {}

func TestDeliveryAfterUnregisterIsFinished(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	r := &countingReceiver{owner: owner}

	rd, _, err := table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)
	_, err = table.ForgetReceiver(owner, r)
	require.NoError(t, err)

	fin := newRecordingFinisher()
	rd.Perform(Delivery{Intent: intent.New("late"), Ordered: true, Token: "t-late", ResultCode: 7}, fin)

	got := fin.next(t)
	assert.Equal(t, "t-late", got.token)
	assert.Equal(t, 7, got.result.Code, "result passes through unchanged")
	assert.Empty(t, r.received(), "forgotten receiver must not run")
}

func TestDeliveryToClosedOwnerIsFinished(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := NewOwner("activity", zerolog.Nop())
	rd, _, err := table.ReceiverDispatcher(owner, &countingReceiver{})
	require.NoError(t, err)
	owner.Close()

	fin := newRecordingFinisher()
	rd.Perform(Delivery{Intent: intent.New("late"), Token: "t1"}, fin)
	assert.Equal(t, "t1", fin.next(t).token)
}

func TestDeliveriesRunInOrderOnOwnerQueue(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	r := &countingReceiver{owner: owner}
	rd, _, err := table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)

	fin := newRecordingFinisher()
	want := []string{"a", "b", "c", "d", "e"}
	for _, a := range want {
		rd.Perform(Delivery{Intent: intent.New(a)}, fin)
	}
	drain(t, owner)

	assert.Equal(t, want, r.received())
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ok := range r.onQueue {
		assert.True(t, ok, "receiver must run on the owner queue")
	}
}

func TestPendingResultOrdered(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	r := &countingReceiver{owner: owner, hook: func(ctx context.Context, pr *PendingResult) {
		assert.Equal(t, 1, pr.ResultCode())
		pr.SetResult(pr.ResultCode()+1, pr.ResultData()+"!", map[string]string{"k": "v"})
		pr.AbortBroadcast()
	}}
	rd, _, err := table.ReceiverDispatcher(owner, r)
	require.NoError(t, err)

	fin := newRecordingFinisher()
	rd.Perform(Delivery{Intent: intent.New("order"), Ordered: true, Token: "t1", ResultCode: 1, ResultData: "hi"}, fin)

	got := fin.next(t)
	assert.Equal(t, Result{Code: 2, Data: "hi!", Extras: map[string]string{"k": "v"}, Abort: true}, got.result)
}

func TestAbortIgnoredForParallelBroadcast(t *testing.T) {
	owner := newOwner(t, "activity")
	rd := NewReceiverDispatcher(owner, &countingReceiver{owner: owner, hook: func(ctx context.Context, pr *PendingResult) {
		pr.AbortBroadcast()
		assert.False(t, pr.AbortRequested())
	}}, zerolog.Nop())

	fin := newRecordingFinisher()
	rd.Perform(Delivery{Intent: intent.New("p"), Token: "t1"}, fin)
	assert.False(t, fin.next(t).result.Abort)
}

func TestGoAsyncFinishesOnce(t *testing.T) {
	owner := newOwner(t, "activity")
	pending := make(chan *PendingResult, 1)
	rd := NewReceiverDispatcher(owner, &countingReceiver{owner: owner, hook: func(ctx context.Context, pr *PendingResult) {
		pending <- pr.GoAsync()
	}}, zerolog.Nop())

	fin := newRecordingFinisher()
	rd.Perform(Delivery{Intent: intent.New("async"), Token: "t1"}, fin)

	pr := <-pending
	drain(t, owner)
	assert.False(t, pr.Finished(), "async delivery stays open after OnReceive")

	require.NoError(t, pr.Finish(context.Background()))
	require.NoError(t, pr.Finish(context.Background()))
	fin.next(t)

	fin.mu.Lock()
	defer fin.mu.Unlock()
	assert.Len(t, fin.done, 1)
}

func TestPanickingReceiverStillFinishes(t *testing.T) {
	owner := newOwner(t, "activity")
	rd := NewReceiverDispatcher(owner, &countingReceiver{owner: owner, hook: func(ctx context.Context, pr *PendingResult) {
		pr.GoAsync()
		panic("boom")
	}}, zerolog.Nop())

	fin := newRecordingFinisher()
	rd.Perform(Delivery{Intent: intent.New("x"), Token: "t1"}, fin)
	assert.Equal(t, "t1", fin.next(t).token)

	// The queue keeps running.
	rd.Perform(Delivery{Intent: intent.New("y"), Token: "t2"}, fin)
	assert.Equal(t, "t2", fin.next(t).token)
}

// ---- service connections ----

type connEvent struct {
	kind    string
	name    string
	service binder.Handle
}

type recordingConnection struct {
	events chan connEvent
}

func newRecordingConnection() *recordingConnection {
	return &recordingConnection{events: make(chan connEvent, 16)}
}

func (c *recordingConnection) OnServiceConnected(ctx context.Context, name string, service binder.Handle) {
	c.events <- connEvent{"connected", name, service}
}

func (c *recordingConnection) OnServiceDisconnected(ctx context.Context, name string) {
	c.events <- connEvent{"disconnected", name, binder.Handle{}}
}

func (c *recordingConnection) OnBindingDied(ctx context.Context, name string) {
	c.events <- connEvent{"died", name, binder.Handle{}}
}

func (c *recordingConnection) next(t *testing.T) connEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no connection event")
		return connEvent{}
	}
}

type fakeLinker struct {
	mu      sync.Mutex
	links   map[binder.Handle][]func(error)
	unlinks int
	dead    map[binder.Handle]bool
}

func newFakeLinker() *fakeLinker {
	return &fakeLinker{links: make(map[binder.Handle][]func(error)), dead: make(map[binder.Handle]bool)}
}

func (l *fakeLinker) LinkToDeath(h binder.Handle, fn func(error)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead[h] {
		return nil, binder.Dead(h.Addr, nil)
	}
	l.links[h] = append(l.links[h], fn)
	return func() {
		l.mu.Lock()
		l.unlinks++
		l.mu.Unlock()
	}, nil
}

func (l *fakeLinker) kill(h binder.Handle) {
	l.mu.Lock()
	fns := l.links[h]
	delete(l.links, h)
	l.dead[h] = true
	l.mu.Unlock()
	for _, fn := range fns {
		fn(binder.ErrDeadObject)
	}
}

func TestServiceDispatcherLifecycle(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	conn := newRecordingConnection()
	linker := newFakeLinker()

	sd, created, err := table.ServiceDispatcher(owner, conn, linker)
	require.NoError(t, err)
	require.True(t, created)
	again, _, _ := table.ServiceDispatcher(owner, conn, linker)
	assert.Same(t, sd, again)

	h1 := binder.Handle{Addr: "127.0.0.1:1", Object: 1, Descriptor: "mini.test.IClock"}
	h2 := binder.Handle{Addr: "127.0.0.1:2", Object: 1, Descriptor: "mini.test.IClock"}

	sd.Connected("clock", h1, false)
	assert.Equal(t, connEvent{"connected", "clock", h1}, conn.next(t))

	// Same service again is a no-op.
	sd.Connected("clock", h1, false)
	// A different service replaces the old one.
	sd.Connected("clock", h2, false)
	assert.Equal(t, "disconnected", conn.next(t).kind)
	assert.Equal(t, connEvent{"connected", "clock", h2}, conn.next(t))

	// Death of an old service is ignored, death of the current one disconnects.
	linker.kill(h1)
	linker.kill(h2)
	assert.Equal(t, "disconnected", conn.next(t).kind)
	drain(t, owner)
	assert.Empty(t, sd.Connections())

	// Binding died.
	h3 := binder.Handle{Addr: "127.0.0.1:3", Object: 1, Descriptor: "mini.test.IClock"}
	sd.Connected("clock", h3, false)
	assert.Equal(t, "connected", conn.next(t).kind)
	sd.Connected("clock", h3, true)
	assert.Equal(t, "disconnected", conn.next(t).kind)
	assert.Equal(t, "died", conn.next(t).kind)

	// Connecting to an already dead service reports nothing connected.
	sd.Connected("clock", h2, false)
	drain(t, owner)
	assert.Empty(t, sd.Connections())
	assert.Empty(t, conn.events)
}

func TestForgottenServiceDispatcherIgnoresEvents(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")
	conn := newRecordingConnection()
	linker := newFakeLinker()

	sd, _, err := table.ServiceDispatcher(owner, conn, linker)
	require.NoError(t, err)
	h := binder.Handle{Addr: "127.0.0.1:1", Object: 1}
	sd.Connected("clock", h, false)
	conn.next(t)

	_, err = table.ForgetServiceDispatcher(owner, conn)
	require.NoError(t, err)
	sd.Connected("clock", binder.Handle{Addr: "127.0.0.1:2", Object: 1}, false)
	drain(t, owner)
	assert.Empty(t, conn.events)

	linker.mu.Lock()
	assert.Equal(t, 1, linker.unlinks)
	linker.mu.Unlock()

	_, err = table.ForgetServiceDispatcher(owner, conn)
	var re *binder.RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, binder.AlreadyUnregistered, re.Kind)
}

type recordingReleaser struct {
	receivers []*ReceiverDispatcher
	services  []*ServiceDispatcher
}

func (r *recordingReleaser) ReleaseReceiver(ctx context.Context, rd *ReceiverDispatcher) error {
	r.receivers = append(r.receivers, rd)
	return nil
}

func (r *recordingReleaser) ReleaseService(ctx context.Context, sd *ServiceDispatcher) error {
	r.services = append(r.services, sd)
	return errors.New("host gone")
}

func TestRemoveOwnerReportsLeaks(t *testing.T) {
	table := NewTable(WithLogger(zerolog.Nop()))
	owner := newOwner(t, "activity")

	kept := &countingReceiver{}
	rd, _, err := table.ReceiverDispatcher(owner, kept)
	require.NoError(t, err)
	released := &countingReceiver{}
	_, _, err = table.ReceiverDispatcher(owner, released)
	require.NoError(t, err)
	_, err = table.ForgetReceiver(owner, released)
	require.NoError(t, err)
	_, _, err = table.ServiceDispatcher(owner, newRecordingConnection(), newFakeLinker())
	require.NoError(t, err)

	rel := &recordingReleaser{}
	err = table.RemoveOwner(context.Background(), owner, rel)
	require.Error(t, err)

	var leaks []*binder.RegistrationError
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var re *binder.RegistrationError
		if errors.As(e, &re) && re.Kind == binder.Leaked {
			leaks = append(leaks, re)
		}
	}
	require.Len(t, leaks, 2)
	for _, leak := range leaks {
		assert.Contains(t, string(leak.Stack), "TestRemoveOwnerReportsLeaks", "leak carries the registration site")
	}
	assert.ErrorContains(t, err, "host gone")

	assert.Equal(t, []*ReceiverDispatcher{rd}, rel.receivers)
	assert.Len(t, rel.services, 1)
	assert.True(t, rd.Forgotten())

	receivers, services := table.Registered(owner)
	assert.Zero(t, receivers)
	assert.Zero(t, services)

	// After teardown nothing is known about the owner.
	_, err = table.ForgetReceiver(owner, released)
	var re *binder.RegistrationError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, binder.NotRegistered, re.Kind)

	assert.NoError(t, table.RemoveOwner(context.Background(), owner, rel))
}
