package app_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-binder/am"
	"mini-binder/app"
	"mini-binder/binder"
	"mini-binder/client"
	"mini-binder/dispatch"
	"mini-binder/intent"
	"mini-binder/queue"
	"mini-binder/registry"
	"mini-binder/server"
)

const waitFor = 2 * time.Second

type testEnv struct {
	proc *app.Process
	m    *am.Proxy
}

// newEnv starts an activity manager host and an app process talking to it.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	nop := zerolog.Nop()

	amClient := client.NewClient(client.WithRegistry(reg), client.WithLogger(nop), client.WithHeartbeat(0))
	t.Cleanup(func() { amClient.Close() })
	svc := am.NewService(amClient, am.WithLogger(nop), am.WithReceiverTimeout(time.Second))
	t.Cleanup(func() { svc.Close() })
	amHost := server.NewServer(server.WithRegistry(reg, 10), server.WithLogger(nop))
	require.NoError(t, svc.Register(amHost))
	require.NoError(t, amHost.Listen("tcp", "127.0.0.1:0"))
	go amHost.Serve()
	t.Cleanup(func() { amHost.Shutdown(time.Second) })

	appHost := server.NewServer(server.WithLogger(nop))
	require.NoError(t, appHost.Listen("tcp", "127.0.0.1:0"))
	go appHost.Serve()
	t.Cleanup(func() { appHost.Shutdown(time.Second) })

	cli := client.NewClient(client.WithRegistry(reg), client.WithLogger(nop), client.WithHeartbeat(0))
	t.Cleanup(func() { cli.Close() })
	proc, err := app.NewProcess(context.Background(), "test-app", cli, appHost, app.WithLogger(nop))
	require.NoError(t, err)
	return &testEnv{proc: proc, m: proc.ActivityManager()}
}

type received struct {
	action  string
	code    int
	data    string
	ordered bool
	onQueue bool
}

// receiver reports each intent on got. onReceive, if set, runs first.
type receiver struct {
	ctx       *app.Context
	got       chan received
	onReceive func(pr *dispatch.PendingResult)
}

func newReceiver(c *app.Context) *receiver {
	return &receiver{ctx: c, got: make(chan received, 16)}
}

func (r *receiver) OnReceive(ctx context.Context, in *intent.Intent, pr *dispatch.PendingResult) {
	if r.onReceive != nil {
		r.onReceive(pr)
	}
	r.got <- received{
		action:  in.Action,
		code:    pr.ResultCode(),
		data:    pr.ResultData(),
		ordered: pr.IsOrdered(),
		onQueue: queue.FromContext(ctx) == r.ctx.Owner().Queue(),
	}
}

func (r *receiver) next(t *testing.T) received {
	t.Helper()
	select {
	case got := <-r.got:
		return got
	case <-time.After(waitFor):
		t.Fatal("no intent received")
		return received{}
	}
}

func (r *receiver) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-r.got:
		t.Fatalf("unexpected intent %+v", got)
	case <-time.After(within):
	}
}

func TestRegisterAndBroadcast(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.proc.NewContext("activity")

	r := newReceiver(c)
	require.NoError(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.HELLO")))
	n, err := env.m.GetReceiverCount(ctx, "test.HELLO")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.SendBroadcast(ctx, intent.New("test.HELLO")))
	got := r.next(t)
	assert.Equal(t, "test.HELLO", got.action)
	assert.False(t, got.ordered)
	assert.True(t, got.onQueue, "receivers run on their owner's queue")

	require.NoError(t, c.SendBroadcast(ctx, intent.New("test.OTHER")))
	r.none(t, 50*time.Millisecond)

	require.NoError(t, c.UnregisterReceiver(ctx, r))
	require.NoError(t, c.SendBroadcast(ctx, intent.New("test.HELLO")))
	r.none(t, 50*time.Millisecond)
	require.NoError(t, c.Close(ctx))
}

func TestRegisterMergesFilters(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.proc.NewContext("activity")
	defer c.Close(ctx)

	r := newReceiver(c)
	require.NoError(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.A")))
	require.NoError(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.B")))

	n, err := env.m.GetReceiverCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one dispatcher per (owner, receiver)")

	require.NoError(t, c.SendBroadcast(ctx, intent.New("test.B")))
	assert.Equal(t, "test.B", r.next(t).action)
	require.NoError(t, c.UnregisterReceiver(ctx, r))
}

func TestOrderedBroadcastResult(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	first := env.proc.NewContext("first")
	second := env.proc.NewContext("second")
	sender := env.proc.NewContext("sender")
	defer first.Close(ctx)
	defer second.Close(ctx)
	defer sender.Close(ctx)

	r1 := newReceiver(first)
	r1.onReceive = func(pr *dispatch.PendingResult) {
		pr.SetResult(pr.ResultCode()+1, pr.ResultData()+"-first", nil)
	}
	r2 := newReceiver(second)
	r2.onReceive = func(pr *dispatch.PendingResult) {
		pr.SetResult(pr.ResultCode()+1, pr.ResultData()+"-second", nil)
	}
	require.NoError(t, first.RegisterReceiver(ctx, r1, intent.NewFilter("test.CHAIN")))
	require.NoError(t, second.RegisterReceiver(ctx, r2, intent.NewFilter("test.CHAIN")))

	result := newReceiver(sender)
	require.NoError(t, sender.SendOrderedBroadcast(ctx, intent.New("test.CHAIN"), result, 10, "start"))

	got1 := r1.next(t)
	assert.True(t, got1.ordered)
	assert.Equal(t, "start", got1.data)
	assert.Equal(t, "start-first", r2.next(t).data)

	final := result.next(t)
	assert.Equal(t, 12, final.code)
	assert.Equal(t, "start-first-second", final.data)
	assert.True(t, final.onQueue)

	require.NoError(t, first.UnregisterReceiver(ctx, r1))
	require.NoError(t, second.UnregisterReceiver(ctx, r2))
}

func TestOrderedBroadcastAbortAndAsync(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.proc.NewContext("activity")
	defer c.Close(ctx)

	release := make(chan struct{})
	r1 := newReceiver(c)
	r1.onReceive = func(pr *dispatch.PendingResult) {
		async := pr.GoAsync()
		go func() {
			<-release
			async.AbortBroadcast()
			async.Finish(context.Background())
		}()
	}
	r2 := newReceiver(env.proc.NewContext("other"))
	require.NoError(t, c.RegisterReceiver(ctx, r1, intent.NewFilter("test.ASYNC")))
	require.NoError(t, r2.ctx.RegisterReceiver(ctx, r2, intent.NewFilter("test.ASYNC")))

	result := newReceiver(c)
	require.NoError(t, c.SendOrderedBroadcast(ctx, intent.New("test.ASYNC"), result, 0, ""))
	r1.next(t)
	r2.none(t, 50*time.Millisecond)

	close(release)
	result.next(t)
	r2.none(t, 50*time.Millisecond)

	require.NoError(t, c.UnregisterReceiver(ctx, r1))
	require.NoError(t, r2.ctx.UnregisterReceiver(ctx, r2))
	require.NoError(t, r2.ctx.Close(ctx))
}

func TestUnregisterErrors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.proc.NewContext("activity")
	defer c.Close(ctx)

	r := newReceiver(c)
	var regErr *binder.RegistrationError
	err := c.UnregisterReceiver(ctx, r)
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, binder.NotRegistered, regErr.Kind)

	require.NoError(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.X")))
	require.NoError(t, c.UnregisterReceiver(ctx, r))
	err = c.UnregisterReceiver(ctx, r)
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, binder.AlreadyUnregistered, regErr.Kind)
	assert.NotEmpty(t, regErr.Stack, "the first unregistration site is reported")
}

func TestCloseReleasesLeaks(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.proc.NewContext("activity")

	r := newReceiver(c)
	require.NoError(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.LEAK")))
	conn := newConnection(c)
	require.NoError(t, c.BindService(ctx, "nothing", conn))

	err := c.Close(ctx)
	require.Error(t, err)
	var regErr *binder.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, binder.Leaked, regErr.Kind)

	n, err := env.m.GetReceiverCount(ctx, "test.LEAK")
	require.NoError(t, err)
	assert.Zero(t, n, "leaked receivers are unregistered at the activity manager")

	assert.NoError(t, c.Close(ctx), "second close is a no-op")
	assert.ErrorIs(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.LEAK")), app.ErrContextClosed)
}

type connection struct {
	ctx  *app.Context
	up   chan binder.Handle
	down chan string
}

func newConnection(c *app.Context) *connection {
	return &connection{ctx: c, up: make(chan binder.Handle, 4), down: make(chan string, 4)}
}

func (c *connection) OnServiceConnected(ctx context.Context, name string, service binder.Handle) {
	c.up <- service
}

func (c *connection) OnServiceDisconnected(ctx context.Context, name string) {
	c.down <- name
}

type Echo struct{}

func (e *Echo) Echo(ctx context.Context, args *string, reply *string) error {
	*reply = "echo: " + *args
	return nil
}

var echoTable = server.TransactionTable{"Echo": binder.FirstCallTransaction}

// callingReceiver makes synchronous calls from inside OnReceive.
type callingReceiver struct {
	proc *app.Process
	self atomic.Pointer[binder.Handle]
	errs chan error
}

func (r *callingReceiver) OnReceive(ctx context.Context, in *intent.Intent, pr *dispatch.PendingResult) {
	proxy, err := r.proc.Client().ProxyFor(*r.self.Load())
	if err == nil {
		err = proxy.Transact(ctx, am.PerformReceiveTransaction, &am.Delivery{Intent: in}, nil)
	}
	r.errs <- err
	_, err = r.proc.ActivityManager().GetReceiverCount(ctx, in.Action)
	r.errs <- err
}

func TestCallbackCallToOwnHandleRefused(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.proc.NewContext("activity")
	defer c.Close(ctx)

	r := &callingReceiver{proc: env.proc, errs: make(chan error, 2)}
	require.NoError(t, c.RegisterReceiver(ctx, r, intent.NewFilter("test.LOOP")))
	rd, created, err := env.proc.Table().ReceiverDispatcher(c.Owner(), r)
	require.NoError(t, err)
	require.False(t, created)
	self := rd.Handle()
	r.self.Store(&self)

	_, err = env.m.BroadcastIntent(ctx, &am.BroadcastArgs{Intent: intent.New("test.LOOP")})
	require.NoError(t, err)

	select {
	case err := <-r.errs:
		assert.ErrorIs(t, err, binder.ErrWouldDeadlock)
	case <-time.After(waitFor):
		t.Fatal("call to own handle did not return")
	}
	select {
	case err := <-r.errs:
		assert.NoError(t, err, "activity manager call from the callback")
	case <-time.After(waitFor):
		t.Fatal("activity manager call did not return")
	}
	require.NoError(t, c.UnregisterReceiver(ctx, r))
}

func TestBindPublishedService(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	provider := env.proc.NewContext("provider")
	user := env.proc.NewContext("user")
	defer provider.Close(ctx)
	defer user.Close(ctx)

	conn := newConnection(user)
	require.NoError(t, user.BindService(ctx, "echo", conn))

	h, err := provider.PublishService(ctx, "echo", "mini.test.IEcho", &Echo{}, echoTable)
	require.NoError(t, err)

	var service binder.Handle
	select {
	case service = <-conn.up:
	case <-time.After(waitFor):
		t.Fatal("service not connected")
	}
	assert.Equal(t, h, service)

	proxy, err := env.proc.Client().ProxyFor(service)
	require.NoError(t, err)
	var reply string
	require.NoError(t, proxy.Transact(ctx, binder.FirstCallTransaction, "hi", &reply))
	assert.Equal(t, "echo: hi", reply)

	require.NoError(t, user.UnbindService(ctx, conn))
	var regErr *binder.RegistrationError
	assert.True(t, errors.As(user.UnbindService(ctx, conn), &regErr))
}
