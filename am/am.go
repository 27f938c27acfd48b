// Package am implements a small activity-manager style system service on
// top of mini-binder: broadcast receivers registered by handle, parallel and
// ordered broadcasts acknowledged by token, and bound services that follow
// their publisher's lifetime.
//
// The transaction codes below are the wire contract of the interfaces. They
// are never renumbered; new methods get new codes.
package am

import (
	"mini-binder/binder"
	"mini-binder/intent"
	"mini-binder/server"
)

const (
	// Descriptor names the activity manager interface.
	Descriptor = "mini.app.IActivityManager"
	// ReceiverDescriptor names the broadcast callback interface.
	ReceiverDescriptor = "mini.content.IIntentReceiver"
	// ConnectionDescriptor names the service connection callback interface.
	ConnectionDescriptor = "mini.app.IServiceConnection"
)

// IActivityManager transaction codes.
const (
	RegisterReceiverTransaction   binder.Code = 1
	UnregisterReceiverTransaction binder.Code = 2
	BroadcastIntentTransaction    binder.Code = 3
	FinishReceiverTransaction     binder.Code = 4 // one-way
	PublishServiceTransaction     binder.Code = 5
	BindServiceTransaction        binder.Code = 6
	UnbindServiceTransaction      binder.Code = 7
	GetReceiverCountTransaction   binder.Code = 8
)

// IIntentReceiver transaction codes.
const (
	PerformReceiveTransaction binder.Code = 1 // one-way
)

// IServiceConnection transaction codes.
const (
	ConnectedTransaction binder.Code = 1 // one-way
)

// Table binds the IActivityManager codes to Service methods.
var Table = server.TransactionTable{
	"RegisterReceiver":   RegisterReceiverTransaction,
	"UnregisterReceiver": UnregisterReceiverTransaction,
	"BroadcastIntent":    BroadcastIntentTransaction,
	"FinishReceiver":     FinishReceiverTransaction,
	"PublishService":     PublishServiceTransaction,
	"BindService":        BindServiceTransaction,
	"UnbindService":      UnbindServiceTransaction,
	"GetReceiverCount":   GetReceiverCountTransaction,
}

// ReceiverTable binds IIntentReceiver codes. Implementations provide
// PerformReceive(ctx, *Delivery) error.
var ReceiverTable = server.TransactionTable{
	"PerformReceive": PerformReceiveTransaction,
}

// ConnectionTable binds IServiceConnection codes. Implementations provide
// Connected(ctx, *ConnectedArgs) error.
var ConnectionTable = server.TransactionTable{
	"Connected": ConnectedTransaction,
}

type Empty struct{}

type RegisterReceiverArgs struct {
	Receiver binder.Handle
	Filter   intent.Filter
	Owner    string
}

type UnregisterReceiverArgs struct {
	Receiver binder.Handle
}

type UnregisterReceiverReply struct {
	Found bool
}

// BroadcastArgs describes a broadcast. ResultTo, when set, receives the
// final result once every receiver has finished.
type BroadcastArgs struct {
	Intent       *intent.Intent
	Ordered      bool
	ResultTo     binder.Handle
	ResultCode   int
	ResultData   string
	ResultExtras map[string]string
}

type BroadcastReply struct {
	ID        string
	Receivers int
}

// FinishReceiverArgs acknowledges the delivery identified by Token.
type FinishReceiverArgs struct {
	Token        string
	ResultCode   int
	ResultData   string
	ResultExtras map[string]string
	Abort        bool
}

type PublishServiceArgs struct {
	Name    string
	Service binder.Handle
}

type BindServiceArgs struct {
	Name       string
	Connection binder.Handle
}

type BindServiceReply struct {
	Published bool
}

type UnbindServiceArgs struct {
	Connection binder.Handle
}

type UnbindServiceReply struct {
	Found bool
}

type GetReceiverCountArgs struct {
	Action string // Empty counts every receiver
}

type GetReceiverCountReply struct {
	Count int
}

// Delivery is the IIntentReceiver.PerformReceive payload. An empty Token
// marks a delivery that is not acknowledged, such as a final result.
type Delivery struct {
	Intent       *intent.Intent
	ResultCode   int
	ResultData   string
	ResultExtras map[string]string
	Ordered      bool
	Token        string
}

// ConnectedArgs is the IServiceConnection.Connected payload. Dead marks a
// binding whose service is gone.
type ConnectedArgs struct {
	Name    string
	Service binder.Handle
	Dead    bool
}
