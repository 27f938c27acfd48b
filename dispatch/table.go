package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mini-binder/binder"
)

// Releaser releases the remote side of a leaked registration.
type Releaser interface {
	ReleaseReceiver(ctx context.Context, rd *ReceiverDispatcher) error
	ReleaseService(ctx context.Context, sd *ServiceDispatcher) error
}

// Table maps (owner, callback) to dispatcher.
type Table struct {
	mu sync.Mutex

	receivers    map[*Owner]map[Receiver]*ReceiverDispatcher
	unregistered map[*Owner]map[Receiver][]byte // Stack of the unregister call
	services     map[*Owner]map[ServiceConnection]*ServiceDispatcher
	unbound      map[*Owner]map[ServiceConnection][]byte

	logger zerolog.Logger
}

// NewTable creates an empty table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		receivers:    make(map[*Owner]map[Receiver]*ReceiverDispatcher),
		unregistered: make(map[*Owner]map[Receiver][]byte),
		services:     make(map[*Owner]map[ServiceConnection]*ServiceDispatcher),
		unbound:      make(map[*Owner]map[ServiceConnection][]byte),
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithLogger sets the logger used by the table and its dispatchers.
func WithLogger(l zerolog.Logger) TableOption {
	return func(t *Table) { t.logger = l }
}

func callbackName(cb any) string {
	return fmt.Sprintf("%T", cb)
}

// checkComparable rejects callbacks that cannot key a map. The value is
// checked, not the type: an interface field may hold a slice at run time.
func checkComparable(owner *Owner, cb any) error {
	if cb == nil || !reflect.ValueOf(cb).Comparable() {
		return &binder.RegistrationError{Kind: binder.Uncomparable, Owner: owner.String(), Callback: callbackName(cb)}
	}
	return nil
}

// ReceiverDispatcher returns the dispatcher for (owner, r), creating it on
// first use. created reports whether this call created it.
func (t *Table) ReceiverDispatcher(owner *Owner, r Receiver) (rd *ReceiverDispatcher, created bool, err error) {
	if err := checkComparable(owner, r); err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byReceiver := t.receivers[owner]
	if byReceiver == nil {
		byReceiver = make(map[Receiver]*ReceiverDispatcher)
		t.receivers[owner] = byReceiver
	}
	if rd, ok := byReceiver[r]; ok {
		return rd, false, nil
	}
	rd = NewReceiverDispatcher(owner, r, t.logger)
	byReceiver[r] = rd
	delete(t.unregistered[owner], r)
	return rd, true, nil
}

// ForgetReceiver unregisters r. The dispatcher keeps finishing late
// deliveries on the receiver's behalf.
func (t *Table) ForgetReceiver(owner *Owner, r Receiver) (*ReceiverDispatcher, error) {
	if err := checkComparable(owner, r); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rd, ok := t.receivers[owner][r]; ok {
		delete(t.receivers[owner], r)
		if t.unregistered[owner] == nil {
			t.unregistered[owner] = make(map[Receiver][]byte)
		}
		t.unregistered[owner][r] = binder.CallSite()
		rd.forget()
		return rd, nil
	}

	if stack, ok := t.unregistered[owner][r]; ok {
		return nil, &binder.RegistrationError{
			Kind:     binder.AlreadyUnregistered,
			Owner:    owner.String(),
			Callback: callbackName(r),
			Stack:    stack,
		}
	}
	return nil, &binder.RegistrationError{Kind: binder.NotRegistered, Owner: owner.String(), Callback: callbackName(r)}
}

// ServiceDispatcher returns the dispatcher for (owner, conn), creating it on
// first use.
func (t *Table) ServiceDispatcher(owner *Owner, conn ServiceConnection, linker DeathLinker) (sd *ServiceDispatcher, created bool, err error) {
	if err := checkComparable(owner, conn); err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byConn := t.services[owner]
	if byConn == nil {
		byConn = make(map[ServiceConnection]*ServiceDispatcher)
		t.services[owner] = byConn
	}
	if sd, ok := byConn[conn]; ok {
		return sd, false, nil
	}
	sd = newServiceDispatcher(owner, conn, linker, t.logger)
	byConn[conn] = sd
	delete(t.unbound[owner], conn)
	return sd, true, nil
}

// ForgetServiceDispatcher unbinds conn and drops its connections without
// calling it back.
func (t *Table) ForgetServiceDispatcher(owner *Owner, conn ServiceConnection) (*ServiceDispatcher, error) {
	if err := checkComparable(owner, conn); err != nil {
		return nil, err
	}

	t.mu.Lock()
	sd, ok := t.services[owner][conn]
	if ok {
		delete(t.services[owner], conn)
		if t.unbound[owner] == nil {
			t.unbound[owner] = make(map[ServiceConnection][]byte)
		}
		t.unbound[owner][conn] = binder.CallSite()
	}
	stack, unbound := t.unbound[owner][conn]
	t.mu.Unlock()

	if ok {
		sd.forget()
		return sd, nil
	}
	if unbound {
		return nil, &binder.RegistrationError{
			Kind:     binder.AlreadyUnregistered,
			Owner:    owner.String(),
			Callback: callbackName(conn),
			Stack:    stack,
		}
	}
	return nil, &binder.RegistrationError{Kind: binder.NotRegistered, Owner: owner.String(), Callback: callbackName(conn)}
}

// Registered returns the number of live registrations of owner.
func (t *Table) Registered(owner *Owner) (receivers, services int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.receivers[owner]), len(t.services[owner])
}

// RemoveOwner tears owner down. Every registration still live is a leak: it
// is logged with its registration stack, released through rel and
// forgotten. The returned error joins one RegistrationError per leak.
func (t *Table) RemoveOwner(ctx context.Context, owner *Owner, rel Releaser) error {
	t.mu.Lock()
	receivers := t.receivers[owner]
	services := t.services[owner]
	delete(t.receivers, owner)
	delete(t.unregistered, owner)
	delete(t.services, owner)
	delete(t.unbound, owner)
	t.mu.Unlock()

	var errs []error
	for r, rd := range receivers {
		leak := &binder.RegistrationError{
			Kind:     binder.Leaked,
			Owner:    owner.String(),
			Callback: callbackName(r),
			Stack:    rd.registeredAt,
		}
		t.logger.Error().
			Str("owner", owner.String()).
			Str("callback", leak.Callback).
			Str("registered_at", string(rd.registeredAt)).
			Msg("receiver leaked: missing UnregisterReceiver")
		rd.forget()
		errs = append(errs, leak)
		if rel != nil {
			if err := rel.ReleaseReceiver(ctx, rd); err != nil {
				errs = append(errs, fmt.Errorf("release receiver %s: %w", leak.Callback, err))
			}
		}
	}
	for conn, sd := range services {
		leak := &binder.RegistrationError{
			Kind:     binder.Leaked,
			Owner:    owner.String(),
			Callback: callbackName(conn),
			Stack:    sd.registeredAt,
		}
		t.logger.Error().
			Str("owner", owner.String()).
			Str("callback", leak.Callback).
			Str("registered_at", string(sd.registeredAt)).
			Msg("service connection leaked: missing UnbindService")
		sd.forget()
		errs = append(errs, leak)
		if rel != nil {
			if err := rel.ReleaseService(ctx, sd); err != nil {
				errs = append(errs, fmt.Errorf("release service connection %s: %w", leak.Callback, err))
			}
		}
	}
	return errors.Join(errs...)
}
