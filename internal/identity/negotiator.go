// Package identity tracks which conversation a client is talking to while
// the server assigns the id mid-exchange.
//
// A new chat has no id. The first exchange moves the negotiator to PENDING,
// and it becomes ASSIGNED as soon as the server's side-channel id arrives,
// usually well before the streamed answer ends. From then on every turn
// sends that id. Only an authorization failure reported by the server can
// take an assigned negotiator back to NO_ID.
package identity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"
)

type State string

const (
	StateNoID     State = "NO_ID"
	StatePending  State = "PENDING"
	StateAssigned State = "ASSIGNED"
)

type trigger string

const (
	triggerBegin    trigger = "Begin"
	triggerAssign   trigger = "Assign"
	triggerComplete trigger = "Complete"
	triggerFail     trigger = "Fail"
	triggerRevoke   trigger = "Revoke"
)

var (
	ErrEmptyID    = errors.New("identity: conversation id is empty")
	ErrIDConflict = errors.New("identity: server assigned a different conversation id")
)

type Negotiator struct {
	mu  sync.Mutex
	fsm *stateless.StateMachine
	id  string
}

// NewNegotiator starts in NO_ID, or in ASSIGNED when resuming a known
// conversation.
func NewNegotiator(existingID string) *Negotiator {
	n := &Negotiator{id: strings.TrimSpace(existingID)}

	initial := StateNoID
	if n.id != "" {
		initial = StateAssigned
	}
	fsm := stateless.NewStateMachine(initial)
	fsm.SetTriggerParameters(triggerAssign, reflect.TypeOf(""))

	fsm.Configure(StateNoID).
		OnEntry(func(_ context.Context, _ ...any) error {
			n.id = ""
			return nil
		}).
		Permit(triggerBegin, StatePending).
		Ignore(triggerComplete).
		Ignore(triggerFail).
		Ignore(triggerRevoke)

	// A second submission before the id is known still goes out without one.
	fsm.Configure(StatePending).
		Permit(triggerAssign, StateAssigned).
		Permit(triggerComplete, StateNoID).
		Permit(triggerFail, StateNoID).
		Permit(triggerRevoke, StateNoID).
		Ignore(triggerBegin)

	fsm.Configure(StateAssigned).
		OnEntryFrom(triggerAssign, func(_ context.Context, args ...any) error {
			n.id = args[0].(string)
			return nil
		}).
		Ignore(triggerBegin).
		Ignore(triggerAssign, n.sameID).
		Ignore(triggerComplete).
		Ignore(triggerFail).
		Permit(triggerRevoke, StateNoID)

	n.fsm = fsm
	return n
}

func (n *Negotiator) sameID(_ context.Context, args ...any) bool {
	id, _ := args[0].(string)
	return id == n.id
}

// Begin marks an exchange as started and returns the id to send with it,
// empty while none is known.
func (n *Negotiator) Begin() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.fsm.Fire(triggerBegin); err != nil {
		return "", fmt.Errorf("identity: begin: %w", err)
	}
	return n.id, nil
}

// Assign records the id announced by the server for the current exchange.
func (n *Negotiator) Assign(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.fsm.MustState() == StateAssigned && id != n.id {
		return fmt.Errorf("%w: have %s, got %s", ErrIDConflict, n.id, id)
	}
	if err := n.fsm.Fire(triggerAssign, id); err != nil {
		return fmt.Errorf("identity: assign: %w", err)
	}
	return nil
}

// Complete ends an exchange normally.
func (n *Negotiator) Complete() error {
	return n.fire(triggerComplete)
}

// Fail ends an exchange that broke before any id was learned.
func (n *Negotiator) Fail() error {
	return n.fire(triggerFail)
}

// Revoke handles a server-side authorization failure: the held id is
// dropped and the next turn starts a new conversation.
func (n *Negotiator) Revoke() error {
	return n.fire(triggerRevoke)
}

func (n *Negotiator) fire(t trigger) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.fsm.Fire(t); err != nil {
		return fmt.Errorf("identity: %s: %w", strings.ToLower(string(t)), err)
	}
	return nil
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fsm.MustState().(State)
}

func (n *Negotiator) ConversationID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}
