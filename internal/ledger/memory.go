package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// MemoryGateway is an in-memory implementation of both the Gateway and
// the ledger program behind it. It enforces the same rules the on-chain
// program does: the full transition table as a final backstop, and
// replay of an already-applied fingerprint as a no-op that returns the
// original transaction reference.
//
// Used by tests and by local development when no ledger relay is
// reachable.
type MemoryGateway struct {
	mu       sync.Mutex
	tickets  map[string]*TicketSnapshot
	events   map[string]*memoryEvent
	applied  map[string]string   // fingerprint -> tx ref
	statuses map[string]TxStatus // tx ref -> status
	txSeq    int

	// SubmitHook, when set, runs before a submission is applied and
	// may return an error to simulate transport or program failures.
	SubmitHook func(sub *Submission) error
}

type memoryEvent struct {
	ref       string
	cancelled bool
}

// NewMemoryGateway creates an empty in-memory ledger.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		tickets:  make(map[string]*TicketSnapshot),
		events:   make(map[string]*memoryEvent),
		applied:  make(map[string]string),
		statuses: make(map[string]TxStatus),
	}
}

// Submit applies one operation to the in-memory ledger state.
func (g *MemoryGateway) Submit(ctx context.Context, sub *Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "ledger call failed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Idempotency: a replayed fingerprint returns the recorded result
	// without touching state.
	if txRef, ok := g.applied[sub.Fingerprint]; ok {
		return txRef, nil
	}

	if g.SubmitHook != nil {
		if err := g.SubmitHook(sub); err != nil {
			return "", err
		}
	}

	if err := g.apply(sub); err != nil {
		return "", err
	}

	g.txSeq++
	txRef := fmt.Sprintf("memtx-%06d", g.txSeq)
	g.applied[sub.Fingerprint] = txRef
	g.statuses[txRef] = TxConfirmed
	return txRef, nil
}

func (g *MemoryGateway) apply(sub *Submission) error {
	switch sub.Type {
	case OpRegister:
		var p RegisterPayload
		if err := json.Unmarshal(sub.Payload, &p); err != nil {
			return &RejectionError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		if _, ok := g.tickets[p.TicketRef]; ok {
			return &RejectionError{Code: "ALREADY_REGISTERED", Message: "ticket already registered"}
		}
		if _, ok := g.events[p.EventRef]; !ok {
			g.events[p.EventRef] = &memoryEvent{ref: p.EventRef}
		}
		g.tickets[p.TicketRef] = &TicketSnapshot{
			TicketRef: p.TicketRef,
			EventRef:  p.EventRef,
			OwnerRef:  p.OwnerRef,
			AssetRef:  p.AssetRef,
			Location:  LocationOutside,
			IsValid:   true,
		}
		return nil

	case OpTransfer:
		var p TransferPayload
		if err := json.Unmarshal(sub.Payload, &p); err != nil {
			return &RejectionError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		t, ok := g.tickets[p.TicketRef]
		if !ok {
			return &RejectionError{Code: "UNKNOWN_TICKET", Message: "ticket not registered"}
		}
		if !t.IsValid {
			return &RejectionError{Code: "TICKET_INVALIDATED", Message: "cannot transfer an invalidated ticket"}
		}
		t.OwnerRef = p.NewOwnerRef
		t.TransferCount++
		return nil

	case OpRecordScan:
		var p RecordScanPayload
		if err := json.Unmarshal(sub.Payload, &p); err != nil {
			return &RejectionError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		t, ok := g.tickets[p.TicketRef]
		if !ok {
			return &RejectionError{Code: "UNKNOWN_TICKET", Message: "ticket not registered"}
		}
		// The program re-validates the transition even though the
		// database layer already did; the two tables must agree.
		next, err := ApplyScan(t.Location, p.Scan, t.IsValid)
		if err != nil {
			if errors.Is(err, ErrTicketInvalidated) {
				return &RejectionError{Code: "TICKET_INVALIDATED", Message: "ticket is invalidated"}
			}
			return &RejectionError{Code: "INVALID_TRANSITION", Message: err.Error()}
		}
		t.Location = next
		t.ScanCount++
		return nil

	case OpInvalidate:
		var p InvalidatePayload
		if err := json.Unmarshal(sub.Payload, &p); err != nil {
			return &RejectionError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		t, ok := g.tickets[p.TicketRef]
		if !ok {
			return &RejectionError{Code: "UNKNOWN_TICKET", Message: "ticket not registered"}
		}
		// Invalidation is a state, not an error: re-invalidating is a no-op.
		t.IsValid = false
		return nil

	case OpCancelEvent:
		var p CancelEventPayload
		if err := json.Unmarshal(sub.Payload, &p); err != nil {
			return &RejectionError{Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		ev, ok := g.events[p.EventRef]
		if !ok {
			ev = &memoryEvent{ref: p.EventRef}
			g.events[p.EventRef] = ev
		}
		ev.cancelled = true
		for _, t := range g.tickets {
			if t.EventRef == p.EventRef {
				t.IsValid = false
			}
		}
		return nil

	default:
		return &RejectionError{Code: "UNKNOWN_OPERATION", Message: string(sub.Type)}
	}
}

// Confirm reports the status of a previously submitted transaction.
func (g *MemoryGateway) Confirm(ctx context.Context, txRef string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxPending, errors.Wrap(err, "ledger call failed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	status, ok := g.statuses[txRef]
	if !ok {
		return TxPending, errors.Errorf("unknown transaction %q", txRef)
	}
	return status, nil
}

// Read returns a copy of the on-ledger ticket state.
func (g *MemoryGateway) Read(ctx context.Context, accountRef string) (*TicketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "ledger call failed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[accountRef]
	if !ok {
		return nil, ErrAccountNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// Corrupt overwrites one field of a ticket's ledger state. Tests use it
// to manufacture divergence for the reconciler to find.
func (g *MemoryGateway) Corrupt(accountRef string, mutate func(*TicketSnapshot)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tickets[accountRef]; ok {
		mutate(t)
	}
}

// AppliedCount returns how many distinct fingerprints have been applied.
func (g *MemoryGateway) AppliedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.applied)
}
