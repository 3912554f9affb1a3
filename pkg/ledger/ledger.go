package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/northgate-labs/warden/pkg/clock"
)

var (
	// ErrConflict signals a lost write race on the chain tip. Retryable:
	// refresh the tip and append again.
	ErrConflict = errors.New("ledger: chain tip conflict")
	// ErrNotFound is returned for reads of sequences that do not exist.
	ErrNotFound = errors.New("ledger: event not found")
)

// TamperError reports the first point at which the chain fails
// re-verification. Fatal; never auto-corrected.
type TamperError struct {
	Sequence uint64
	Reason   string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("ledger: tamper detected at sequence %d: %s", e.Sequence, e.Reason)
}

// IsTamper reports whether err wraps a TamperError.
func IsTamper(err error) bool {
	var te *TamperError
	return errors.As(err, &te)
}

// Persistence is the storage collaborator for the ledger. Implementations
// must reject duplicate sequence numbers with ErrConflict.
type Persistence interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ReadTip(ctx context.Context) (*Event, error)
	ReadRange(ctx context.Context, from, to uint64) ([]*Event, error)
}

// Draft describes an event before it is sequenced and hashed.
type Draft struct {
	Type     EventType
	Action   string
	Actor    Actor
	Resource *Resource
	Outcome  Outcome
	Context  map[string]any

	// AssumedPrevHash, when non-nil, asserts the chain tip the caller
	// observed. Append fails with ErrConflict if the tip has moved.
	AssumedPrevHash *string
}

// Ledger is the single authoritative writer for the hash chain. Concurrent
// Append calls serialize on an exclusive section so sequence numbers stay
// gap-free and every previous-hash is unambiguous.
type Ledger struct {
	mu    sync.Mutex
	store Persistence
	clk   clock.Clock

	// Cached tip, loaded lazily from the store and maintained by Append.
	tipSeq  uint64
	tipHash string
	primed  bool
}

// New constructs a Ledger over the given persistence and clock.
func New(store Persistence, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{store: store, clk: clk}
}

func (l *Ledger) prime(ctx context.Context) error {
	if l.primed {
		return nil
	}
	tip, err := l.store.ReadTip(ctx)
	if err != nil {
		return fmt.Errorf("ledger: read tip: %w", err)
	}
	if tip != nil {
		l.tipSeq = tip.Sequence
		l.tipHash = tip.EventHash
	} else {
		l.tipSeq = 0
		l.tipHash = ""
	}
	l.primed = true
	return nil
}

// Append sequences, hashes, and persists a new event. Returns the stored
// event with Sequence and EventHash populated.
func (l *Ledger) Append(ctx context.Context, d Draft) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.prime(ctx); err != nil {
		return nil, err
	}

	if d.AssumedPrevHash != nil && *d.AssumedPrevHash != l.tipHash {
		return nil, fmt.Errorf("%w: assumed tip %q, current tip %q",
			ErrConflict, *d.AssumedPrevHash, l.tipHash)
	}

	ev := &Event{
		ID:           uuid.New().String(),
		Sequence:     l.tipSeq + 1,
		Type:         d.Type,
		Action:       d.Action,
		Actor:        d.Actor,
		Resource:     d.Resource,
		Outcome:      d.Outcome,
		Context:      d.Context,
		PreviousHash: l.tipHash,
		CreatedAt:    l.clk.Now(),
	}

	hash, err := ev.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("ledger: hash event: %w", err)
	}
	ev.EventHash = hash

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		// A duplicate sequence means another writer won the race on a
		// shared store. Drop the cached tip so the retry re-reads it.
		if errors.Is(err, ErrConflict) {
			l.primed = false
			return nil, err
		}
		return nil, fmt.Errorf("ledger: persist event: %w", err)
	}

	l.tipSeq = ev.Sequence
	l.tipHash = ev.EventHash
	return ev, nil
}

// TipHash returns the current chain tip hash ("" for an empty ledger).
func (l *Ledger) TipHash(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.prime(ctx); err != nil {
		return "", err
	}
	return l.tipHash, nil
}

// TipSequence returns the current tip sequence (0 for an empty ledger).
func (l *Ledger) TipSequence(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.prime(ctx); err != nil {
		return 0, err
	}
	return l.tipSeq, nil
}

// ReadRange returns events with from <= sequence <= to in ascending order.
func (l *Ledger) ReadRange(ctx context.Context, from, to uint64) ([]*Event, error) {
	return l.store.ReadRange(ctx, from, to)
}

// VerifyChain recomputes every hash in [from, to] and checks sequencing and
// chain links. Returns a TamperError locating the first bad event, or nil.
// from == 0 is normalized to 1; to == 0 means "through the current tip".
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		l.mu.Lock()
		if err := l.prime(ctx); err != nil {
			l.mu.Unlock()
			return err
		}
		to = l.tipSeq
		l.mu.Unlock()
	}
	if to < from {
		return nil
	}

	events, err := l.store.ReadRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("ledger: read range for verification: %w", err)
	}

	// Anchor the first event of the segment against its stored predecessor.
	expectPrev := ""
	if from > 1 {
		prev, err := l.store.ReadRange(ctx, from-1, from-1)
		if err != nil {
			return fmt.Errorf("ledger: read anchor event %d: %w", from-1, err)
		}
		if len(prev) == 0 {
			return &TamperError{Sequence: from - 1, Reason: "anchor event missing"}
		}
		expectPrev = prev[0].EventHash
	}

	expectSeq := from
	for _, ev := range events {
		if ev.Sequence != expectSeq {
			return &TamperError{
				Sequence: expectSeq,
				Reason:   fmt.Sprintf("sequence gap or duplicate: expected %d, found %d", expectSeq, ev.Sequence),
			}
		}
		if ev.Sequence == 1 && ev.PreviousHash != "" {
			return &TamperError{Sequence: 1, Reason: "first event must have no previous hash"}
		}
		if ev.PreviousHash != expectPrev {
			return &TamperError{
				Sequence: ev.Sequence,
				Reason:   fmt.Sprintf("previous hash mismatch: expected %q, stored %q", expectPrev, ev.PreviousHash),
			}
		}
		computed, err := ev.ComputeHash()
		if err != nil {
			return fmt.Errorf("ledger: recompute hash for sequence %d: %w", ev.Sequence, err)
		}
		if computed != ev.EventHash {
			return &TamperError{
				Sequence: ev.Sequence,
				Reason:   fmt.Sprintf("event hash mismatch: computed %q, stored %q", computed, ev.EventHash),
			}
		}
		expectPrev = ev.EventHash
		expectSeq++
	}

	if expectSeq != to+1 {
		return &TamperError{
			Sequence: expectSeq,
			Reason:   "chain segment shorter than requested range",
		}
	}
	return nil
}
