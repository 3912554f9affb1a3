package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/northgate-labs/warden/pkg/clock"
	"github.com/northgate-labs/warden/pkg/ledger"
)

// Property: for any sequence of appended actions, every event's previous
// hash equals its predecessor's self hash, hashes round-trip exactly, and
// sequence numbers form a gap-free increasing run.
func TestChainInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(actions []string) bool {
			store := ledger.NewMemoryStore()
			l := ledger.New(store, clock.NewFake(time.Unix(1735689600, 0)))
			ctx := context.Background()

			for _, a := range actions {
				_, err := l.Append(ctx, ledger.Draft{
					Type:    ledger.EventGateExecuted,
					Action:  a,
					Actor:   ledger.Actor{ID: "prop", Type: ledger.ActorSystem},
					Outcome: ledger.OutcomeSuccess,
					Context: map[string]any{"payload": a},
				})
				if err != nil {
					return false
				}
			}

			events, err := l.ReadRange(ctx, 1, uint64(len(actions)))
			if err != nil || len(events) != len(actions) {
				return false
			}
			prev := ""
			for i, ev := range events {
				if ev.Sequence != uint64(i+1) || ev.PreviousHash != prev {
					return false
				}
				computed, err := ev.ComputeHash()
				if err != nil || computed != ev.EventHash {
					return false
				}
				prev = ev.EventHash
			}
			return l.VerifyChain(ctx, 0, 0) == nil
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("single byte flips are detected", prop.ForAll(
		func(actions []string, victim uint8) bool {
			if len(actions) == 0 {
				return true
			}
			store := ledger.NewMemoryStore()
			l := ledger.New(store, clock.NewFake(time.Unix(1735689600, 0)))
			ctx := context.Background()

			for _, a := range actions {
				if _, err := l.Append(ctx, ledger.Draft{
					Type:    ledger.EventGateExecuted,
					Action:  a,
					Actor:   ledger.Actor{ID: "prop", Type: ledger.ActorSystem},
					Outcome: ledger.OutcomeSuccess,
					Context: map[string]any{"payload": a},
				}); err != nil {
					return false
				}
			}

			seq := uint64(victim)%uint64(len(actions)) + 1
			store.Corrupt(seq, func(ev *ledger.Event) {
				ev.Context["payload"] = ev.Context["payload"].(string) + "x"
			})

			err := l.VerifyChain(ctx, 0, 0)
			var te *ledger.TamperError
			return errors.As(err, &te) && te.Sequence == seq
		},
		gen.SliceOfN(8, gen.Identifier()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
