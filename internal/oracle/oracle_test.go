package oracle_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/internal/oracle"
)

func newOracle(t testing.TB, store repository.Engine, opts ...oracle.Option) *oracle.Oracle {
	o, err := oracle.New(context.Background(), store, opts...)
	if err != nil {
		t.Fatalf("oracle.New: %v", err)
	}
	return o
}

func bountyDescriptor() dlc.EventDescriptor {
	return dlc.NewEnumDescriptor(dlc.BountyOutcomes()...)
}

func TestAnnouncement(t *testing.T) {
	Convey("Given an oracle on a fresh store", t, func() {
		ctx := context.Background()
		o := newOracle(t, repository.NewMemoryEngine())
		pub, err := o.PublicKey(ctx)
		So(err, ShouldBeNil)
		So(pub, ShouldHaveLength, 32)

		Convey("When announcing an enum event", func() {
			maturity := time.Unix(1700000000, 0)
			ann, err := o.CreateAnnouncement(ctx, bountyDescriptor(), maturity)
			So(err, ShouldBeNil)

			Convey("Then the announcement is signed by the oracle key and commits to one nonce", func() {
				So(ann.Verify(), ShouldBeNil)
				So([]byte(ann.OraclePublicKey), ShouldResemble, pub)
				So(ann.Event.Nonces, ShouldHaveLength, 1)
				So(ann.Event.Maturity, ShouldEqual, uint32(1700000000))
				So(ann.Event.EventID, ShouldHaveLength, 64)
			})

			Convey("Then it can be fetched by id", func() {
				got, err := o.Announcement(ctx, ann.Event.EventID)
				So(err, ShouldBeNil)
				So(got.Signature, ShouldResemble, ann.Signature)
			})

			Convey("Then its attestation is not yet available", func() {
				_, err := o.Attestation(ctx, ann.Event.EventID)
				So(errors.Is(err, oracle.ErrNotYetAttested), ShouldBeTrue)
				So(errors.Is(err, oracle.ErrNotFound), ShouldBeFalse)
			})
		})

		Convey("When announcing a digit decomposition event", func() {
			ann, err := o.CreateAnnouncement(ctx, dlc.NewDigitDescriptor(2, 20, "sats", 0), time.Now())
			So(err, ShouldBeNil)

			Convey("Then it commits to one nonce per digit, all distinct", func() {
				So(ann.Event.Nonces, ShouldHaveLength, 20)
				seen := map[string]bool{}
				for _, n := range ann.Event.Nonces {
					seen[n.String()] = true
				}
				So(seen, ShouldHaveLength, 20)
			})
		})

		Convey("Two announcements never share an id or a nonce", func() {
			a, err := o.CreateAnnouncement(ctx, bountyDescriptor(), time.Now())
			So(err, ShouldBeNil)
			b, err := o.CreateAnnouncement(ctx, bountyDescriptor(), time.Now())
			So(err, ShouldBeNil)
			So(a.Event.EventID, ShouldNotEqual, b.Event.EventID)
			So(bytes.Equal(a.Event.Nonces[0], b.Event.Nonces[0]), ShouldBeFalse)
		})

		Convey("Invalid requests are rejected", func() {
			_, err := o.CreateAnnouncement(ctx, dlc.NewEnumDescriptor(), time.Now())
			So(errors.Is(err, oracle.ErrInvalidDescriptor), ShouldBeTrue)
			_, err = o.CreateAnnouncement(ctx, bountyDescriptor(), time.Unix(-1, 0))
			So(errors.Is(err, oracle.ErrInvalidDescriptor), ShouldBeTrue)
		})

		Convey("Unknown ids are not found", func() {
			_, err := o.Announcement(ctx, "missing")
			So(errors.Is(err, oracle.ErrNotFound), ShouldBeTrue)
			_, err = o.Attestation(ctx, "missing")
			So(errors.Is(err, oracle.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestAttest(t *testing.T) {
	Convey("Given an announced bounty event", t, func() {
		ctx := context.Background()
		o := newOracle(t, repository.NewMemoryEngine())
		ann, err := o.CreateAnnouncement(ctx, bountyDescriptor(), time.Now())
		So(err, ShouldBeNil)
		id := ann.Event.EventID

		Convey("When attesting BOUNTY_COMPLETE", func() {
			att, res, err := o.Attest(ctx, id, []string{dlc.OutcomeBountyComplete})
			So(err, ShouldBeNil)
			So(res, ShouldEqual, types.AttestCommitted)

			Convey("Then the attestation verifies against the announcement", func() {
				So(ann.VerifyAttestation(att), ShouldBeNil)
				got, err := o.Attestation(ctx, id)
				So(err, ShouldBeNil)
				So(ann.VerifyAttestation(got), ShouldBeNil)
			})

			Convey("Then a retry with the same outcome returns the identical attestation", func() {
				again, res, err := o.Attest(ctx, id, []string{dlc.OutcomeBountyComplete})
				So(err, ShouldBeNil)
				So(res, ShouldEqual, types.AttestAlreadyAttested)
				So(again.Signatures, ShouldResemble, att.Signatures)
			})

			Convey("Then a different outcome cannot replace it", func() {
				other, res, err := o.Attest(ctx, id, []string{dlc.OutcomeBountyInsufficient})
				So(err, ShouldBeNil)
				So(res, ShouldEqual, types.AttestAlreadyAttested)
				So(other.Outcomes, ShouldResemble, []string{dlc.OutcomeBountyComplete})

				stored, err := o.Attestation(ctx, id)
				So(err, ShouldBeNil)
				So(stored.Outcomes, ShouldResemble, []string{dlc.OutcomeBountyComplete})
			})
		})

		Convey("When the outcome count does not match the nonce count", func() {
			_, _, err := o.Attest(ctx, id, []string{dlc.OutcomeBountyComplete, dlc.OutcomeBountyInsufficient})
			So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)

			Convey("Then nothing is committed", func() {
				_, err := o.Attestation(ctx, id)
				So(errors.Is(err, oracle.ErrNotYetAttested), ShouldBeTrue)
			})
		})

		Convey("When the outcome is not part of the enum", func() {
			_, _, err := o.Attest(ctx, id, []string{"MAYBE"})
			So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)
		})

		Convey("When the event does not exist", func() {
			_, _, err := o.Attest(ctx, "nope", []string{dlc.OutcomeBountyComplete})
			So(errors.Is(err, oracle.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Given a three digit base-10 event", t, func() {
		ctx := context.Background()
		o := newOracle(t, repository.NewMemoryEngine())
		d := dlc.NewDigitDescriptor(10, 3, "usd", 0)
		ann, err := o.CreateAnnouncement(ctx, d, time.Now())
		So(err, ShouldBeNil)

		Convey("Two digits are rejected before signing", func() {
			_, _, err := o.Attest(ctx, ann.Event.EventID, []string{"4", "2"})
			So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)
		})

		Convey("Zero-padded digits are rejected and leave the event open", func() {
			for _, outcomes := range [][]string{{"00", "04", "02"}, {"0", "4", "+2"}, {"0", "4", " 2"}} {
				_, _, err := o.Attest(ctx, ann.Event.EventID, outcomes)
				So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)
			}
			_, err := o.Attestation(ctx, ann.Event.EventID)
			So(errors.Is(err, oracle.ErrNotYetAttested), ShouldBeTrue)

			att, res, err := o.Attest(ctx, ann.Event.EventID, []string{"0", "4", "2"})
			So(err, ShouldBeNil)
			So(res, ShouldEqual, types.AttestCommitted)
			So(att.Outcomes, ShouldResemble, []string{"0", "4", "2"})
		})

		Convey("Three digits are signed each with its own nonce", func() {
			digits, err := d.DecomposeValue(42)
			So(err, ShouldBeNil)
			att, _, err := o.Attest(ctx, ann.Event.EventID, digits)
			So(err, ShouldBeNil)
			So(att.Signatures, ShouldHaveLength, 3)
			So(ann.VerifyAttestation(att), ShouldBeNil)
		})
	})
}

func TestAttestExactlyOnceUnderConcurrency(t *testing.T) {
	for _, kind := range []string{repository.EngineMemory, repository.EngineBadger, repository.EnginePebble} {
		kind := kind
		Convey("Given many concurrent attest calls on a "+kind+" store", t, func() {
			ctx := context.Background()
			store, err := repository.Open(ctx, kind, "", repository.WithConflictRetries(128))
			So(err, ShouldBeNil)
			Reset(func() { _ = store.Close() })
			o := newOracle(t, store, oracle.WithCacheSize(0))
			ann, err := o.CreateAnnouncement(ctx, bountyDescriptor(), time.Now())
			So(err, ShouldBeNil)

			const callers = 24
			var committed atomic.Int32
			results := make([]string, callers)
			var g errgroup.Group
			for i := 0; i < callers; i++ {
				i := i
				outcome := dlc.OutcomeBountyComplete
				if i%2 == 1 {
					outcome = dlc.OutcomeBountyInsufficient
				}
				g.Go(func() error {
					att, res, err := o.Attest(ctx, ann.Event.EventID, []string{outcome})
					if err != nil {
						return err
					}
					if res == types.AttestCommitted {
						committed.Add(1)
					}
					results[i] = att.Outcomes[0]
					return nil
				})
			}
			So(g.Wait(), ShouldBeNil)

			Convey("Then exactly one call signs and every caller sees its outcome", func() {
				So(committed.Load(), ShouldEqual, int32(1))
				for _, r := range results {
					So(r, ShouldEqual, results[0])
				}
				stored, err := o.Attestation(ctx, ann.Event.EventID)
				So(err, ShouldBeNil)
				So(stored.Outcomes[0], ShouldEqual, results[0])
				So(ann.VerifyAttestation(stored), ShouldBeNil)
			})
		})
	}
}

func TestMaturityEnforcement(t *testing.T) {
	Convey("Given an oracle that enforces maturity", t, func() {
		ctx := context.Background()
		now := time.Unix(1700000000, 0)
		clock := func() time.Time { return now }
		o := newOracle(t, repository.NewMemoryEngine(), oracle.WithMaturityEnforcement(true), oracle.WithClock(clock))
		ann, err := o.CreateAnnouncement(ctx, bountyDescriptor(), now.Add(time.Hour))
		So(err, ShouldBeNil)

		Convey("Attesting early fails as an invalid state", func() {
			_, _, err := o.Attest(ctx, ann.Event.EventID, []string{dlc.OutcomeBountyComplete})
			So(errors.Is(err, oracle.ErrNotMature), ShouldBeTrue)
			So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)
		})

		Convey("Attesting after maturity succeeds", func() {
			now = now.Add(2 * time.Hour)
			_, res, err := o.Attest(ctx, ann.Event.EventID, []string{dlc.OutcomeBountyComplete})
			So(err, ShouldBeNil)
			So(res, ShouldEqual, types.AttestCommitted)
		})
	})
}

func TestKeypairLifecycle(t *testing.T) {
	Convey("Given one store shared by many oracle instances", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryEngine()

		Convey("Concurrent initialization converges on a single key", func() {
			const n = 16
			keys := make([][]byte, n)
			var g errgroup.Group
			for i := 0; i < n; i++ {
				i := i
				g.Go(func() error {
					km := oracle.NewKeyManager(store, nil, nil)
					k, err := km.EnsureKeypair(ctx)
					if err != nil {
						return err
					}
					keys[i] = k.XOnly()
					return nil
				})
			}
			So(g.Wait(), ShouldBeNil)
			for _, k := range keys {
				So(k, ShouldResemble, keys[0])
			}

			Convey("And a later oracle reuses it", func() {
				o := newOracle(t, store)
				pub, err := o.PublicKey(ctx)
				So(err, ShouldBeNil)
				So(pub, ShouldResemble, keys[0])
			})
		})

		Convey("A corrupt persisted key is fatal", func() {
			_, _, err := store.InsertIfAbsent(ctx, repository.NamespaceKeys, "oracle", []byte("garbage"))
			So(err, ShouldBeNil)
			_, err = oracle.New(ctx, store)
			So(errors.Is(err, oracle.ErrCorruptKeypair), ShouldBeTrue)
		})

		Convey("A key manager reports no public key before loading", func() {
			_, err := oracle.NewKeyManager(store, nil, nil).PublicKey()
			So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)
		})
	})
}

func TestSchemaVersion(t *testing.T) {
	Convey("Given stores stamped with various versions", t, func() {
		ctx := context.Background()

		Convey("A fresh store is stamped with the current version", func() {
			store := repository.NewMemoryEngine()
			So(oracle.EnsureSchema(ctx, store, oracle.SchemaVersion, nil), ShouldBeNil)
			v, err := store.Get(ctx, repository.NamespaceMeta, "version")
			So(err, ShouldBeNil)
			So(v, ShouldResemble, []byte{oracle.SchemaVersion})
		})

		Convey("A newer store fails fast", func() {
			store := repository.NewMemoryEngine()
			_, _, _ = store.InsertIfAbsent(ctx, repository.NamespaceMeta, "version", []byte{oracle.SchemaVersion + 1})
			_, err := oracle.New(ctx, store)
			So(errors.Is(err, oracle.ErrSchemaVersionMismatch), ShouldBeTrue)
		})

		Convey("An older store without a migration fails fast", func() {
			store := repository.NewMemoryEngine()
			_, _, _ = store.InsertIfAbsent(ctx, repository.NamespaceMeta, "version", []byte{0})
			err := oracle.EnsureSchema(ctx, store, 1, nil)
			So(errors.Is(err, oracle.ErrSchemaVersionMismatch), ShouldBeTrue)
		})

		Convey("An older store is migrated when a step is registered", func() {
			store := repository.NewMemoryEngine()
			_, _, _ = store.InsertIfAbsent(ctx, repository.NamespaceMeta, "version", []byte{0})
			ran := false
			err := oracle.EnsureSchema(ctx, store, 1, oracle.Migrations{0: func(context.Context, repository.Engine) error {
				ran = true
				return nil
			}})
			So(err, ShouldBeNil)
			So(ran, ShouldBeTrue)
			v, _ := store.Get(ctx, repository.NamespaceMeta, "version")
			So(v, ShouldResemble, []byte{1})
		})
	})
}

// Whatever sequence of attest calls is made, the stored attestation is the
// one from the first valid call and never changes afterwards.
func TestAttestFirstWriterWinsProperty(t *testing.T) {
	ctx := context.Background()
	o := newOracle(t, repository.NewMemoryEngine())
	outcomes := []string{"A", "B", "C"}

	rapid.Check(t, func(t *rapid.T) {
		ann, err := o.CreateAnnouncement(ctx, dlc.NewEnumDescriptor(outcomes...), time.Now())
		if err != nil {
			t.Fatalf("announce: %v", err)
		}
		calls := rapid.SliceOfN(rapid.SliceOfN(rapid.SampledFrom(append(outcomes, "Z")), 0, 2), 1, 10).Draw(t, "calls")

		var first []string
		for _, call := range calls {
			att, res, err := o.Attest(ctx, ann.Event.EventID, call)
			valid := len(call) == 1 && call[0] != "Z"
			switch {
			case !valid:
				if !errors.Is(err, oracle.ErrInvalidState) {
					t.Fatalf("invalid call %v: got %v", call, err)
				}
			case first == nil:
				if err != nil || res != types.AttestCommitted {
					t.Fatalf("first valid call %v: res=%v err=%v", call, res, err)
				}
				first = call
			default:
				if err != nil || res != types.AttestAlreadyAttested {
					t.Fatalf("repeat call %v: res=%v err=%v", call, res, err)
				}
				if att.Outcomes[0] != first[0] {
					t.Fatalf("attestation changed from %v to %v", first, att.Outcomes)
				}
			}
		}
		if first != nil {
			stored, err := o.Attestation(ctx, ann.Event.EventID)
			if err != nil {
				t.Fatalf("attestation: %v", err)
			}
			if err := ann.VerifyAttestation(stored); err != nil {
				t.Fatalf("verify: %v", err)
			}
		}
	})
}
