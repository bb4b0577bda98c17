package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/resolvr/internal/adapters/mq/queue"
	"github.com/okian/resolvr/internal/adapters/mq/worker"
	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/domain/dedupe"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/internal/oracle"
	"github.com/okian/resolvr/pkg/logger"
)

// flakyAttester fails with a storage error a set number of times per event
// before delegating.
type flakyAttester struct {
	next     worker.Attester
	failures int

	mu    sync.Mutex
	calls map[string]int
}

func (f *flakyAttester) Attest(ctx context.Context, id string, outcomes []string) (*dlc.Attestation, types.AttestResult, error) {
	f.mu.Lock()
	f.calls[id]++
	n := f.calls[id]
	f.mu.Unlock()
	if n <= f.failures {
		return nil, 0, fmt.Errorf("disk hiccup: %w", repository.ErrStorageUnavailable)
	}
	return f.next.Attest(ctx, id, outcomes)
}

func (f *flakyAttester) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func announce(t *testing.T, o *oracle.Oracle) string {
	ann, err := o.CreateAnnouncement(context.Background(), dlc.NewEnumDescriptor(dlc.BountyOutcomes()...), time.Now())
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	return ann.Event.EventID
}

func newOracle(t *testing.T) *oracle.Oracle {
	o, err := oracle.New(context.Background(), repository.NewMemoryEngine())
	if err != nil {
		t.Fatalf("oracle.New: %v", err)
	}
	return o
}

func TestProcess(t *testing.T) {
	Convey("Given a worker over a real oracle", t, func() {
		ctx := context.Background()
		o := newOracle(t)
		id := announce(t, o)
		d := dedupe.NewInMemoryDeduper()
		d.SeenAndRecord(ctx, id)

		Convey("When storage fails transiently", func() {
			f := &flakyAttester{next: o, failures: 2, calls: map[string]int{}}
			w := worker.NewInMemoryWorker(nil, f,
				worker.WithLogger(logger.Nop()),
				worker.WithBackoff(time.Millisecond),
				worker.WithReleaser(d),
			)
			err := w.Process(ctx, model.AttestationJob{EventID: id, Outcomes: []string{dlc.OutcomeBountyComplete}})

			Convey("Then the job is retried until it commits", func() {
				So(err, ShouldBeNil)
				So(f.callCount(id), ShouldEqual, 3)
				att, err := o.Attestation(ctx, id)
				So(err, ShouldBeNil)
				So(att.Outcomes, ShouldResemble, []string{dlc.OutcomeBountyComplete})
				So(d.SeenAndRecord(ctx, id), ShouldBeTrue)
			})
		})

		Convey("When storage keeps failing", func() {
			f := &flakyAttester{next: o, failures: 100, calls: map[string]int{}}
			var observed error
			w := worker.NewInMemoryWorker(nil, f,
				worker.WithLogger(logger.Nop()),
				worker.WithBackoff(time.Millisecond),
				worker.WithMaxRetries(3),
				worker.WithReleaser(d),
				worker.WithResultFunc(func(_ worker.Job, _ types.AttestResult, err error) { observed = err }),
			)
			err := w.Process(ctx, model.AttestationJob{EventID: id, Outcomes: []string{dlc.OutcomeBountyComplete}})

			Convey("Then it gives up and releases the dedupe slot", func() {
				So(errors.Is(err, repository.ErrStorageUnavailable), ShouldBeTrue)
				So(errors.Is(observed, repository.ErrStorageUnavailable), ShouldBeTrue)
				So(f.callCount(id), ShouldEqual, 4)
				So(d.SeenAndRecord(ctx, id), ShouldBeFalse)
			})
		})

		Convey("When the outcome is invalid", func() {
			f := &flakyAttester{next: o, calls: map[string]int{}}
			w := worker.NewInMemoryWorker(nil, f, worker.WithLogger(logger.Nop()), worker.WithReleaser(d))
			err := w.Process(ctx, model.AttestationJob{EventID: id, Outcomes: []string{"MAYBE"}})

			Convey("Then it fails without retrying", func() {
				So(errors.Is(err, oracle.ErrInvalidState), ShouldBeTrue)
				So(f.callCount(id), ShouldEqual, 1)
			})
		})
	})
}

func TestPool(t *testing.T) {
	Convey("Given a pool draining a queue of jobs", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		o := newOracle(t)
		q := queue.NewInMemoryQueue(queue.WithCapacity(64))

		var finished atomic.Int64
		p := worker.NewPool(4, q, o,
			worker.WithLogger(logger.Nop()),
			worker.WithResultFunc(func(worker.Job, types.AttestResult, error) { finished.Add(1) }),
		)
		So(p.Size(), ShouldEqual, 4)
		p.Start(ctx)

		ids := make([]string, 10)
		for i := range ids {
			ids[i] = announce(t, o)
			job := model.AttestationJob{EventID: ids[i], Outcomes: []string{dlc.OutcomeBountyComplete}}
			So(q.Enqueue(ctx, job), ShouldBeNil)
			So(q.Enqueue(ctx, job), ShouldBeNil)
		}
		So(q.Enqueue(ctx, model.AttestationJob{EventID: "unknown", Outcomes: []string{"x"}}), ShouldBeNil)

		So(p.Shutdown(ctx), ShouldBeNil)

		Convey("Then every job ran and each event was signed once", func() {
			So(finished.Load(), ShouldEqual, int64(21))
			st := p.Stats()
			So(st.Committed, ShouldEqual, int64(10))
			So(st.AlreadyAttested, ShouldEqual, int64(10))
			So(st.Failed, ShouldEqual, int64(1))
			for _, id := range ids {
				_, err := o.Attestation(ctx, id)
				So(err, ShouldBeNil)
			}
		})
	})
}

func TestPoolNeverStarted(t *testing.T) {
	Convey("Given a pool that was never started", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(4))
		p := worker.NewPool(2, q, newOracle(t), worker.WithLogger(logger.Nop()))

		Convey("Shutdown returns at once and closes the queue", func() {
			begin := time.Now()
			So(p.Shutdown(context.Background()), ShouldBeNil)
			So(time.Since(begin), ShouldBeLessThan, time.Second)
			So(q.Enqueue(context.Background(), model.AttestationJob{EventID: "e"}), ShouldNotBeNil)
		})
	})
}
