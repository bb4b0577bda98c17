package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type sample struct {
	Name    string    `msgpack:"name"`
	Secrets [][]byte  `msgpack:"secrets"`
	At      time.Time `msgpack:"at"`
	Next    *sample   `msgpack:"next,omitempty"`
}

func TestRecordCodec(t *testing.T) {
	Convey("Given a record with nested data", t, func() {
		at := time.Unix(1700000000, 0).UTC()
		rec := &sample{Name: "e1", Secrets: [][]byte{{1, 2}, {3}}, At: at, Next: &sample{Name: "inner"}}

		Convey("Encode then Decode returns the same record", func() {
			raw, err := Encode(rec)
			So(err, ShouldBeNil)
			var back sample
			So(Decode(raw, &back), ShouldBeNil)
			So(back.Name, ShouldEqual, "e1")
			So(back.Secrets, ShouldResemble, rec.Secrets)
			So(back.At.Equal(at), ShouldBeTrue)
			So(back.Next.Name, ShouldEqual, "inner")
		})

		Convey("Garbage is reported as a corrupt record", func() {
			var back sample
			So(errors.Is(Decode([]byte{0xff, 0x00, 0x13}, &back), ErrCorruptRecord), ShouldBeTrue)
		})
	})
}

func TestTypedRecordHelpers(t *testing.T) {
	Convey("Given a memory engine", t, func() {
		ctx := context.Background()
		e := NewMemoryEngine()

		Convey("InsertRecord returns the existing record to a losing caller", func() {
			first, inserted, err := InsertRecord(ctx, e, NamespaceEvents, "e1", &sample{Name: "first"})
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)
			So(first.Name, ShouldEqual, "first")

			cur, inserted, err := InsertRecord(ctx, e, NamespaceEvents, "e1", &sample{Name: "second"})
			So(err, ShouldBeNil)
			So(inserted, ShouldBeFalse)
			So(cur.Name, ShouldEqual, "first")
		})

		Convey("UpdateRecord mutates in place and aborts on error", func() {
			_, _, err := InsertRecord(ctx, e, NamespaceEvents, "e1", &sample{Name: "a"})
			So(err, ShouldBeNil)

			out, err := UpdateRecord(ctx, e, NamespaceEvents, "e1", func(s *sample) error {
				s.Name += "b"
				return nil
			})
			So(err, ShouldBeNil)
			So(out.Name, ShouldEqual, "ab")

			stop := errors.New("stop")
			_, err = UpdateRecord(ctx, e, NamespaceEvents, "e1", func(s *sample) error {
				s.Name = "lost"
				return stop
			})
			So(errors.Is(err, stop), ShouldBeTrue)

			got, err := GetRecord[sample](ctx, e, NamespaceEvents, "e1")
			So(err, ShouldBeNil)
			So(got.Name, ShouldEqual, "ab")
		})

		Convey("IterateRecords decodes every record in order", func() {
			for _, k := range []string{"b", "a"} {
				_, _, err := InsertRecord(ctx, e, NamespaceAdjudications, k, &sample{Name: k})
				So(err, ShouldBeNil)
			}
			var names []string
			err := IterateRecords(ctx, e, NamespaceAdjudications, func(key string, s *sample) error {
				names = append(names, s.Name)
				return nil
			})
			So(err, ShouldBeNil)
			So(names, ShouldResemble, []string{"a", "b"})
		})
	})
}
