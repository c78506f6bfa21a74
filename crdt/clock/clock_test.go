package clock_test

import (
	"testing"

	"github.com/fogfish/it/v2"
	"github.com/ilnaes/jsonpad/crdt/clock"
)

func TestCompare(t *testing.T) {
	a := clock.Timestamp{Sid: 5, Time: 10}
	b := clock.Timestamp{Sid: 7, Time: 10}
	c := clock.Timestamp{Sid: 5, Time: 11}

	it.Then(t).Should(
		it.Equal(a.Compare(a), 0),
		it.Equal(a.Compare(b), -1),
		it.Equal(b.Compare(a), 1),
		it.Equal(a.Compare(c), -1),
		it.Equal(c.Compare(b), 1),
	)
}

func TestTickMonotonic(t *testing.T) {
	c := clock.New(42)

	a := c.Tick(1)
	b := c.Tick(3)
	d := c.Tick(1)

	it.Then(t).Should(
		it.Equal(a.Time, 1),
		it.Equal(b.Time, 2),
		it.Equal(d.Time, 5),
		it.Equal(c.Time(), 6),
	)
}

func TestTickZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero span")
		}
	}()
	clock.New(42).Tick(0)
}

func TestObserveRaisesLocal(t *testing.T) {
	c := clock.New(42)
	c.Tick(1)

	c.Observe(clock.Timestamp{Sid: 99, Time: 10}, 5)

	it.Then(t).Should(
		it.Equal(c.Latest(99), 14),
		// local session fast-forwards past observed history
		it.Equal(c.Tick(1).Time, 15),
	)
}

func TestIsNew(t *testing.T) {
	c := clock.New(42)
	c.Observe(clock.Timestamp{Sid: 9, Time: 1}, 10)

	it.Then(t).Should(
		it.True(c.IsNew(clock.Timestamp{Sid: 9, Time: 10}, 2)),
		it.True(c.IsNew(clock.Timestamp{Sid: 8, Time: 1}, 1)),
	).ShouldNot(
		it.True(c.IsNew(clock.Timestamp{Sid: 9, Time: 5}, 3)),
		it.True(c.IsNew(clock.Timestamp{Sid: 9, Time: 10}, 1)),
	)
}

func TestFork(t *testing.T) {
	c := clock.New(42)
	c.Tick(7)

	f := c.Fork(43)

	it.Then(t).Should(
		it.Equal(f.SID(), 43),
		it.Equal(f.Latest(43), 7),
		it.Equal(f.Latest(42), 7),
		// original is untouched
		it.Equal(c.SID(), 42),
		it.Equal(c.Latest(42), 7),
	)
}

func TestNewSessionID(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		sid := clock.NewSessionID()
		it.Then(t).Should(
			it.True(sid >= 2),
			it.True(sid < 1<<53),
		).ShouldNot(
			it.True(seen[sid]),
		)
		seen[sid] = true
	}
}
