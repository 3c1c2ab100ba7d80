package deadline

import (
	"context"
	"testing"
	"time"
)

func testUnit(sections map[Class]time.Duration) (*Unit, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u := New(sections)
	u.SetNow(func() time.Time { return now })
	return u, &now
}

func TestRemainingUnarmed(t *testing.T) {
	u, _ := testUnit(nil)
	if _, ok := u.Remaining(); ok {
		t.Fatal("expected no deadline when nothing armed")
	}
	if err := u.Check("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestZeroSectionMeansUnlimited(t *testing.T) {
	u, _ := testUnit(map[Class]time.Duration{ClassConnect: 0})
	u.ArmSection(ClassConnect)
	if _, ok := u.Remaining(); ok {
		t.Fatal("zero budget must leave the section disarmed")
	}
}

func TestSectionExpiry(t *testing.T) {
	u, now := testUnit(map[Class]time.Duration{ClassCommand: 2 * time.Second})
	u.ArmSection(ClassCommand)

	if err := u.Check("cmd"); err != nil {
		t.Fatalf("unexpected early timeout: %v", err)
	}

	*now = now.Add(3 * time.Second)
	err := u.Check("cmd")
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected tagged timeout, got %v", err)
	}

	u.DisarmSection()
	if err := u.Check("cmd"); err != nil {
		t.Fatalf("disarmed section still times out: %v", err)
	}
}

func TestArmHandlerClampsToRemaining(t *testing.T) {
	u, now := testUnit(map[Class]time.Duration{ClassContent: 2 * time.Second})
	u.ArmSection(ClassContent)

	// handler wants 10s but only 2s remain
	u.ArmHandler(10 * time.Second)
	rem, ok := u.Remaining()
	if !ok {
		t.Fatal("expected armed deadline")
	}
	if rem > 2*time.Second {
		t.Fatalf("handler deadline not clamped: %v", rem)
	}

	*now = now.Add(time.Second)
	if err := u.ResetToOuter("dns"); err != nil {
		t.Fatalf("outer budget still has time: %v", err)
	}

	*now = now.Add(2 * time.Second)
	u.ArmHandler(10 * time.Second)
	if err := u.ResetToOuter("dns"); err == nil {
		t.Fatal("expected timeout when outer budget spent")
	} else if !IsTimeout(err) {
		t.Fatalf("expected tagged timeout, got %v", err)
	}
}

func TestOverallWinsWhenEarlier(t *testing.T) {
	u, _ := testUnit(map[Class]time.Duration{ClassCommand: 30 * time.Second})
	u.SetOverall(5 * time.Second)
	u.ArmSection(ClassCommand)

	rem, ok := u.Remaining()
	if !ok || rem != 5*time.Second {
		t.Fatalf("expected the overall budget to govern, got %v %v", rem, ok)
	}

	u.ClearOverall()
	rem, _ = u.Remaining()
	if rem != 30*time.Second {
		t.Fatalf("expected the section budget after clearing overall, got %v", rem)
	}
}

func TestContextCarriesDeadline(t *testing.T) {
	u, now := testUnit(map[Class]time.Duration{ClassConnect: time.Second})
	u.ArmSection(ClassConnect)

	ctx, cancel := u.Context(context.Background())
	defer cancel()

	dl, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected a context deadline")
	}
	if want := now.Add(time.Second); !dl.Equal(want) {
		t.Fatalf("deadline %v, want %v", dl, want)
	}
}
