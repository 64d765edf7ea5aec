package transactionlock

import (
	"testing"
	"time"
)

func TestTryLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	b := New(dir)

	locked, err := a.TryLock()
	if err != nil || !locked {
		t.Fatalf("locked=%v err=%v", locked, err)
	}

	locked, err = b.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("expected second lock attempt to fail while first is held")
	}

	if err := a.Unlock(); err != nil {
		t.Fatal(err)
	}

	locked, err = b.TryLock()
	if err != nil || !locked {
		t.Fatalf("expected second lock to succeed after first unlocked, locked=%v err=%v", locked, err)
	}
}

func TestWaitLockTimesOut(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	b := New(dir)

	if locked, err := a.TryLock(); err != nil || !locked {
		t.Fatalf("locked=%v err=%v", locked, err)
	}
	defer a.Unlock()

	err := b.WaitLock(50*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error while lock still held")
	}
}
