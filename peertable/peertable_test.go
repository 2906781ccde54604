package peertable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/wylited/lsendd/model"
)

func TestSelfFingerprintNeverInserted(t *testing.T) {
	tbl := New("self")
	ok := tbl.Upsert(model.DeviceRecord{Fingerprint: "self", Alias: "me"}, "10.0.0.1:1")
	if ok {
		t.Fatal("Upsert of self fingerprint reported success")
	}
	if len(tbl.Snapshot()) != 0 {
		t.Fatal("self fingerprint was inserted into the table")
	}
}

func TestUpsertReplacesAllFields(t *testing.T) {
	tbl := New("self")
	tbl.Upsert(model.DeviceRecord{Fingerprint: "fp", Alias: "a"}, "10.0.0.2:1")
	tbl.Upsert(model.DeviceRecord{Fingerprint: "fp", Alias: "b"}, "10.0.0.3:1")

	e, ok := tbl.Lookup("fp")
	if !ok {
		t.Fatal("expected entry present")
	}
	if e.Record.Alias != "b" || e.Address != "10.0.0.3:1" {
		t.Fatalf("stale fields after upsert: %+v", e)
	}
}

func TestRemoveAndClear(t *testing.T) {
	tbl := New("self")
	tbl.Upsert(model.DeviceRecord{Fingerprint: "a"}, "x")
	tbl.Upsert(model.DeviceRecord{Fingerprint: "b"}, "y")

	tbl.Remove("a")
	if _, ok := tbl.Lookup("a"); ok {
		t.Fatal("entry survived Remove")
	}
	if len(tbl.Snapshot()) != 1 {
		t.Fatal("expected one remaining entry")
	}

	tbl.Clear()
	if len(tbl.Snapshot()) != 0 {
		t.Fatal("entries survived Clear")
	}
}

func TestConcurrentUpsertIsSafe(t *testing.T) {
	tbl := New("self")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := fmt.Sprintf("fp-%d", i%10)
			tbl.Upsert(model.DeviceRecord{Fingerprint: fp}, "addr")
		}(i)
	}
	wg.Wait()
	if len(tbl.Snapshot()) != 10 {
		t.Fatalf("expected 10 distinct peers, got %d", len(tbl.Snapshot()))
	}
}
