package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/fleetlink/gt06d/internal/registry"
)

const testIMEI = "868022038531725"

func TestGetOrCreateIdempotent(t *testing.T) {
	t.Parallel()

	r := registry.New()

	first := r.GetOrCreate(testIMEI)
	if first.IMEI != testIMEI {
		t.Errorf("IMEI = %q, want %q", first.IMEI, testIMEI)
	}

	if first.Status != registry.StatusActive {
		t.Errorf("Status = %q, want %q", first.Status, registry.StatusActive)
	}

	if first.HasFix {
		t.Error("HasFix = true for a fresh entry")
	}

	// Replaying the login must not reset existing state.
	r.Apply(testIMEI, func(st *registry.DeviceState) {
		st.Lat, st.Lon, st.HasFix = 23.0, 113.0, true
	})

	again := r.GetOrCreate(testIMEI)
	if !again.HasFix || again.Lat != 23.0 || again.Lon != 113.0 {
		t.Errorf("GetOrCreate after update = %+v, want existing fix preserved", again)
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	r := registry.New()

	if _, ok := r.Get("000000000000000"); ok {
		t.Error("Get returned ok for an unknown IMEI")
	}
}

func TestApplyPinsIMEIAndStampsLastUpdate(t *testing.T) {
	t.Parallel()

	r := registry.New()

	before := time.Now().UTC()

	st := r.Apply(testIMEI, func(st *registry.DeviceState) {
		st.IMEI = "mangled" // must not survive
		st.Speed = 42
	})

	if st.IMEI != testIMEI {
		t.Errorf("IMEI = %q, want %q", st.IMEI, testIMEI)
	}

	if st.Speed != 42 {
		t.Errorf("Speed = %d, want 42", st.Speed)
	}

	if st.LastUpdate.Before(before) {
		t.Errorf("LastUpdate = %v, want >= %v", st.LastUpdate, before)
	}

	stored, ok := r.Get(testIMEI)
	if !ok {
		t.Fatal("Apply did not publish the entry")
	}

	if stored != st {
		t.Errorf("stored state %+v differs from returned state %+v", stored, st)
	}
}

func TestPutReplacesWhole(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.Apply(testIMEI, func(st *registry.DeviceState) {
		st.Lat, st.Lon, st.HasFix = 1.0, 2.0, true
		st.Speed = 9
	})

	r.Put(registry.DeviceState{IMEI: testIMEI, Status: registry.StatusOffline})

	st, ok := r.Get(testIMEI)
	if !ok {
		t.Fatal("entry missing after Put")
	}

	if st.HasFix || st.Speed != 0 {
		t.Errorf("Put did not replace the whole state: %+v", st)
	}

	if st.Status != registry.StatusOffline {
		t.Errorf("Status = %q, want %q", st.Status, registry.StatusOffline)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.GetOrCreate(testIMEI)
	r.GetOrCreate("123456789012345")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}

	// Mutating the snapshot must not touch the registry.
	snap[0].Status = registry.StatusOffline

	for _, imei := range []string{testIMEI, "123456789012345"} {
		st, _ := r.Get(imei)
		if st.Status != registry.StatusActive {
			t.Errorf("registry state for %s mutated via snapshot", imei)
		}
	}
}

// TestConcurrentApply hammers a single key from many goroutines; every
// write must be atomic at DeviceState granularity.
func TestConcurrentApply(t *testing.T) {
	t.Parallel()

	r := registry.New()

	const writers = 16

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				v := uint8(i)
				r.Apply(testIMEI, func(st *registry.DeviceState) {
					// Lat and Speed are written together; a torn state
					// would show one without the other.
					st.Lat = float64(v)
					st.Speed = v
					st.HasFix = true
				})
			}
		}()
	}
	wg.Wait()

	st, ok := r.Get(testIMEI)
	if !ok {
		t.Fatal("entry missing after concurrent writes")
	}

	if st.Lat != float64(st.Speed) {
		t.Errorf("torn write observed: Lat = %v, Speed = %d", st.Lat, st.Speed)
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.GetOrCreate(testIMEI)
	r.Reset()

	if r.Len() != 0 {
		t.Errorf("Len() = %d after Reset, want 0", r.Len())
	}
}
