package storage

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/sigwatch/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSignal(instrument string, ts time.Time) *models.Signal {
	return &models.Signal{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Direction:  models.Short,
		Strength:   models.High,
		Confidence: 0.75,
		Events:     []models.EventKind{models.PriceBreakoutDown, models.RsiOverboughtCross},
		Price:      64000.5,
		Timestamp:  ts,
	}
}

func TestStorage_InstrumentRegistry(t *testing.T) {
	s := newTestStorage(t)

	added, err := s.AddInstrument("BTC/USDT")
	if err != nil || !added {
		t.Fatalf("AddInstrument: added=%v err=%v", added, err)
	}
	added, err = s.AddInstrument("BTC/USDT")
	if err != nil || added {
		t.Errorf("duplicate AddInstrument should be a no-op: added=%v err=%v", added, err)
	}

	if err := s.SeedInstruments([]string{"ETH/USDT", "BTC/USDT", "SOL/USDT"}); err != nil {
		t.Fatalf("SeedInstruments: %v", err)
	}
	list, err := s.ListInstruments()
	if err != nil {
		t.Fatalf("ListInstruments: %v", err)
	}
	if len(list) != 3 || list[0] != "BTC/USDT" {
		t.Errorf("unexpected instruments %v", list)
	}

	ok, err := s.IsMonitored("ETH/USDT")
	if err != nil || !ok {
		t.Errorf("ETH/USDT should be monitored: %v %v", ok, err)
	}

	removed, err := s.RemoveInstrument("ETH/USDT")
	if err != nil || !removed {
		t.Fatalf("RemoveInstrument: removed=%v err=%v", removed, err)
	}
	if ok, _ := s.IsMonitored("ETH/USDT"); ok {
		t.Error("ETH/USDT should no longer be monitored")
	}
	if removed, _ := s.RemoveInstrument("ETH/USDT"); removed {
		t.Error("second removal should report false")
	}
}

func TestStorage_StateRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.AddInstrument("BTC/USDT"); err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2024, 5, 1, 0, 45, 0, 0, time.UTC)
	state := models.InstrumentState{
		Instrument:  "BTC/USDT",
		LastEmitted: testSignal("BTC/USDT", ts),
		LastSnapshot: &models.IndicatorSnapshot{
			RSI:     models.Present(80.8366),
			MAShort: models.Present(118.5),
			MALong:  models.Present(109.3),
			BBUpper: models.Present(121.05),
			Close:   121.5,
			BarTime: ts,
			Bars:    45,
		},
	}
	if err := s.SaveState(state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState("BTC/USDT")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !reflect.DeepEqual(*got, state) {
		t.Errorf("state round trip mismatch:\ngot  %+v\nwant %+v", *got, state)
	}

	missing, err := s.LoadState("DOGE/USDT")
	if err != nil || missing != nil {
		t.Errorf("missing state should be nil, got %v %v", missing, err)
	}
}

func TestStorage_StateWithoutSignal(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.AddInstrument("ETH/USDT"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveState(models.InstrumentState{Instrument: "ETH/USDT"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	st, err := s.LoadState("ETH/USDT")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st == nil || st.LastEmitted != nil || st.LastSnapshot != nil {
		t.Errorf("unexpected state %+v", st)
	}

	if err := s.DeleteState("ETH/USDT"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if st, _ := s.LoadState("ETH/USDT"); st != nil {
		t.Error("state should be deleted")
	}
}

func TestStorage_RemoveInstrumentCascadesState(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.AddInstrument("BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveState(models.InstrumentState{Instrument: "BTC/USDT"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RemoveInstrument("BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.LoadState("BTC/USDT"); st != nil {
		t.Error("removing an instrument should delete its state")
	}
}

func TestStorage_SaveStateUnknownInstrument(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveState(models.InstrumentState{Instrument: "NOPE/USDT"}); err == nil {
		t.Error("expected foreign key error for unregistered instrument")
	}
}

func TestStorage_Signals(t *testing.T) {
	s := newTestStorage(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		inst := "BTC/USDT"
		if i%2 == 1 {
			inst = "ETH/USDT"
		}
		if err := s.AddSignal(testSignal(inst, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("AddSignal %d: %v", i, err)
		}
	}

	all, err := s.GetRecentSignals("", 10)
	if err != nil {
		t.Fatalf("GetRecentSignals: %v", err)
	}
	if len(all) != 5 || !all[0].Timestamp.Equal(base.Add(4*time.Minute)) {
		t.Errorf("expected 5 signals newest first, got %d", len(all))
	}
	if all[0].Strength != models.High || all[0].Direction != models.Short || len(all[0].Events) != 2 {
		t.Errorf("signal fields not preserved: %+v", all[0])
	}

	eth, err := s.GetRecentSignals("ETH/USDT", 10)
	if err != nil {
		t.Fatalf("GetRecentSignals: %v", err)
	}
	if len(eth) != 2 {
		t.Errorf("expected 2 ETH signals, got %d", len(eth))
	}

	invalid := testSignal("BTC/USDT", base)
	invalid.Strength = models.StrengthNone
	if err := s.AddSignal(invalid); err == nil {
		t.Error("expected validation error")
	}
}

func TestStorage_RotateSignals(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Now()
	for i := 0; i < 6; i++ {
		sig := testSignal(fmt.Sprintf("C%d/USDT", i), base.Add(time.Duration(i)*time.Second))
		if err := s.AddSignal(sig); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RotateSignals(); err != nil {
		t.Fatalf("RotateSignals: %v", err)
	}

	n, err := s.CountSignals()
	if err != nil || n != 3 {
		t.Fatalf("expected 3 signals after rotation, got %d (%v)", n, err)
	}
	kept, _ := s.GetRecentSignals("", 10)
	if kept[len(kept)-1].Instrument != "C3/USDT" {
		t.Errorf("oldest kept should be C3/USDT, got %s", kept[len(kept)-1].Instrument)
	}
}
