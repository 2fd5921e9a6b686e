package fieldstore

import (
	"errors"
	"path/filepath"
	"testing"

	"tgfsim/geodesy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fieldstore"), Options{CacheSizeBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type countingField struct {
	calls int
}

func (f *countingField) Evaluate(p geodesy.Vec3) geodesy.Vec3 {
	f.calls++
	return p.Mul(1e-12)
}

func TestGetMissThenHit(t *testing.T) {
	s := openTestStore(t)
	p := geodesy.Vec3{X: 6421000, Y: 1000, Z: 2000}
	if _, ok, err := s.Get("IGRF", 2015.5, p); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	want := geodesy.Vec3{X: 1e-5, Y: -2e-5, Z: 3e-5}
	if err := s.PutBatch([]Entry{{Model: "IGRF", DecYear: 2015.5, Position: p, Field: want}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get("igrf", 2015.5, p.Add(geodesy.Vec3{X: 0.2}))
	if err != nil || !ok {
		t.Fatalf("expected hit within quantum, got ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if _, ok, _ := s.Get("IGRF", 2016.5, p); ok {
		t.Fatalf("different decimal year must miss")
	}
	if _, ok, _ := s.Get("WMM", 2015.5, p); ok {
		t.Fatalf("different model must miss")
	}
	hits, misses := s.Stats()
	if hits != 1 || misses != 3 {
		t.Fatalf("expected 1 hit/3 misses, got %d/%d", hits, misses)
	}
}

func TestTabulateReusesStoredSamples(t *testing.T) {
	s := openTestStore(t)
	spec := GridSpec{AltM: 100000, StepDeg: 30, MinLat: -60, MaxLat: 60, MinLon: -180, MaxLon: 150}
	nLat, nLon := spec.Points()
	if nLat != 5 || nLon != 12 {
		t.Fatalf("expected 5x12 grid, got %dx%d", nLat, nLon)
	}
	field := &countingField{}
	first, err := Tabulate(s, "IGRF", 2015.5, field, spec)
	if err != nil {
		t.Fatalf("tabulate: %v", err)
	}
	if len(first) != 60 || field.calls != 60 {
		t.Fatalf("expected 60 evaluations, got %d points/%d calls", len(first), field.calls)
	}
	second, err := Tabulate(s, "IGRF", 2015.5, field, spec)
	if err != nil {
		t.Fatalf("tabulate again: %v", err)
	}
	if field.calls != 60 {
		t.Fatalf("expected second pass served from store, got %d calls", field.calls)
	}
	for i := range second {
		if !second[i].Stored || second[i].Field != first[i].Field {
			t.Fatalf("point %d mismatch: %+v vs %+v", i, second[i], first[i])
		}
	}
	if n, err := s.Count("IGRF"); err != nil || n != 60 {
		t.Fatalf("expected 60 stored, got %d (%v)", n, err)
	}
	if n, err := s.Count("WMM"); err != nil || n != 0 {
		t.Fatalf("expected 0 WMM samples, got %d (%v)", n, err)
	}
}

func TestTabulateWithoutStore(t *testing.T) {
	field := &countingField{}
	pts, err := Tabulate(nil, "IGRF", 2015.5, field, GridSpec{AltM: 50000, StepDeg: 10, MaxLat: 10, MaxLon: 10})
	if err != nil {
		t.Fatalf("tabulate: %v", err)
	}
	if len(pts) != 4 || field.calls != 4 {
		t.Fatalf("expected 4 points, got %d/%d", len(pts), field.calls)
	}
	if _, err := Tabulate(nil, "IGRF", 2015.5, field, GridSpec{StepDeg: 0}); err == nil {
		t.Fatalf("expected empty grid error")
	}
}

func TestTabulateRejectsOversizedGrid(t *testing.T) {
	field := &countingField{}
	for _, step := range []float64{1e-6, 1e-300} {
		_, err := Tabulate(nil, "IGRF", 2015.5, field, GridSpec{AltM: 50000, StepDeg: step, MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180})
		if !errors.Is(err, ErrGridTooLarge) {
			t.Fatalf("step %g: expected ErrGridTooLarge, got %v", step, err)
		}
	}
	if field.calls != 0 {
		t.Fatalf("oversized grid must not evaluate, got %d calls", field.calls)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := geodesy.GeodeticToECEF(0, 0, 40000)
	if err := s.PutBatch([]Entry{{Model: "EMM", DecYear: 2017, Position: p, Field: geodesy.Vec3{Z: 1}}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if v, ok, err := s.Get("EMM", 2017, p); err != nil || !ok || v.Z != 1 {
		t.Fatalf("expected persisted sample, got %+v ok=%v err=%v", v, ok, err)
	}
}
