package detection

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"tgfsim/geodesy"
)

func testSource() Source {
	return Source{
		AltitudeKm:      15,
		OpeningAngleDeg: 30,
		TiltAngleDeg:    0,
		Beaming:         Gaussian,
		SigmaTime:       20,
		LatDeg:          5.5,
		LongDeg:         -70,
	}
}

func newTestRecorder(t *testing.T, mutate func(*Options)) *Recorder {
	t.Helper()
	opts := Options{
		OutputDir:        t.TempDir(),
		RecordAltitudeKm: 400,
		BufferLines:      100,
		ASCII:            true,
		Source:           testSource(),
		UniqueID:         123456789,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return r
}

func sampleDetection(event int) Detection {
	return Detection{
		Code:           PhotonCode,
		Time:           123.456,
		Energy:         511,
		RadialDistance: 1234.5,
		TrackID:        7,
		ECEF:           geodesy.Vec3{X: 6.7e6, Y: -1.5e5, Z: 2.5e5},
		Momentum:       geodesy.Vec3{X: 0.5, Y: -0.5, Z: 0.70710678},
		Lat:            12.5,
		Lon:            -45.25,
		Alt:            400000,
		Event:          event,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestRecordLineFormat(t *testing.T) {
	r := newTestRecorder(t, nil)
	r.Record(sampleDetection(42))
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final: %v", err)
	}
	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "record_line", data)
}

func TestFileNaming(t *testing.T) {
	r := newTestRecorder(t, nil)
	want := "detParticles_123456789_400_15_30_Gaussian_20.out"
	if filepath.Base(r.Path()) != want {
		t.Fatalf("got %s want %s", filepath.Base(r.Path()), want)
	}
	if _, err := os.Stat(r.Path()); err != nil {
		t.Fatalf("expected output file to exist after construction: %v", err)
	}
}

func TestConstructionTruncatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	name := FileName(99, 400, testSource())
	if err := os.WriteFile(filepath.Join(dir, name), []byte("stale\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newTestRecorder(t, func(o *Options) {
		o.OutputDir = dir
		o.UniqueID = 99
	})
	if lines := readLines(t, r.Path()); len(lines) != 0 {
		t.Fatalf("expected truncated file, got %v", lines)
	}
}

func TestWindowFilterIsStrict(t *testing.T) {
	r := newTestRecorder(t, func(o *Options) {
		o.Window = Window{Enabled: true, MinLat: 0, MaxLat: 10, MinLon: -20, MaxLon: 20}
	})
	cases := []struct {
		lat, lon float64
		keep     bool
	}{
		{5, 0, true},
		{0, 0, false},
		{10, 0, false},
		{5, -20, false},
		{5, 20, false},
		{-1, 0, false},
		{5, 25, false},
	}
	for _, tc := range cases {
		d := sampleDetection(1)
		d.Lat, d.Lon = tc.lat, tc.lon
		before := r.Recorded()
		r.Record(d)
		kept := r.Recorded() > before
		if kept != tc.keep {
			t.Fatalf("lat=%v lon=%v: kept=%v want %v", tc.lat, tc.lon, kept, tc.keep)
		}
	}
	if r.Stats().Dropped != 6 {
		t.Fatalf("expected 6 dropped, got %d", r.Stats().Dropped)
	}
}

func TestPhotonsOnlyDropsLeptons(t *testing.T) {
	r := newTestRecorder(t, func(o *Options) { o.PhotonsOnly = true })
	for _, code := range []int{ElectronCode, PositronCode, PhotonCode} {
		d := sampleDetection(1)
		d.Code = code
		r.Record(d)
	}
	if r.Recorded() != 1 {
		t.Fatalf("expected only the photon, got %d", r.Recorded())
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final: %v", err)
	}
	lines := readLines(t, r.Path())
	if len(lines) != 1 || strings.Fields(lines[0])[6] != "22" {
		t.Fatalf("unexpected output %v", lines)
	}
}

func TestASCIIDisabledIgnoresRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	r := newTestRecorder(t, func(o *Options) {
		o.ASCII = false
		o.OutputDir = dir
	})
	r.Record(sampleDetection(1))
	if r.Recorded() != 0 || r.Pending() != 0 {
		t.Fatalf("expected nothing recorded")
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected no output dir, got %v", err)
	}
}

func TestBufferingBelowThresholdThenFlushFinal(t *testing.T) {
	r := newTestRecorder(t, func(o *Options) { o.BufferLines = 10 })
	for i := 0; i < 10; i++ {
		r.Record(sampleDetection(i))
	}
	if lines := readLines(t, r.Path()); len(lines) != 0 {
		t.Fatalf("expected empty file below threshold, got %d lines", len(lines))
	}
	if r.Pending() != 10 {
		t.Fatalf("expected 10 pending, got %d", r.Pending())
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final: %v", err)
	}
	lines := readLines(t, r.Path())
	if len(lines) != 10 {
		t.Fatalf("expected 10 lines, got %d", len(lines))
	}
	for i, line := range lines {
		parsed, err := ParseLine(line)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if parsed.Detection.Event != i {
			t.Fatalf("line %d out of order: event %d", i, parsed.Detection.Event)
		}
	}
}

func TestThresholdFlushWritesWholeBuffer(t *testing.T) {
	r := newTestRecorder(t, func(o *Options) { o.BufferLines = 3 })
	for i := 0; i < 4; i++ {
		r.Record(sampleDetection(i))
	}
	if r.Pending() != 0 {
		t.Fatalf("expected flush once buffer exceeded threshold, pending=%d", r.Pending())
	}
	if lines := readLines(t, r.Path()); len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
}

func TestDoubleFlushWritesNothing(t *testing.T) {
	r := newTestRecorder(t, func(o *Options) { o.BufferLines = 2 })
	for i := 0; i < 3; i++ {
		r.Record(sampleDetection(i))
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final: %v", err)
	}
	if lines := readLines(t, r.Path()); len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if r.Stats().Flushes != 1 {
		t.Fatalf("expected a single write, got %d", r.Stats().Flushes)
	}
}

func TestFiftyRecordsWithDefaultThreshold(t *testing.T) {
	r := newTestRecorder(t, func(o *Options) { o.BufferLines = 0 })
	for i := 0; i < 50; i++ {
		r.Record(sampleDetection(i))
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final: %v", err)
	}
	lines := readLines(t, r.Path())
	if len(lines) != 50 {
		t.Fatalf("expected 50 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if n := len(strings.Fields(line)); n != FieldCount {
			t.Fatalf("line %d has %d fields", i, n)
		}
	}
}

func TestUnopenableOutputRetainsBuffer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	r := newTestRecorder(t, func(o *Options) {
		o.OutputDir = dir
		o.BufferLines = 1
	})
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	r.Record(sampleDetection(1))
	r.Record(sampleDetection(2))
	if r.Pending() != 2 {
		t.Fatalf("expected buffer retained after failed flush, pending=%d", r.Pending())
	}
	if err := r.FlushFinal(); err == nil {
		t.Fatalf("expected error writing into missing directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("flush final after recovery: %v", err)
	}
	if lines := readLines(t, r.Path()); len(lines) != 2 {
		t.Fatalf("expected 2 lines after recovery, got %d", len(lines))
	}
}

// failingFile accepts okLines writes, then fails every write.
type failingFile struct {
	okLines int
	written *strings.Builder
}

func (f *failingFile) WriteString(s string) (int, error) {
	if f.okLines == 0 {
		return 0, errors.New("no space left on device")
	}
	f.okLines--
	return f.written.WriteString(s)
}

func (f *failingFile) Close() error { return nil }

func TestPartialWriteDoesNotDuplicateLines(t *testing.T) {
	r := newTestRecorder(t, nil)
	for i := 0; i < 5; i++ {
		r.Record(sampleDetection(i))
	}
	var first strings.Builder
	r.open = func(string) (outputFile, error) {
		return &failingFile{okLines: 2, written: &first}, nil
	}
	if err := r.FlushFinal(); err == nil {
		t.Fatalf("expected write error")
	}
	if r.Pending() != 3 {
		t.Fatalf("expected 3 unwritten lines to stay buffered, got %d", r.Pending())
	}
	if s := r.Stats(); s.LinesWritten != 2 || s.FlushErrors != 1 {
		t.Fatalf("unexpected stats after partial write %+v", s)
	}

	var second strings.Builder
	r.open = func(string) (outputFile, error) {
		return &failingFile{okLines: 10, written: &second}, nil
	}
	if err := r.FlushFinal(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	all := strings.Split(strings.TrimRight(first.String()+second.String(), "\n"), "\n")
	if len(all) != 5 {
		t.Fatalf("expected 5 lines across both attempts, got %d", len(all))
	}
	for i, line := range all {
		parsed, err := ParseLine(line)
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if parsed.Detection.Event != i {
			t.Fatalf("line %d carries event %d", i, parsed.Detection.Event)
		}
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	d := sampleDetection(42)
	line := string(appendLine(nil, 5, testSource(), d))
	got, err := ParseLine(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.RunID != 5 || got.Detection.Event != 42 || got.Detection.TrackID != 7 || got.Detection.Code != PhotonCode {
		t.Fatalf("unexpected integers %+v", got)
	}
	if got.Detection.Alt != 400000 || got.Source.Beaming != Gaussian {
		t.Fatalf("unexpected decoded values %+v", got)
	}
	if _, err := ParseLine("1 2 3"); err == nil {
		t.Fatalf("expected field count error")
	}
}

func TestParseBeaming(t *testing.T) {
	for name, want := range map[string]Beaming{
		"Uniform": Uniform, "uniform": Uniform,
		"Gaussian": Gaussian, "gaussian": Gaussian, "normal": Gaussian, "Normal": Gaussian,
	} {
		got, err := ParseBeaming(name)
		if err != nil || got != want {
			t.Fatalf("%s: got %v, %v", name, got, err)
		}
	}
	if _, err := ParseBeaming("isotropic"); err == nil {
		t.Fatalf("expected error for unknown beaming")
	}
}

func TestNewUniqueIDIsPositive(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := NewUniqueID()
		if id <= 0 {
			t.Fatalf("expected positive id, got %d", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
