package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"attendd/pkg/bus"
)

var (
	day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	t0  = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
)

type capturePublisher struct {
	mu     sync.Mutex
	events []RecordedEvent
	subj   []string
}

func (p *capturePublisher) Publish(_ context.Context, subj string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subj = append(p.subj, subj)
	p.events = append(p.events, v.(RecordedEvent))
	return nil
}

func newTestLedger(t *testing.T, store Store, pub Publisher) *Ledger {
	t.Helper()
	l, err := New(store, pub, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func rec(student string, status Status, ts time.Time) Record {
	return Record{StudentID: student, ClassID: "C1", SessionDate: day, Timestamp: ts, Status: status}
}

func TestRecordOutcomes(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	steps := []struct {
		name   string
		rec    Record
		want   Outcome
		status Status
	}{
		{name: "first scan", rec: rec("s1", StatusPresent, t0), want: OutcomeInserted, status: StatusPresent},
		{name: "duplicate scan", rec: rec("s1", StatusPresent, t0.Add(time.Minute)), want: OutcomeAlreadyPresent, status: StatusPresent},
		{name: "marked absent", rec: rec("s1", StatusAbsent, t0.Add(2*time.Minute)), want: OutcomeUpdated, status: StatusAbsent},
		{name: "late scan", rec: rec("s1", StatusPresent, t0.Add(3*time.Minute)), want: OutcomeUpdated, status: StatusPresent},
	}
	for _, step := range steps {
		got, err := l.Record(ctx, step.rec)
		if err != nil {
			t.Fatalf("%s: Record() error = %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: Record() = %q, want %q", step.name, got, step.want)
		}
		stored, err := store.Find(ctx, step.rec.Key())
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != step.status {
			t.Fatalf("%s: stored status = %q, want %q", step.name, stored.Status, step.status)
		}
	}

	rows := store.Records()
	if len(rows) != 1 {
		t.Fatalf("stored %d rows, want 1", len(rows))
	}
	if !rows[0].Timestamp.Equal(t0.Add(3 * time.Minute)) {
		t.Fatalf("timestamp = %v, want the last write's", rows[0].Timestamp)
	}
}

func TestRecordDuplicatePresentKeepsTimestamp(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	l.Record(ctx, rec("s1", StatusPresent, t0))
	l.Record(ctx, rec("s1", StatusPresent, t0.Add(time.Hour)))

	stored, _ := store.Find(ctx, rec("s1", StatusPresent, t0).Key())
	if !stored.Timestamp.Equal(t0) {
		t.Fatalf("duplicate present rewrote timestamp to %v", stored.Timestamp)
	}
}

func TestRecordSessionDateFromTimestamp(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)

	ts := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("x", -3*3600))
	_, err := l.Record(context.Background(), Record{StudentID: "s1", ClassID: "C1", Timestamp: ts, Status: StatusPresent})
	if err != nil {
		t.Fatal(err)
	}
	rows := store.Records()
	if got := DateString(rows[0].SessionDate); got != "2026-03-03" {
		t.Fatalf("session date = %s, want 2026-03-03", got)
	}
}

func TestRecordValidation(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "no student", rec: Record{ClassID: "C1", Timestamp: t0, Status: StatusPresent}},
		{name: "no class", rec: Record{StudentID: "s1", Timestamp: t0, Status: StatusPresent}},
		{name: "no timestamp", rec: Record{StudentID: "s1", ClassID: "C1", Status: StatusPresent}},
		{name: "bad status", rec: Record{StudentID: "s1", ClassID: "C1", Timestamp: t0, Status: "late"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Record(context.Background(), tt.rec); err == nil {
				t.Fatal("Record() succeeded")
			}
		})
	}
}

func TestConcurrentWritesLeaveOneRow(t *testing.T) {
	for i := 0; i < 200; i++ {
		store := NewMemoryStore()
		l := newTestLedger(t, store, nil)
		ctx := context.Background()

		statuses := []Status{StatusPresent, StatusAbsent}
		outcomes := make([]Outcome, len(statuses))
		var wg sync.WaitGroup
		for j, st := range statuses {
			wg.Add(1)
			go func(j int, st Status) {
				defer wg.Done()
				out, err := l.Record(ctx, rec("s1", st, t0.Add(time.Duration(j)*time.Second)))
				if err != nil {
					t.Error(err)
				}
				outcomes[j] = out
			}(j, st)
		}
		wg.Wait()

		rows := store.Records()
		if len(rows) != 1 {
			t.Fatalf("iteration %d: %d rows, want 1", i, len(rows))
		}

		// One write inserts; the other lands on the conflict and wins.
		var inserted, updated int
		var winner Status
		for j, out := range outcomes {
			switch out {
			case OutcomeInserted:
				inserted++
			case OutcomeUpdated:
				updated++
				winner = statuses[j]
			}
		}
		if inserted != 1 || updated != 1 {
			t.Fatalf("iteration %d: outcomes = %v", i, outcomes)
		}
		if rows[0].Status != winner {
			t.Fatalf("iteration %d: stored %q, last write was %q", i, rows[0].Status, winner)
		}
	}
}

// flakyStore injects failures in front of a MemoryStore.
type flakyStore struct {
	*MemoryStore
	mu            sync.Mutex
	conflictOnce  bool
	vanishOnce    bool
	batchErr      error
	insertErr     error
	staleRecorded bool
}

func (f *flakyStore) Insert(ctx context.Context, r Record) error {
	f.mu.Lock()
	if f.insertErr != nil {
		err := f.insertErr
		f.mu.Unlock()
		return err
	}
	if f.conflictOnce {
		f.conflictOnce = false
		f.mu.Unlock()
		return ErrConflict
	}
	f.mu.Unlock()
	return f.MemoryStore.Insert(ctx, r)
}

func (f *flakyStore) Find(ctx context.Context, key Key) (Record, error) {
	f.mu.Lock()
	if f.vanishOnce {
		f.vanishOnce = false
		f.mu.Unlock()
		return Record{}, ErrNotFound
	}
	f.mu.Unlock()
	return f.MemoryStore.Find(ctx, key)
}

func (f *flakyStore) InsertBatch(ctx context.Context, recs []Record) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	return f.MemoryStore.InsertBatch(ctx, recs)
}

func (f *flakyStore) Recorded(ctx context.Context, classID string, date time.Time) ([]string, error) {
	if f.staleRecorded {
		return nil, nil
	}
	return f.MemoryStore.Recorded(ctx, classID, date)
}

func TestRecordRetriesWhenConflictingRowVanishes(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), conflictOnce: true, vanishOnce: true}
	l := newTestLedger(t, store, nil)

	got, err := l.Record(context.Background(), rec("s1", StatusPresent, t0))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if got != OutcomeInserted {
		t.Fatalf("Record() = %q, want inserted", got)
	}
}

func TestRecordSurfacesStorageErrors(t *testing.T) {
	cause := errors.New("connection refused")
	store := &flakyStore{MemoryStore: NewMemoryStore(), insertErr: cause}
	l := newTestLedger(t, store, nil)

	_, err := l.Record(context.Background(), rec("s1", StatusPresent, t0))
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("Record() error = %v", err)
	}
	if errors.Is(err, ErrConflict) {
		t.Fatal("conflict leaked to the caller")
	}
}

func TestRecordBatch(t *testing.T) {
	store := NewMemoryStore()
	pub := &capturePublisher{}
	l := newTestLedger(t, store, pub)
	ctx := context.Background()

	results, err := l.RecordBatch(ctx, "C1", day, t0, []Entry{
		{StudentID: "s1", Status: StatusPresent},
		{StudentID: "s2", Status: StatusAbsent},
	})
	if err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}
	for _, r := range results {
		if r.Outcome != OutcomeInserted {
			t.Fatalf("result %+v, want inserted", r)
		}
	}
	if len(pub.events) != 2 || pub.subj[0] != bus.SubjectAttendanceRecorded {
		t.Fatalf("published %v on %v", pub.events, pub.subj)
	}

	// s2 conflicts, which sinks the bulk insert; s3 must still land.
	results, err = l.RecordBatch(ctx, "C1", day, t0.Add(time.Minute), []Entry{
		{StudentID: "s2", Status: StatusPresent},
		{StudentID: "s3", Status: StatusPresent},
		{StudentID: "s1", Status: StatusPresent},
	})
	if err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}
	want := map[string]Outcome{"s2": OutcomeUpdated, "s3": OutcomeInserted, "s1": OutcomeAlreadyPresent}
	for _, r := range results {
		if r.Outcome != want[r.StudentID] {
			t.Fatalf("%s outcome = %q, want %q", r.StudentID, r.Outcome, want[r.StudentID])
		}
	}
	if n := len(store.Records()); n != 3 {
		t.Fatalf("stored %d rows, want 3", n)
	}
}

func TestRecordBatchFallsBackOnBulkFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), batchErr: errors.New("statement too large")}
	l := newTestLedger(t, store, nil)

	results, err := l.RecordBatch(context.Background(), "C1", day, t0, []Entry{
		{StudentID: "s1", Status: StatusPresent},
		{StudentID: "s1", Status: StatusAbsent},
	})
	if err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}
	if results[0].Outcome != OutcomeInserted || results[1].Outcome != OutcomeUpdated {
		t.Fatalf("results = %+v", results)
	}
}

func TestRecordBatchReportsPerEntryFailures(t *testing.T) {
	cause := errors.New("disk full")
	store := &flakyStore{MemoryStore: NewMemoryStore(), batchErr: cause, insertErr: cause}
	l := newTestLedger(t, store, nil)

	results, err := l.RecordBatch(context.Background(), "C1", day, t0, []Entry{
		{StudentID: "s1", Status: StatusPresent},
		{StudentID: "s2", Status: StatusPresent},
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("RecordBatch() error = %v", err)
	}
	if !strings.Contains(err.Error(), "student s1") || !strings.Contains(err.Error(), "student s2") {
		t.Fatalf("error does not name both students: %v", err)
	}
	for _, r := range results {
		if r.Err == nil {
			t.Fatalf("result %+v has no error", r)
		}
	}
}

func TestBackfillAbsent(t *testing.T) {
	store := NewMemoryStore()
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	if err := l.Enroll(ctx, "C1", []string{"s1", "s2", "s3"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Record(ctx, rec("s2", StatusPresent, t0)); err != nil {
		t.Fatal(err)
	}

	n, err := l.BackfillAbsent(ctx, "C1", day, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("BackfillAbsent() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("BackfillAbsent() = %d, want 2", n)
	}

	want := map[string]Status{"s1": StatusAbsent, "s2": StatusPresent, "s3": StatusAbsent}
	for _, row := range store.Records() {
		if row.Status != want[row.StudentID] {
			t.Fatalf("%s = %q, want %q", row.StudentID, row.Status, want[row.StudentID])
		}
	}

	// A late scan after the sweep overwrites the absence.
	got, err := l.Record(ctx, rec("s1", StatusPresent, t0.Add(6*time.Minute)))
	if err != nil || got != OutcomeUpdated {
		t.Fatalf("late Record() = %q, %v", got, err)
	}

	if n, err := l.BackfillAbsent(ctx, "C1", day, t0.Add(10*time.Minute)); err != nil || n != 0 {
		t.Fatalf("second BackfillAbsent() = %d, %v", n, err)
	}
}

func TestBackfillNeverDowngradesPresent(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), staleRecorded: true}
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	l.Enroll(ctx, "C1", []string{"s1", "s2"})
	l.Record(ctx, rec("s1", StatusPresent, t0))

	n, err := l.BackfillAbsent(ctx, "C1", day, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("BackfillAbsent() = %d, want 1", n)
	}
	s1, _ := store.Find(ctx, rec("s1", StatusPresent, t0).Key())
	if s1.Status != StatusPresent {
		t.Fatalf("s1 downgraded to %q", s1.Status)
	}
}

func TestBackfillWithoutRoster(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), nil)
	n, err := l.BackfillAbsent(context.Background(), "empty", day, t0)
	if err != nil || n != 0 {
		t.Fatalf("BackfillAbsent() = %d, %v", n, err)
	}
}

func TestBuildBatchInsert(t *testing.T) {
	query, args := buildBatchInsert([]Record{
		rec("s1", StatusPresent, t0),
		rec("s2", StatusAbsent, t0),
	})
	if !strings.Contains(query, "($1, $2, $3::date, $4, $5), ($6, $7, $8::date, $9, $10)") {
		t.Fatalf("query = %s", query)
	}
	if len(args) != 10 {
		t.Fatalf("len(args) = %d, want 10", len(args))
	}
	if args[2] != "2026-03-02" || args[9] != "absent" {
		t.Fatalf("args = %v", args)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{in: "present", want: StatusPresent},
		{in: " Absent", want: StatusAbsent},
		{in: "late", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Fatalf("ParseStatus(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}
