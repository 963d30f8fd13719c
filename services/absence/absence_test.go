package absence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"attendd/pkg/bus"
	"attendd/pkg/clock"
	"attendd/services/ledger"
	"attendd/services/sessions"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type backfillCall struct {
	classID string
	date    string
	ts      time.Time
}

type fakeBackfiller struct {
	mu    sync.Mutex
	calls []backfillCall
	err   error
}

func (f *fakeBackfiller) BackfillAbsent(_ context.Context, classID string, date, ts time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, backfillCall{classID: classID, date: ledger.DateString(date), ts: ts})
	return 2, f.err
}

type fakePublisher struct {
	subjects []string
	events   []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, subj string, v any) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subj)
	p.events = append(p.events, v)
	return nil
}

type fakeSubscriber struct {
	subj    string
	durable string
	fn      func(ctx context.Context, data []byte) error
	closed  int
}

func (s *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	s.subj, s.durable, s.fn = subj, durable, fn
	return s, nil
}

func (s *fakeSubscriber) Close() error {
	s.closed++
	return nil
}

func testSession() sessions.Session {
	return sessions.Session{
		ID:        "S1",
		ClassID:   "C1",
		CreatedAt: start,
		Kind:      sessions.KindQR,
		State:     sessions.StateExpired,
	}
}

func TestHookPublishes(t *testing.T) {
	pub := &fakePublisher{}
	backfill := &fakeBackfiller{}
	expiredAt := start.Add(5 * time.Minute)

	Hook(pub, backfill, func() time.Time { return expiredAt }, zerolog.Nop())(context.Background(), testSession())

	if len(pub.subjects) != 1 || pub.subjects[0] != bus.SubjectSessionExpired {
		t.Fatalf("published to %v, want %s", pub.subjects, bus.SubjectSessionExpired)
	}
	evt, ok := pub.events[0].(ExpiredEvent)
	if !ok {
		t.Fatalf("published %T, want ExpiredEvent", pub.events[0])
	}
	want := ExpiredEvent{SessionID: "S1", ClassID: "C1", SessionDate: "2026-03-02", CreatedAt: start, ExpiredAt: expiredAt}
	if evt != want {
		t.Fatalf("event = %+v, want %+v", evt, want)
	}
	if len(backfill.calls) != 0 {
		t.Fatalf("back-filled inline despite a successful publish: %+v", backfill.calls)
	}
}

func TestHookFallsBackToInlineBackfill(t *testing.T) {
	tests := []struct {
		name string
		pub  Publisher
	}{
		{"no publisher", nil},
		{"publish fails", &fakePublisher{err: errors.New("nats: no responders")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backfill := &fakeBackfiller{}
			expiredAt := start.Add(5 * time.Minute)
			Hook(tt.pub, backfill, func() time.Time { return expiredAt }, zerolog.Nop())(context.Background(), testSession())

			if len(backfill.calls) != 1 {
				t.Fatalf("back-fill ran %d times, want 1", len(backfill.calls))
			}
			want := backfillCall{classID: "C1", date: "2026-03-02", ts: expiredAt}
			if got := backfill.calls[0]; got != want {
				t.Fatalf("back-fill call = %+v, want %+v", got, want)
			}
		})
	}
}

func TestWorkerStartClose(t *testing.T) {
	sub := &fakeSubscriber{}
	w, err := NewWorker(sub, &fakeBackfiller{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sub.subj != bus.SubjectSessionExpired || sub.durable != "absence-backfill" {
		t.Fatalf("subscribed to %s as %s", sub.subj, sub.durable)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if sub.closed != 1 {
		t.Fatalf("subscription closed %d times, want 1", sub.closed)
	}

	if _, err := NewWorker(nil, &fakeBackfiller{}, zerolog.Nop()); err == nil {
		t.Fatal("NewWorker(nil subscriber) error = nil")
	}
	if _, err := NewWorker(sub, nil, zerolog.Nop()); err == nil {
		t.Fatal("NewWorker(nil backfiller) error = nil")
	}
}

func TestWorkerHandle(t *testing.T) {
	valid, _ := json.Marshal(NewEvent(testSession(), start.Add(5*time.Minute)))

	tests := []struct {
		name      string
		data      []byte
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"valid event", valid, nil, 1, false},
		{"undecodable", []byte("{"), nil, 0, false},
		{"missing class", []byte(`{"session_id":"S1","session_date":"2026-03-02"}`), nil, 0, false},
		{"bad date", []byte(`{"class_id":"C1","session_date":"03/02/2026"}`), nil, 0, false},
		{"storage down", valid, fmt.Errorf("%w: connection refused", ledger.ErrStorageUnavailable), 1, true},
		{"other failure", valid, errors.New("class id is required"), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backfill := &fakeBackfiller{err: tt.err}
			sub := &fakeSubscriber{}
			w, _ := NewWorker(sub, backfill, zerolog.Nop())
			if err := w.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			err := sub.fn(context.Background(), tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(backfill.calls) != tt.wantCalls {
				t.Fatalf("back-fill ran %d times, want %d", len(backfill.calls), tt.wantCalls)
			}
		})
	}
}

func TestExpiryBackfillsRoster(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(start)
	store := ledger.NewMemoryStore()
	l, err := ledger.New(store, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	if err := l.Enroll(ctx, "C1", []string{"alice", "bob", "carol"}); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}

	reg := sessions.NewStore(sessions.Options{
		Clock:    fc,
		Logger:   zerolog.Nop(),
		OnExpire: Hook(nil, l, fc.Now, zerolog.Nop()),
	})
	sess, err := reg.Open("C1", sessions.KindQR)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := l.Record(ctx, ledger.Record{
		StudentID:   "alice",
		ClassID:     "C1",
		SessionDate: sess.Date(),
		Timestamp:   fc.Now(),
		Status:      ledger.StatusPresent,
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	fc.Advance(sessions.DefaultExpiryDelay)

	got := map[string]ledger.Status{}
	for _, r := range store.Records() {
		got[r.StudentID] = r.Status
	}
	want := map[string]ledger.Status{"alice": ledger.StatusPresent, "bob": ledger.StatusAbsent, "carol": ledger.StatusAbsent}
	if len(got) != len(want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
	for id, status := range want {
		if got[id] != status {
			t.Fatalf("%s = %q, want %q", id, got[id], status)
		}
	}
}

func TestEndedSessionSkipsBackfill(t *testing.T) {
	fc := clock.Fake(start)
	backfill := &fakeBackfiller{}
	reg := sessions.NewStore(sessions.Options{
		Clock:    fc,
		Logger:   zerolog.Nop(),
		OnExpire: Hook(nil, backfill, fc.Now, zerolog.Nop()),
	})
	sess, _ := reg.Open("C1", sessions.KindHybrid)
	if _, err := reg.End(sess.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	fc.Advance(10 * time.Minute)
	if len(backfill.calls) != 0 {
		t.Fatalf("back-fill ran for an ended session: %+v", backfill.calls)
	}
}
