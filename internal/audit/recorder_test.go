package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"vaultgate.io/internal/obs"
)

func TestLogRecordFailureInsertsAndMirrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	mock.ExpectExec("insert into audit_events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "failure", "tenant-1", "", "alice",
			"", string(ReasonInvalidPassword), "", "info", "203.0.113.7", "curl/8", "req-9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := NewLog(db)
	ctx := WithRequestID(context.Background(), "req-9")
	err = rec.RecordFailure(ctx, "tenant-1", "alice", ReasonInvalidPassword, ClientInfo{IP: "203.0.113.7", UserAgent: "curl/8"})
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected mirrored log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("mirror line not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["outcome"] != "failure" {
		t.Fatalf("unexpected mirror entry: %v", entry)
	}
	if entry["reason"] != string(ReasonInvalidPassword) {
		t.Fatalf("reason missing from mirror: %v", entry)
	}
	if entry["request_id"] != "req-9" {
		t.Fatalf("request id missing from mirror: %v", entry)
	}
}

func TestLogRecordFailurePropagatesInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into audit_events").WillReturnError(errors.New("disk full"))

	rec := NewLog(db)
	if err := rec.RecordFailure(context.Background(), "", "alice", ReasonTokenUnknown, ClientInfo{}); err == nil {
		t.Fatal("expected insert error to propagate")
	}
}

func TestMemoryRecorder(t *testing.T) {
	rec := NewMemory()
	ctx := context.Background()

	if err := rec.RecordSuccess(ctx, "t1", "u1", "s1", ClientInfo{IP: "10.0.0.1"}); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := rec.RecordIncident(ctx, "", "token_probe", SeverityWarning, map[string]string{"reason": "TOKEN_UNKNOWN"}); err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}

	events := rec.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Outcome != OutcomeSuccess || events[0].SessionID != "s1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Outcome != OutcomeIncident || events[1].Severity != SeverityWarning {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[0].ID == events[1].ID {
		t.Fatal("event ids must be unique")
	}

	rec.FailWith(errors.New("sink down"))
	if err := rec.RecordSuccess(ctx, "t1", "u1", "s2", ClientInfo{}); err == nil {
		t.Fatal("expected injected failure")
	}
	if len(rec.Events()) != 2 {
		t.Fatal("failed write must not append an event")
	}
}

func TestMemoryRecorderConcurrentWrites(t *testing.T) {
	rec := NewMemory()
	ctx := context.Background()

	// The DSN-less server records from concurrent request handlers.
	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var err error
			if n%2 == 0 {
				err = rec.RecordSuccess(ctx, "t1", "u1", "s1", ClientInfo{})
			} else {
				err = rec.RecordFailure(ctx, "t1", "alice", ReasonInvalidPassword, ClientInfo{})
			}
			if err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(rec.Events()); got != writers {
		t.Fatalf("expected %d events, got %d", writers, got)
	}
}
