package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndGetDecision(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	detail := json.RawMessage(`{"jti":"j-1"}`)
	db := &fakeAuditDB{
		rowValues: []any{"d-1", "0xc0ffee", "did:nv:asset-1", "agr-1", "access", "granted", "", detail, now},
	}
	w := &Writer{DB: db}

	rec := Decision{
		DecisionID:  "d-1",
		Consumer:    "0xc0ffee",
		DID:         "did:nv:asset-1",
		AgreementID: "agr-1",
		Purpose:     "access",
		Outcome:     "granted",
		Detail:      detail,
		CreatedAt:   now,
	}
	if err := w.AppendDecision(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 9 {
		t.Fatalf("expected 9 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[7]); got != string(detail) {
		t.Fatalf("unexpected detail arg: %s", got)
	}

	got, err := w.GetDecision(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DecisionID != "d-1" || got.Purpose != "access" || got.Outcome != "granted" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(db.queryArgs) != 1 {
		t.Fatalf("expected 1 query arg, got %d", len(db.queryArgs))
	}
}

func TestWriterRedaction(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{
		DB:       db,
		HashSalt: []byte("salt-1"),
		Redact:   true,
	}
	detail := json.RawMessage(`{"jti":"j-1","buyer":"deadbeef00","babysig":{"r8":["1","2"],"s":"3"}}`)
	rec := Decision{
		DecisionID: "d-1",
		Consumer:   "0xc0ffee",
		DID:        "did:nv:asset-1",
		Purpose:    "nft-access",
		Outcome:    "denied",
		Reason:     "proof_invalid",
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.AppendDecision(context.Background(), rec); err != nil {
		t.Fatalf("append redacted: %v", err)
	}

	if got := rawArgString(db.execArgs[1]); got == "0xc0ffee" || got == "" {
		t.Fatalf("consumer address not hashed: %q", got)
	}
	stored := rawArgString(db.execArgs[7])
	if strings.Contains(stored, "deadbeef00") {
		t.Fatalf("buyer key leaked into audit record: %s", stored)
	}
	if strings.Contains(stored, `"r8"`) {
		t.Fatalf("proof signature leaked into audit record: %s", stored)
	}
	if !strings.Contains(stored, `"jti":"j-1"`) {
		t.Fatalf("non-sensitive detail dropped: %s", stored)
	}

	db.execErr = errors.New("exec failed")
	if err := w.AppendDecision(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}

	db.rowErr = errors.New("not found")
	if _, err := w.GetDecision(context.Background(), "d-1"); err == nil {
		t.Fatal("expected get error")
	}
}

func TestRedactDetailInvalidJSON(t *testing.T) {
	out := redactDetail(json.RawMessage(`not-json`), []byte("s"))
	if !strings.Contains(string(out), "redaction_error") {
		t.Fatalf("invalid json not flagged: %s", out)
	}
}

func TestAppendUpload(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	rec := Upload{
		UploadID:  "u-1",
		Backend:   "ipfs",
		URL:       "cid://QmTest",
		Encrypted: true,
		SizeBytes: 1024,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.AppendUpload(context.Background(), rec); err != nil {
		t.Fatalf("append upload: %v", err)
	}
	if len(db.execArgs) != 6 {
		t.Fatalf("expected 6 exec args, got %d", len(db.execArgs))
	}
}
