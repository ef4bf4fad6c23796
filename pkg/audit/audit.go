package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the database surface the writer needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists gateway decisions and uploads. With Redact enabled
// consumer addresses and buyer keys are stored as salted hashes only.
type Writer struct {
	DB       DB
	HashSalt []byte
	Redact   bool
}

// Decision is one authorization outcome: a token issuance, an asset
// access check, or a transfer settlement.
type Decision struct {
	DecisionID  string
	Consumer    string
	DID         string
	AgreementID string
	Purpose     string
	Outcome     string
	Reason      string
	Detail      json.RawMessage
	CreatedAt   time.Time
}

// Upload records one asset upload through the gateway.
type Upload struct {
	UploadID  string
	Backend   string
	URL       string
	Encrypted bool
	SizeBytes int64
	CreatedAt time.Time
}

func (w *Writer) AppendDecision(ctx context.Context, rec Decision) error {
	if w.Redact {
		rec = redactDecision(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, consumer, did, agreement_id, purpose, outcome, reason, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.DecisionID, rec.Consumer, rec.DID, rec.AgreementID, rec.Purpose, rec.Outcome, rec.Reason, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) AppendUpload(ctx context.Context, rec Upload) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO upload_records
		(upload_id, backend, url, encrypted, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.UploadID, rec.Backend, rec.URL, rec.Encrypted, rec.SizeBytes, rec.CreatedAt)
	return err
}

func (w *Writer) GetDecision(ctx context.Context, decisionID string) (Decision, error) {
	var rec Decision
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, consumer, did, agreement_id, purpose, outcome, reason, detail, created_at
		FROM decision_records WHERE decision_id=$1
	`, decisionID)
	var detail json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.Consumer, &rec.DID, &rec.AgreementID, &rec.Purpose, &rec.Outcome, &rec.Reason, &detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}
