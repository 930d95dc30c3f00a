package sharing

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/db"
)

// =========== Shared Record Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const transactionCols = `id, sender_kind, sender_id, receiver_kind, receiver_id, patient_phn, record_type,
	notes, document_id, document_name, document_type, document_size, document_hash,
	record_request_id, created_at`

func scanTransaction(row pgx.Row) (*SharedRecordTransaction, error) {
	var t SharedRecordTransaction
	var docID, docName, docType, docHash *string
	var docSize *int64
	err := row.Scan(&t.ID, &t.Sender.Kind, &t.Sender.ID, &t.Receiver.Kind, &t.Receiver.ID, &t.PatientPHN, &t.RecordType,
		&t.Notes, &docID, &docName, &docType, &docSize, &docHash,
		&t.RecordRequestID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if docID != nil {
		t.Document = &Document{ID: *docID}
		if docName != nil {
			t.Document.Name = *docName
		}
		if docType != nil {
			t.Document.ContentType = *docType
		}
		if docSize != nil {
			t.Document.Size = *docSize
		}
		if docHash != nil {
			t.Document.Hash = *docHash
		}
	}
	return &t, nil
}

func (r *transactionRepoPG) Create(ctx context.Context, t *SharedRecordTransaction) error {
	t.ID = uuid.New()
	var docID, docName, docType, docHash *string
	var docSize *int64
	if d := t.Document; d != nil {
		docID, docName, docType, docHash, docSize = &d.ID, &d.Name, &d.ContentType, &d.Hash, &d.Size
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO shared_record_transaction (id, sender_kind, sender_id, receiver_kind, receiver_id,
			patient_phn, record_type, notes, document_id, document_name, document_type, document_size,
			document_hash, record_request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.Sender.Kind, t.Sender.ID, t.Receiver.Kind, t.Receiver.ID,
		t.PatientPHN, t.RecordType, t.Notes, docID, docName, docType, docSize,
		docHash, t.RecordRequestID, t.CreatedAt)
	return err
}

const transactionPartyFilter = `(sender_kind = $1 AND sender_id = $2) OR (receiver_kind = $1 AND receiver_id = $2)`

func (r *transactionRepoPG) ListForParty(ctx context.Context, party Party, limit, offset int) ([]*SharedRecordTransaction, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM shared_record_transaction WHERE `+transactionPartyFilter, party.Kind, party.ID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transactionCols+` FROM shared_record_transaction
		WHERE `+transactionPartyFilter+`
		ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`, party.Kind, party.ID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectTransactions(rows)
	return items, total, err
}

func (r *transactionRepoPG) ListByDocument(ctx context.Context, documentID string) ([]*SharedRecordTransaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transactionCols+` FROM shared_record_transaction
		WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*SharedRecordTransaction, error) {
	var items []*SharedRecordTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// =========== Record Request Repository ===========

type recordRequestRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRequestRepoPG(pool *pgxpool.Pool) RecordRequestRepository {
	return &recordRequestRepoPG{pool: pool}
}

func (r *recordRequestRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const recordRequestCols = `id, requester_kind, requester_id, provider_kind, provider_id, patient_phn,
	record_type, purpose, status, fulfilled_by, created_at`

func scanRecordRequest(row pgx.Row) (*RecordRequest, error) {
	var rr RecordRequest
	err := row.Scan(&rr.ID, &rr.Requester.Kind, &rr.Requester.ID, &rr.Provider.Kind, &rr.Provider.ID, &rr.PatientPHN,
		&rr.RecordType, &rr.Purpose, &rr.Status, &rr.FulfilledBy, &rr.CreatedAt)
	return &rr, err
}

func (r *recordRequestRepoPG) Create(ctx context.Context, rr *RecordRequest) error {
	rr.ID = uuid.New()
	rr.Status = RequestOpen
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO record_request (id, requester_kind, requester_id, provider_kind, provider_id,
			patient_phn, record_type, purpose, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rr.ID, rr.Requester.Kind, rr.Requester.ID, rr.Provider.Kind, rr.Provider.ID,
		rr.PatientPHN, rr.RecordType, rr.Purpose, rr.Status, rr.CreatedAt)
	return err
}

func (r *recordRequestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RecordRequest, error) {
	rr, err := scanRecordRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+recordRequestCols+` FROM record_request WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("record request %s not found", id)
	}
	return rr, err
}

func (r *recordRequestRepoPG) Fulfil(ctx context.Context, id, transactionID uuid.UUID) (*RecordRequest, error) {
	rr, err := scanRecordRequest(r.conn(ctx).QueryRow(ctx, `
		UPDATE record_request SET status = 'fulfilled', fulfilled_by = $2
		WHERE id = $1 AND status = 'open'
		RETURNING `+recordRequestCols, id, transactionID))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return rr, err
}

const recordRequestPartyFilter = `(requester_kind = $1 AND requester_id = $2) OR (provider_kind = $1 AND provider_id = $2)`

func (r *recordRequestRepoPG) ListForParty(ctx context.Context, party Party, limit, offset int) ([]*RecordRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM record_request WHERE `+recordRequestPartyFilter, party.Kind, party.ID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordRequestCols+` FROM record_request
		WHERE `+recordRequestPartyFilter+`
		ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`, party.Kind, party.ID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*RecordRequest
	for rows.Next() {
		rr, err := scanRecordRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rr)
	}
	return items, total, rows.Err()
}
