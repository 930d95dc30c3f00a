package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cols = `id, slmc_no, patient_phn, requested_for, reason, status, decided_at, created_at`

func scan(row pgx.Row) (*Request, error) {
	var a Request
	err := row.Scan(&a.ID, &a.SLMCNo, &a.PatientPHN, &a.RequestedFor, &a.Reason, &a.Status, &a.DecidedAt, &a.CreatedAt)
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *Request) error {
	a.ID = uuid.New()
	a.Status = StatusPending
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment_request (id, slmc_no, patient_phn, requested_for, reason, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.SLMCNo, a.PatientPHN, a.RequestedFor, a.Reason, a.Status, a.CreatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	a, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM appointment_request WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("appointment request %s not found", id)
	}
	return a, err
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (*Request, error) {
	a, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment_request SET status = $2, decided_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+cols, id, status, at))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

func (r *repoPG) ListBySLMC(ctx context.Context, slmcNo string, limit, offset int) ([]*Request, int, error) {
	return r.list(ctx, "slmc_no", slmcNo, limit, offset)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*Request, int, error) {
	return r.list(ctx, "patient_phn", patientPHN, limit, offset)
}

func (r *repoPG) list(ctx context.Context, column, value string, limit, offset int) ([]*Request, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment_request WHERE `+column+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cols+` FROM appointment_request
		WHERE `+column+` = $1 ORDER BY requested_for, id LIMIT $2 OFFSET $3`, value, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Request
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
