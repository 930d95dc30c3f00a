package access

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/db"
)

const pendingIndex = "access_request_one_pending"

// =========== Access Request Repository ===========

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository { return &requestRepoPG{pool: pool} }

func (r *requestRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const requestCols = `id, requester_id, requester_kind, patient_phn, purpose, is_emergency,
	status, decided_by, decided_at, created_at`

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var a AccessRequest
	err := row.Scan(&a.ID, &a.RequesterID, &a.RequesterKind, &a.PatientPHN, &a.Purpose, &a.IsEmergency,
		&a.Status, &a.DecidedBy, &a.DecidedAt, &a.CreatedAt)
	return &a, err
}

func (r *requestRepoPG) Create(ctx context.Context, a *AccessRequest) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_request (id, requester_id, requester_kind, patient_phn, purpose, is_emergency,
			status, decided_by, decided_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.RequesterID, a.RequesterKind, a.PatientPHN, a.Purpose, a.IsEmergency,
		a.Status, a.DecidedBy, a.DecidedAt, a.CreatedAt)
	if db.IsUniqueViolation(err, pendingIndex) {
		return ErrDuplicatePending
	}
	return err
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	a, err := scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM access_request WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("access request %s not found", id)
	}
	return a, err
}

// LockPair takes a transaction-scoped advisory lock keyed on the pair.
func (r *requestRepoPG) LockPair(ctx context.Context, requesterKind, requesterID, patientPHN string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		requesterKind+":"+requesterID+"|"+patientPHN)
	return err
}

func (r *requestRepoPG) FindPending(ctx context.Context, requesterKind, requesterID, patientPHN string) (*AccessRequest, error) {
	a, err := scanRequest(r.conn(ctx).QueryRow(ctx, `
		SELECT `+requestCols+` FROM access_request
		WHERE requester_kind = $1 AND requester_id = $2 AND patient_phn = $3 AND status = 'pending'`,
		requesterKind, requesterID, patientPHN))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

func (r *requestRepoPG) Decide(ctx context.Context, id uuid.UUID, status, decidedBy string, at time.Time) (*AccessRequest, error) {
	a, err := scanRequest(r.conn(ctx).QueryRow(ctx, `
		UPDATE access_request SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestCols, id, status, decidedBy, at))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return a, err
}

func (r *requestRepoPG) ListByPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, `patient_phn = $1`, []any{patientPHN}, limit, offset)
}

func (r *requestRepoPG) ListByRequester(ctx context.Context, requesterKind, requesterID string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, `requester_kind = $1 AND requester_id = $2`, []any{requesterKind, requesterID}, limit, offset)
}

// list filters on where, which is always one of the two literals above.
func (r *requestRepoPG) list(ctx context.Context, where string, args []any, limit, offset int) ([]*AccessRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_request WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT `+requestCols+` FROM access_request
		WHERE `+where+` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, n+1, n+2), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AccessRequest
	for rows.Next() {
		a, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// =========== Access Grant Repository ===========

type grantRepoPG struct{ pool *pgxpool.Pool }

func NewGrantRepoPG(pool *pgxpool.Pool) GrantRepository { return &grantRepoPG{pool: pool} }

func (r *grantRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const grantCols = `id, request_id, requester_id, requester_kind, patient_phn, scope, source,
	expires_at, revoked_at, revoked_by, created_at`

func scanGrant(row pgx.Row) (*AccessGrant, error) {
	var g AccessGrant
	err := row.Scan(&g.ID, &g.RequestID, &g.RequesterID, &g.RequesterKind, &g.PatientPHN, &g.Scope, &g.Source,
		&g.ExpiresAt, &g.RevokedAt, &g.RevokedBy, &g.CreatedAt)
	return &g, err
}

func (r *grantRepoPG) Create(ctx context.Context, g *AccessGrant) error {
	g.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_grant (id, request_id, requester_id, requester_kind, patient_phn, scope, source,
			expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.RequestID, g.RequesterID, g.RequesterKind, g.PatientPHN, g.Scope, g.Source,
		g.ExpiresAt, g.CreatedAt)
	return err
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AccessGrant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `SELECT `+grantCols+` FROM access_grant WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("access grant %s not found", id)
	}
	return g, err
}

func (r *grantRepoPG) FindActive(ctx context.Context, requesterKind, requesterID, patientPHN string, now time.Time) (*AccessGrant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `
		SELECT `+grantCols+` FROM access_grant
		WHERE requester_kind = $1 AND requester_id = $2 AND patient_phn = $3 AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY created_at DESC
		LIMIT 1`, requesterKind, requesterID, patientPHN, now))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return g, err
}

func (r *grantRepoPG) Revoke(ctx context.Context, id uuid.UUID, revokedBy string, at time.Time) (*AccessGrant, error) {
	g, err := scanGrant(r.conn(ctx).QueryRow(ctx, `
		UPDATE access_grant SET revoked_at = $2, revoked_by = $3
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+grantCols, id, at, revokedBy))
	if db.IsNoRows(err) {
		return nil, nil
	}
	return g, err
}

func (r *grantRepoPG) ListByPatient(ctx context.Context, patientPHN string, limit, offset int) ([]*AccessGrant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_grant WHERE patient_phn = $1`, patientPHN).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE patient_phn = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientPHN, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectGrants(rows)
	return items, total, err
}

func (r *grantRepoPG) ListActiveByRequester(ctx context.Context, requesterKind, requesterID string, now time.Time) ([]*AccessGrant, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+grantCols+` FROM access_grant
		WHERE requester_kind = $1 AND requester_id = $2 AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at DESC`, requesterKind, requesterID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func collectGrants(rows pgx.Rows) ([]*AccessGrant, error) {
	var items []*AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}
