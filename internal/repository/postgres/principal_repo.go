package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sebastianhamm/kapelle-auth/internal/domain/principal"
)

var _ principal.Repo = (*PrincipalRepo)(nil)

type PrincipalRepo struct {
	db *DB
}

func NewPrincipalRepo(db *DB) *PrincipalRepo { return &PrincipalRepo{db: db} }

const (
	qPrincipalInsert = `
INSERT INTO principals (email, password_hash, roles, enabled, locked, otp_secret, otp_enabled, email_notifications, first_name, last_name)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at, updated_at;`

	qPrincipalByEmail = `
SELECT id, email, password_hash, roles, enabled, locked, otp_secret, otp_enabled, email_notifications, first_name, last_name, created_at, updated_at
FROM principals
WHERE email = $1;`

	qPrincipalByID = `
SELECT id, email, password_hash, roles, enabled, locked, otp_secret, otp_enabled, email_notifications, first_name, last_name, created_at, updated_at
FROM principals
WHERE id = $1;`

	qPrincipalUpdate = `
UPDATE principals
SET password_hash       = $2,
    roles               = $3,
    enabled             = $4,
    locked              = $5,
    otp_secret          = $6,
    otp_enabled         = $7,
    email_notifications = $8,
    first_name          = $9,
    last_name           = $10,
    updated_at          = NOW()
WHERE id = $1
RETURNING updated_at;`
)

func (r *PrincipalRepo) Create(ctx context.Context, p *principal.Principal) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	err := r.db.Pool.QueryRow(ctx, qPrincipalInsert,
		p.Email, p.PasswordHash, p.Roles, p.Enabled, p.Locked,
		nullIfEmpty(p.OTPSecret), p.OTPEnabled, p.EmailNotifications, p.FirstName, p.LastName,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return principal.ErrConflict
		}
		return fmt.Errorf("principal insert: %w", err)
	}
	return nil
}

func (r *PrincipalRepo) GetByEmail(ctx context.Context, email string) (*principal.Principal, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var p principal.Principal
	if err := scanPrincipal(r.db.Pool.QueryRow(ctx, qPrincipalByEmail, email), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PrincipalRepo) GetByID(ctx context.Context, id int64) (*principal.Principal, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var p principal.Principal
	if err := scanPrincipal(r.db.Pool.QueryRow(ctx, qPrincipalByID, id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PrincipalRepo) Update(ctx context.Context, p *principal.Principal) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	err := r.db.Pool.QueryRow(ctx, qPrincipalUpdate,
		p.ID, p.PasswordHash, p.Roles, p.Enabled, p.Locked,
		nullIfEmpty(p.OTPSecret), p.OTPEnabled, p.EmailNotifications, p.FirstName, p.LastName,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return principal.ErrNotFound
		}
		return fmt.Errorf("principal update: %w", err)
	}
	return nil
}

func scanPrincipal(row pgx.Row, out *principal.Principal) error {
	var otpSecret *string
	err := row.Scan(
		&out.ID, &out.Email, &out.PasswordHash, &out.Roles,
		&out.Enabled, &out.Locked, &otpSecret, &out.OTPEnabled,
		&out.EmailNotifications, &out.FirstName, &out.LastName,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return principal.ErrNotFound
		}
		return fmt.Errorf("scan principal: %w", err)
	}
	if otpSecret != nil {
		out.OTPSecret = *otpSecret
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
