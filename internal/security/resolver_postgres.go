package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresResolver reads memberships from the tenant_memberships and
// platform_admins tables created by the migrations package.
type PostgresResolver struct {
	pool *pgxpool.Pool
}

var _ PermissionResolver = (*PostgresResolver)(nil)

// NewPostgresResolver uses pool; the caller owns its lifecycle.
func NewPostgresResolver(pool *pgxpool.Pool) *PostgresResolver {
	return &PostgresResolver{pool: pool}
}

const membershipQuery = `
SELECT organization_id, role
FROM tenant_memberships
WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL`

func (r *PostgresResolver) Membership(ctx context.Context, userID, clientID string) (*Membership, error) {
	var orgID, role string
	err := r.pool.QueryRow(ctx, membershipQuery, userID, clientID).Scan(&orgID, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMembership
	}
	if err != nil {
		return nil, fmt.Errorf("querying membership: %w", err)
	}
	parsed, err := ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("membership %s/%s: %w", userID, clientID, err)
	}
	return &Membership{
		UserID:         userID,
		ClientID:       clientID,
		OrganizationID: orgID,
		Role:           parsed,
	}, nil
}

const adminQuery = `SELECT EXISTS (SELECT 1 FROM platform_admins WHERE user_id = $1)`

func (r *PostgresResolver) IsUserAdmin(ctx context.Context, userID string) (bool, error) {
	var admin bool
	if err := r.pool.QueryRow(ctx, adminQuery, userID).Scan(&admin); err != nil {
		return false, fmt.Errorf("querying admin status: %w", err)
	}
	return admin, nil
}

// GrantMembership inserts or updates a membership.
func (r *PostgresResolver) GrantMembership(ctx context.Context, m Membership) error {
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO tenant_memberships (user_id, client_id, organization_id, role)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, client_id) DO UPDATE
SET organization_id = EXCLUDED.organization_id, role = EXCLUDED.role, revoked_at = NULL`,
		m.UserID, m.ClientID, m.OrganizationID, string(m.Role))
	if err != nil {
		return fmt.Errorf("granting membership: %w", err)
	}
	return nil
}

// RevokeMembership marks a membership revoked.
func (r *PostgresResolver) RevokeMembership(ctx context.Context, userID, clientID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenant_memberships SET revoked_at = now() WHERE user_id = $1 AND client_id = $2 AND revoked_at IS NULL`,
		userID, clientID)
	if err != nil {
		return fmt.Errorf("revoking membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoMembership
	}
	return nil
}
