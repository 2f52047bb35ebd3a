// Package bootstrap seeds the database on first run.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/postgres"
	"github.com/bnxthealth/channeld/internal/profile"
)

// Profile 1 is the operator identity worker processes authenticate as until
// real profiles are provisioned. Its account and scope ids are fixed so
// tokens for it can be minted out of band.
const (
	SystemProfileID = 1
	SystemAccountID = 1
	SystemScopeID   = 1
)

// seedRole is one role created on first run.
type seedRole struct {
	name    string
	pattern string
	scope   profile.Scope
	assign  bool // assigned to the system profile
}

// seedRoles is the default role table: admin holds SYSTEM everywhere and is
// assigned to the system profile; member grants WRITE under /api/ and waits
// for operator profiles to be provisioned.
var seedRoles = []seedRole{
	{name: "admin", pattern: "*", scope: profile.ScopeSystem, assign: true},
	{name: "member", pattern: "/api/*", scope: profile.ScopeWrite},
}

// IsFirstRun returns true when the profiles table has no rows.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM profiles").Scan(&count); err != nil {
		return false, fmt.Errorf("count profiles: %w", err)
	}
	return count == 0, nil
}

// RunFirstInit seeds the system profile and the default roles inside a single
// transaction. Losing a seed race to another process is not an error; the
// unique violation just means the work is already done.
func RunFirstInit(ctx context.Context, db *pgxpool.Pool, logger zerolog.Logger) error {
	err := postgres.WithTx(ctx, db, func(tx pgx.Tx) error {
		return seed(ctx, tx)
	})
	if postgres.IsUniqueViolation(err) {
		logger.Info().Msg("Database already seeded by another process")
		return nil
	}
	return err
}

func seed(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO profiles (id, account_id, display_name, default_scope_id)
		 VALUES ($1, $2, 'system', $3)`,
		SystemProfileID, SystemAccountID, SystemScopeID,
	)
	if err != nil {
		return fmt.Errorf("insert system profile: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO profile_scopes (profile_id, scope_entity_id) VALUES ($1, $2)`,
		SystemProfileID, SystemScopeID,
	)
	if err != nil {
		return fmt.Errorf("insert system profile scope: %w", err)
	}

	// The profile row carries an explicit id; advance the sequence past it.
	if _, err = tx.Exec(ctx, `SELECT setval('profiles_id_seq', $1)`, SystemProfileID); err != nil {
		return fmt.Errorf("advance profiles sequence: %w", err)
	}

	for _, role := range seedRoles {
		var roleID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO roles (name) VALUES ($1) RETURNING id`, role.name,
		).Scan(&roleID)
		if err != nil {
			return fmt.Errorf("insert role %s: %w", role.name, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO role_grants (role_id, pattern, scope) VALUES ($1, $2, $3)`,
			roleID, role.pattern, role.scope.String(),
		)
		if err != nil {
			return fmt.Errorf("insert grant for role %s: %w", role.name, err)
		}

		if !role.assign {
			continue
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO profile_roles (profile_id, role_id) VALUES ($1, $2)`,
			SystemProfileID, roleID,
		)
		if err != nil {
			return fmt.Errorf("assign role %s: %w", role.name, err)
		}
	}
	return nil
}
