package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// selectProfileColumns lists the columns returned by queries that produce a
// *Profile. Every method that scans into a Profile must select these columns
// in this exact order.
const selectProfileColumns = `id, account_id, display_name, default_scope_id`

// scanProfile scans a single row into a *Profile. The row must contain the
// columns listed in selectProfileColumns. Scope ACLs and roles are loaded
// separately.
func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.AccountID, &p.DisplayName, &p.DefaultScopeID)
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return &p, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed profile repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// GetByID returns the profile matching the given ID with its scope ACL and
// role grants attached.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+selectProfileColumns+` FROM profiles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query profile by id: %w", err)
	}

	if p.ScopeIDs, err = r.scopeIDs(ctx, id); err != nil {
		return nil, err
	}
	if p.Roles, err = r.roles(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PGRepository) scopeIDs(ctx context.Context, profileID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT scope_entity_id FROM profile_scopes WHERE profile_id = $1 ORDER BY scope_entity_id`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("query profile scopes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan profile scope: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile scopes: %w", err)
	}
	return ids, nil
}

// roles loads the profile's roles with their grants in a single join. Rows
// arrive ordered by role id, so grants for one role are contiguous.
func (r *PGRepository) roles(ctx context.Context, profileID int64) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		`SELECT r.id, r.name, g.pattern, g.scope
		 FROM roles r
		 JOIN profile_roles pr ON pr.role_id = r.id
		 LEFT JOIN role_grants g ON g.role_id = r.id
		 WHERE pr.profile_id = $1
		 ORDER BY r.id`,
		profileID)
	if err != nil {
		return nil, fmt.Errorf("query profile roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var (
			roleID    int64
			name      string
			pattern   *string
			scopeName *string
		)
		if err := rows.Scan(&roleID, &name, &pattern, &scopeName); err != nil {
			return nil, fmt.Errorf("scan role grant: %w", err)
		}

		if len(roles) == 0 || roles[len(roles)-1].ID != roleID {
			roles = append(roles, Role{ID: roleID, Name: name, Grants: make(map[string]Scope)})
		}
		if pattern == nil || scopeName == nil {
			continue
		}

		scope, err := ParseScope(*scopeName)
		if err != nil {
			r.log.Warn().Int64("role_id", roleID).Str("pattern", *pattern).Err(err).
				Msg("skipping role grant with unknown scope")
			continue
		}
		roles[len(roles)-1].Grants[*pattern] = scope
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile roles: %w", err)
	}
	return roles, nil
}
