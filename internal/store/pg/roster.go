package pg

import (
	"context"

	"rollcall.org/internal/roster"
)

var _ roster.Resolver = (*Store)(nil)

// Resolve returns the active members of a section. Unknown sections and
// sections with no active members are indistinguishable to callers; both
// yield ErrScopeNotFound so a create can fail fast.
func (s *Store) Resolve(ctx context.Context, scopeRef string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select member_id from section_members
		where section_id=$1 and active
		order by member_id
	`, scopeRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, roster.ErrScopeNotFound
	}
	return members, nil
}
