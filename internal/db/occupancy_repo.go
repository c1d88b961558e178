package db

import (
	"context"
	"time"

	"seatsync/internal/types"
)

// OccupancyRepository derives how many seats an organization actually uses.
// It reads tables owned by the membership service and never writes them.
type OccupancyRepository struct {
	db DBTX
}

// NewOccupancyRepository creates a new OccupancyRepository backed by the given
// database connection (pool or transaction).
func NewOccupancyRepository(db DBTX) *OccupancyRepository {
	return &OccupancyRepository{db: db}
}

// CountOccupiedSeats returns active members plus pending invitations that
// have not expired at now.
func (r *OccupancyRepository) CountOccupiedSeats(ctx context.Context, orgID string, now time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM organization_members
			 WHERE organization_id = $1 AND status = 'active')
		  + (SELECT COUNT(*) FROM invitations
			 WHERE organization_id = $1
			   AND accepted_at IS NULL
			   AND revoked_at IS NULL
			   AND expires_at > $2)`,
		orgID, now.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count occupied seats", err)
	}
	return count, nil
}
