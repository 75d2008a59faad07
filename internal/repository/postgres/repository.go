// Package postgres implements the persistence layer for rollouts, rollout
// groups, targets and actions on top of pgx. All status transitions are
// conditional updates keyed on the expected prior status, so concurrent
// evaluation ticks and manual operations race safely: the loser of a race
// sees zero affected rows and no-ops.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hawkbit/rollout-engine/internal/models"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16, dbName string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=%s sslmode=disable pool_max_conns=15",
			user, password, addr, port, dbName,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// activeActionStatuses lists the statuses in which an action still occupies
// its target, mirroring models.ActionStatus.Active.
func activeActionStatuses() []int16 {
	statuses := []models.ActionStatus{
		models.ActionStatusScheduled,
		models.ActionStatusRunning,
		models.ActionStatusDownload,
		models.ActionStatusRetrieved,
		models.ActionStatusWarning,
		models.ActionStatusCanceling,
		models.ActionStatusCancelRejected,
	}
	out := make([]int16, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, int16(s))
	}
	return out
}

func beginRepeatableRead(ctx context.Context, db *pgxpool.Pool) (pgx.Tx, error) {
	return db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.RepeatableRead,
	})
}
