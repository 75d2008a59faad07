package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`create table if not exists targets (
		controller_id text not null,
		tenant text not null,
		name text not null default '',
		created_at timestamptz not null default now(),
		primary key (tenant, controller_id)
	)`,
	`create table if not exists rollouts (
		id bigserial primary key,
		tenant text not null,
		name text not null,
		description text not null default '',
		target_filter text not null,
		distribution_set_id bigint not null,
		action_type smallint not null,
		forced_time timestamptz,
		start_at timestamptz,
		mw_schedule text not null default '',
		mw_duration text not null default '',
		mw_timezone text not null default '',
		total_targets bigint not null default 0,
		status smallint not null,
		error_cause text not null default '',
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now(),
		unique (tenant, name)
	)`,
	`create table if not exists rollout_groups (
		id bigserial primary key,
		rollout_id bigint not null references rollouts (id),
		ordinal int not null,
		name text not null,
		target_percentage int not null default 0,
		total_targets bigint not null default 0,
		success_kind smallint not null,
		success_threshold int not null,
		error_kind smallint not null,
		error_threshold int not null,
		error_action smallint not null,
		status smallint not null,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now(),
		unique (rollout_id, ordinal)
	)`,
	`create table if not exists rollout_group_targets (
		rollout_group_id bigint not null references rollout_groups (id),
		controller_id text not null,
		primary key (rollout_group_id, controller_id)
	)`,
	`create table if not exists actions (
		id bigserial primary key,
		tenant text not null,
		target_id text not null,
		distribution_set_id bigint not null,
		rollout_id bigint not null default 0,
		rollout_group_id bigint not null default 0,
		action_type smallint not null,
		forced_time timestamptz,
		mw_schedule text not null default '',
		mw_duration text not null default '',
		mw_timezone text not null default '',
		status smallint not null,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	// one action per target and rollout keeps materialization idempotent
	`create unique index if not exists actions_rollout_target_uq
		on actions (rollout_id, target_id) where rollout_id <> 0`,
	`create index if not exists actions_target_idx on actions (tenant, target_id)`,
	`create index if not exists actions_group_idx on actions (rollout_group_id)`,
	`create table if not exists action_statuses (
		id bigserial primary key,
		action_id bigint not null references actions (id),
		status smallint not null,
		message text not null default '',
		occurred_at timestamptz not null default now()
	)`,
	`create index if not exists action_statuses_action_idx on action_statuses (action_id)`,
	`create index if not exists rollouts_status_idx on rollouts (status)`,
}

// Migrate applies the schema. Statements are all idempotent, rerunning is
// harmless.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
