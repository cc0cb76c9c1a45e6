package repository

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                    UUID PRIMARY KEY,
	project_name          TEXT NOT NULL,
	run_name              TEXT NOT NULL,
	spec_json             TEXT NOT NULL,
	status                TEXT NOT NULL,
	desired_replica_count INTEGER NOT NULL,
	deployment_num        INTEGER NOT NULL DEFAULT 0,
	priority              INTEGER NOT NULL DEFAULT 0,
	termination_reason    TEXT NOT NULL DEFAULT '',
	stop_requested        BOOLEAN NOT NULL DEFAULT FALSE,
	deleted               BOOLEAN NOT NULL DEFAULT FALSE,
	submitted_at          TIMESTAMPTZ NOT NULL,
	last_processed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status) WHERE NOT deleted;
CREATE INDEX IF NOT EXISTS runs_name_idx ON runs (project_name, run_name) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS jobs (
	id                    UUID PRIMARY KEY,
	run_id                UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	project_name          TEXT NOT NULL,
	run_name              TEXT NOT NULL,
	replica_num           INTEGER NOT NULL,
	job_num               INTEGER NOT NULL,
	deployment_num        INTEGER NOT NULL,
	submission_num        INTEGER NOT NULL,
	priority              INTEGER NOT NULL DEFAULT 0,
	spec_json             TEXT NOT NULL,
	status                TEXT NOT NULL,
	provisioning_json     TEXT NOT NULL DEFAULT '',
	instance_id           TEXT NOT NULL DEFAULT '',
	instance_blocks       INTEGER NOT NULL DEFAULT 0,
	placement_group       TEXT NOT NULL DEFAULT '',
	submitted_at          TIMESTAMPTZ NOT NULL,
	first_submitted_at    TIMESTAMPTZ NOT NULL,
	last_processed_at     TIMESTAMPTZ NOT NULL,
	provisioned_at        TIMESTAMPTZ,
	running_started_at    TIMESTAMPTZ,
	finished_at           TIMESTAMPTZ,
	signal_json           TEXT NOT NULL DEFAULT '',
	termination_reason    TEXT NOT NULL DEFAULT '',
	termination_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobs_run_idx ON jobs (run_id);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);

CREATE TABLE IF NOT EXISTS job_events (
	id          BIGSERIAL PRIMARY KEY,
	job_id      UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	run_id      UUID NOT NULL,
	at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_status TEXT,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	meta_json   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events (job_id, at);

CREATE TABLE IF NOT EXISTS placement_groups (
	id                UUID PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	project_name      TEXT NOT NULL,
	run_id            UUID NOT NULL,
	backend           TEXT NOT NULL,
	region            TEXT NOT NULL,
	strategy          TEXT NOT NULL,
	provisioning_json TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	fleet_deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	deleted           BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS placement_groups_run_idx ON placement_groups (run_id, backend, region);

CREATE TABLE IF NOT EXISTS instances (
	id                    UUID PRIMARY KEY,
	name                  TEXT NOT NULL,
	project_name          TEXT NOT NULL,
	run_id                TEXT NOT NULL DEFAULT '',
	backend               TEXT NOT NULL,
	region                TEXT NOT NULL,
	instance_type         TEXT NOT NULL,
	resources_json        TEXT NOT NULL,
	price                 DOUBLE PRECISION NOT NULL,
	status                TEXT NOT NULL,
	total_blocks          INTEGER NOT NULL,
	busy_blocks           INTEGER NOT NULL,
	job_blocks_json       TEXT NOT NULL DEFAULT '',
	provisioning_json     TEXT NOT NULL DEFAULT '',
	termination_policy    TEXT NOT NULL,
	idle_duration_seconds BIGINT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	last_job_processed_at TIMESTAMPTZ NOT NULL,
	termination_reason    TEXT NOT NULL DEFAULT '',
	finished_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS instances_status_idx ON instances (status);
ALTER TABLE instances ADD COLUMN IF NOT EXISTS job_blocks_json TEXT NOT NULL DEFAULT '';
`
