package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS events (
				id UUID PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				source VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				trace_id VARCHAR(255) NOT NULL DEFAULT '',
				received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
			CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at);

			CREATE TABLE IF NOT EXISTS outbox_items (
				id UUID PRIMARY KEY,
				status VARCHAR(50) NOT NULL DEFAULT 'pending',
				kind VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				dedupe_key VARCHAR(255),
				attempt_count INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				lease_owner VARCHAR(255),
				lease_expires_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_outbox_items_claimable
				ON outbox_items(next_attempt_at, id)
				WHERE status IN ('pending', 'retry');
			CREATE INDEX IF NOT EXISTS idx_outbox_items_running_lease
				ON outbox_items(lease_expires_at)
				WHERE status = 'running';
			CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_items_dedupe_key
				ON outbox_items(dedupe_key)
				WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'running', 'retry');

			CREATE TABLE IF NOT EXISTS automations (
				id UUID PRIMARY KEY,
				slug VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				event_type VARCHAR(255) NOT NULL,
				rule JSONB,
				active BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_automations_event_type
				ON automations(event_type)
				WHERE active = true;

			CREATE TABLE IF NOT EXISTS workflow_versions (
				id UUID PRIMARY KEY,
				automation_id UUID NOT NULL REFERENCES automations(id),
				version_num INTEGER NOT NULL,
				graph JSONB NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (automation_id, version_num)
			);

			CREATE TABLE IF NOT EXISTS executions (
				id UUID PRIMARY KEY,
				workflow_version_id UUID NOT NULL REFERENCES workflow_versions(id),
				automation_id UUID NOT NULL,
				event_id UUID NOT NULL,
				trace_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL DEFAULT 'pending',
				context JSONB NOT NULL DEFAULT '{}',
				error_summary TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_executions_event_id ON executions(event_id);

			CREATE TABLE IF NOT EXISTS step_runs (
				id UUID PRIMARY KEY,
				execution_id UUID NOT NULL REFERENCES executions(id),
				node_id VARCHAR(255) NOT NULL,
				attempt INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL,
				input JSONB NOT NULL DEFAULT '{}',
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				duration_ms BIGINT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_step_runs_execution_id ON step_runs(execution_id, started_at);
		`,
	}
}
