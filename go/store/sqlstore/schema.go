package sqlstore

// Schema is the SQL schema for the store. It is idempotent and is
// applied by the dbinit command.
//
// Dependencies cascade from tasks, and tasks cascade from projects, so
// deleting a project removes the whole graph in one statement.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	deadline DATE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS projects_by_owner ON projects (owner_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_date DATE NOT NULL,
	end_date DATE NOT NULL,
	duration_days INT NOT NULL,
	version_token TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_by_project ON tasks (project_id, created_at, id);

CREATE TABLE IF NOT EXISTS dependencies (
	project_id TEXT NOT NULL,
	predecessor_id TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	successor_id TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (predecessor_id, successor_id)
);

CREATE INDEX IF NOT EXISTS dependencies_by_project ON dependencies (project_id);
CREATE INDEX IF NOT EXISTS dependencies_by_successor ON dependencies (successor_id);
`
