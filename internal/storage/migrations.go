package storage

type migration struct {
	version int
	name    string
	sql     []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_turns",
		sql: []string{
			`CREATE TABLE IF NOT EXISTS turns (
				turn_id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				message TEXT NOT NULL,
				reply TEXT NOT NULL,
				status TEXT NOT NULL,
				error_message TEXT NOT NULL,
				created_at TEXT NOT NULL,
				completed_at TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_turns_created_at ON turns(created_at);`,
		},
	},
}
