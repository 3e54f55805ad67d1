package database

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'submitter',
		credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		created_at DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		cpu_cores INTEGER NOT NULL DEFAULT 1,
		ram_gb REAL NOT NULL DEFAULT 1,
		gpu_name TEXT,
		docker_available BOOLEAN NOT NULL DEFAULT 0,
		os_family TEXT,
		last_heartbeat DATETIME,
		jobs_completed INTEGER NOT NULL DEFAULT 0,
		credits_earned INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(owner_id) REFERENCES users(id)
	);`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		title TEXT NOT NULL,
		submitter_id TEXT NOT NULL,
		worker_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 5,
		code BLOB NOT NULL,
		requirements TEXT,
		cpu_required INTEGER NOT NULL DEFAULT 1,
		ram_required_gb REAL NOT NULL DEFAULT 1,
		gpu_required BOOLEAN NOT NULL DEFAULT 0,
		docker_required BOOLEAN NOT NULL DEFAULT 0,
		os_tag TEXT,
		timeout_seconds INTEGER NOT NULL DEFAULT 300,
		credit_cost INTEGER NOT NULL,
		credit_reward INTEGER NOT NULL,
		stdout TEXT,
		stderr TEXT,
		failure_reason TEXT,
		sandbox TEXT,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		FOREIGN KEY(submitter_id) REFERENCES users(id),
		FOREIGN KEY(worker_id) REFERENCES workers(id)
	);`,

	`CREATE TABLE IF NOT EXISTS job_queue (
		job_id TEXT NOT NULL PRIMARY KEY,
		priority INTEGER NOT NULL DEFAULT 5,
		queued_at DATETIME NOT NULL,
		FOREIGN KEY(job_id) REFERENCES jobs(id)
	);`,

	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL,
		job_id TEXT,
		description TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(user_id) REFERENCES users(id),
		FOREIGN KEY(job_id) REFERENCES jobs(id)
	);`,

	`CREATE TABLE IF NOT EXISTS job_files (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(job_id) REFERENCES jobs(id)
	);`,

	`CREATE TABLE IF NOT EXISTS activity_logs (
		id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		actor_id TEXT,
		details TEXT,
		created_at DATETIME NOT NULL
	);`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_submitter ON jobs(submitter_id);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_order ON job_queue(priority DESC, queued_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_user ON credit_transactions(user_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_owner_name ON workers(IFNULL(owner_id, ''), name);`,
}
