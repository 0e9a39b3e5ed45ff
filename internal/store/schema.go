package store

// schemaSQL mirrors the seven relations of §4.H exactly, grounded in the
// original state_store.py SCHEMA_SQL with the two tables its v001
// migration adds (circuit_breaker_state, realized_pnl_ledger) folded in
// directly rather than left to a second migration step.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	market_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	side TEXT NOT NULL,
	yes_token_id TEXT,
	no_token_id TEXT,
	yes_size TEXT NOT NULL DEFAULT '0',
	no_size TEXT NOT NULL DEFAULT '0',
	yes_price TEXT NOT NULL DEFAULT '0',
	no_price TEXT NOT NULL DEFAULT '0',
	total_cost TEXT NOT NULL,
	guaranteed_pnl TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL,
	pre_fill_yes_depth TEXT NOT NULL DEFAULT '0',
	pre_fill_no_depth TEXT NOT NULL DEFAULT '0',
	execution_status TEXT NOT NULL,
	dry_run INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	market_id TEXT NOT NULL,
	trade_id TEXT REFERENCES trades(id),
	yes_shares TEXT NOT NULL DEFAULT '0',
	no_shares TEXT NOT NULL DEFAULT '0',
	cost_basis TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'OPEN',
	opened_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP,
	settlement_proceeds TEXT,
	realized_pnl TEXT
);

CREATE TABLE IF NOT EXISTS settlement_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL REFERENCES positions(id),
	market_id TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	queued_at TIMESTAMP NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMP,
	next_retry_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	error TEXT,
	UNIQUE(position_id)
);

CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id TEXT NOT NULL REFERENCES trades(id),
	order_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	side TEXT NOT NULL,
	requested_size TEXT NOT NULL,
	filled_size TEXT NOT NULL,
	requested_price TEXT NOT NULL,
	filled_price TEXT NOT NULL,
	slippage_cents REAL,
	latency_ms INTEGER,
	timestamp TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_stats (
	date TEXT PRIMARY KEY,
	total_trades INTEGER NOT NULL DEFAULT 0,
	total_volume TEXT NOT NULL DEFAULT '0',
	realized_pnl TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	positions_opened INTEGER NOT NULL DEFAULT 0,
	positions_closed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS realized_pnl_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id TEXT NOT NULL,
	trade_date TEXT NOT NULL,
	pnl_amount TEXT NOT NULL,
	pnl_type TEXT NOT NULL,
	notes TEXT,
	UNIQUE(trade_id, pnl_type)
);

CREATE TABLE IF NOT EXISTS circuit_breaker_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	date TEXT NOT NULL,
	realized_pnl TEXT NOT NULL DEFAULT '0',
	circuit_breaker_hit TEXT NOT NULL DEFAULT 'NORMAL',
	hit_at TIMESTAMP,
	hit_reason TEXT,
	total_trades_today INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_market_created ON trades(market_id, created_at);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_settlement_status_retry ON settlement_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_fills_trade ON fills(trade_id);
CREATE INDEX IF NOT EXISTS idx_pnl_ledger_date_type ON realized_pnl_ledger(trade_date, pnl_type);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`
