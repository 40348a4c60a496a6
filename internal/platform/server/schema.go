package server

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaSQL is the persistent layout. Applied with CREATE ... IF NOT EXISTS
// so booting with CASHOUT_AUTO_MIGRATE=true against an already-provisioned
// database is a no-op.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tokens (
  id          UUID PRIMARY KEY,
  account_id  UUID NOT NULL,
  amount      BIGINT NOT NULL CHECK (amount > 0),
  token_hash  BYTEA NOT NULL,
  salt        BYTEA NOT NULL,
  prefix      CHAR(4) NOT NULL,
  status      TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','USED','EXPIRED')),
  expires_at  TIMESTAMPTZ NOT NULL,
  used_at     TIMESTAMPTZ,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS tokens_token_hash_key ON tokens (token_hash);
CREATE INDEX IF NOT EXISTS tokens_prefix_status_idx ON tokens (prefix, status);
CREATE INDEX IF NOT EXISTS tokens_account_id_idx ON tokens (account_id);
CREATE INDEX IF NOT EXISTS tokens_expires_at_idx ON tokens (expires_at);

CREATE TABLE IF NOT EXISTS transactions (
  id          UUID PRIMARY KEY,
  account_id  UUID NOT NULL,
  token_id    UUID NOT NULL REFERENCES tokens (id),
  type        TEXT NOT NULL DEFAULT 'WITHDRAWAL',
  amount      BIGINT NOT NULL,
  status      TEXT NOT NULL DEFAULT 'SUCCESS',
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS transactions_token_id_key ON transactions (token_id);
CREATE INDEX IF NOT EXISTS transactions_account_created_idx ON transactions (account_id, created_at);

CREATE TABLE IF NOT EXISTS redemption_attempts (
  id          UUID PRIMARY KEY,
  token_id    UUID REFERENCES tokens (id),
  agent_id    TEXT NOT NULL DEFAULT '',
  result      TEXT NOT NULL CHECK (result IN ('SUCCESS','INVALID','USED','EXPIRED','REJECTED_BY_RISK','CHALLENGED')),
  metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
  hash_prev   TEXT NOT NULL DEFAULT '',
  hash_curr   TEXT NOT NULL DEFAULT '',
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS redemption_attempts_token_id_idx ON redemption_attempts (token_id);
CREATE INDEX IF NOT EXISTS redemption_attempts_created_at_idx ON redemption_attempts (created_at);
`

// EnsureSchema applies the embedded DDL.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return nil
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
