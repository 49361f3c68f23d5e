package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is the full DDL, idempotent so it can run on every start.
// Money columns are BIGINT BDT minor units; price and quantity columns
// are NUMERIC so tick and lot alignment survives the round trip.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    username      TEXT NOT NULL,
    email         TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user',
    balance       BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    max_leverage  INT NOT NULL DEFAULT 1,
    margin_state  TEXT NOT NULL DEFAULT 'NORMAL',
    failed_logins INT NOT NULL DEFAULT 0,
    locked_until  TIMESTAMPTZ,
    suspended     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_username_key ON users (LOWER(username));
CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (LOWER(email));

CREATE TABLE IF NOT EXISTS platform_account (
    id         INT PRIMARY KEY CHECK (id = 1),
    revenue    BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
INSERT INTO platform_account (id, revenue) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS instruments (
    id             TEXT PRIMARY KEY,
    symbol         TEXT NOT NULL,
    name           TEXT NOT NULL,
    asset_class    TEXT NOT NULL,
    tick_size      NUMERIC(18,8) NOT NULL,
    lot_size       NUMERIC(18,8) NOT NULL,
    max_leverage   INT NOT NULL DEFAULT 1,
    margin_allowed BOOLEAN NOT NULL DEFAULT FALSE,
    short_allowed  BOOLEAN NOT NULL DEFAULT FALSE,
    status         TEXT NOT NULL DEFAULT 'active',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS instruments_symbol_key ON instruments (UPPER(symbol));

CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL REFERENCES users(id),
    instrument_id   TEXT NOT NULL REFERENCES instruments(id),
    side            TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    quantity        NUMERIC(24,8) NOT NULL,
    remaining       NUMERIC(24,8) NOT NULL,
    price           NUMERIC(24,8) NOT NULL DEFAULT 0,
    stop_price      NUMERIC(24,8) NOT NULL DEFAULT 0,
    trailing_offset NUMERIC(24,8) NOT NULL DEFAULT 0,
    iceberg_visible NUMERIC(24,8) NOT NULL DEFAULT 0,
    oco_group_id    TEXT,
    time_in_force   TEXT NOT NULL DEFAULT 'GTC',
    leverage        INT NOT NULL DEFAULT 1,
    status          TEXT NOT NULL DEFAULT 'pending',
    client_order_id TEXT,
    reserved_funds  BIGINT NOT NULL DEFAULT 0,
    last_sequence   BIGINT NOT NULL DEFAULT 0,
    expires_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS orders_client_order_key
    ON orders (user_id, client_order_id) WHERE client_order_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS orders_open_idx
    ON orders (instrument_id, created_at) WHERE status IN ('pending', 'partial');
CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    instrument_id TEXT NOT NULL REFERENCES instruments(id),
    buy_order_id  TEXT NOT NULL,
    sell_order_id TEXT NOT NULL,
    buyer_id      TEXT NOT NULL,
    seller_id     TEXT NOT NULL,
    price         NUMERIC(24,8) NOT NULL,
    quantity      NUMERIC(24,8) NOT NULL,
    taker_side    TEXT NOT NULL,
    sequence      BIGINT NOT NULL,
    executed_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (instrument_id, sequence)
);
CREATE INDEX IF NOT EXISTS trades_instrument_idx ON trades (instrument_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS trades_buyer_idx ON trades (buyer_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS trades_seller_idx ON trades (seller_id, executed_at DESC);

CREATE TABLE IF NOT EXISTS positions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    instrument_id TEXT NOT NULL REFERENCES instruments(id),
    side          TEXT NOT NULL,
    quantity      NUMERIC(24,8) NOT NULL,
    entry_price   NUMERIC(24,8) NOT NULL,
    leverage      INT NOT NULL DEFAULT 1,
    margin_used   BIGINT NOT NULL DEFAULT 0,
    swap_accrued  BIGINT NOT NULL DEFAULT 0,
    opened_at     TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (user_id, instrument_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    id                  TEXT PRIMARY KEY,
    transaction_type    TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    buyer_id            TEXT,
    seller_id           TEXT,
    instrument_id       TEXT,
    listing_id          TEXT,
    amount_bdt          BIGINT NOT NULL DEFAULT 0,
    platform_fee_bdt    BIGINT NOT NULL DEFAULT 0,
    gateway_fee_bdt     BIGINT NOT NULL DEFAULT 0,
    gateway             TEXT,
    gateway_ref         TEXT,
    biome               TEXT,
    shares              NUMERIC(24,8) NOT NULL DEFAULT 0,
    price_per_share_bdt NUMERIC(24,8) NOT NULL DEFAULT 0,
    note                TEXT NOT NULL DEFAULT '',
    completed_at        TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS transactions_gateway_ref_key
    ON transactions (gateway_ref) WHERE gateway_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS transactions_buyer_idx ON transactions (buyer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS transactions_seller_idx ON transactions (seller_id, created_at DESC);

CREATE TABLE IF NOT EXISTS biome_markets (
    biome               TEXT PRIMARY KEY,
    cash_bdt            BIGINT NOT NULL CHECK (cash_bdt >= 0),
    total_shares        BIGINT NOT NULL CHECK (total_shares > 0),
    attention_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_redistribution TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS biome_holdings (
    user_id      TEXT NOT NULL REFERENCES users(id),
    biome        TEXT NOT NULL,
    shares       NUMERIC(24,8) NOT NULL CHECK (shares >= 0),
    invested_bdt BIGINT NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, biome)
);

CREATE TABLE IF NOT EXISTS biome_attention (
    user_id       TEXT NOT NULL,
    biome         TEXT NOT NULL,
    score         DOUBLE PRECISION NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, biome)
);

CREATE TABLE IF NOT EXISTS biome_price_history (
    id        BIGSERIAL PRIMARY KEY,
    biome     TEXT NOT NULL,
    price     NUMERIC(24,8) NOT NULL,
    cash_bdt  BIGINT NOT NULL,
    attention DOUBLE PRECISION NOT NULL DEFAULT 0,
    at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS biome_price_history_idx ON biome_price_history (biome, at);

CREATE TABLE IF NOT EXISTS candles (
    instrument_id TEXT NOT NULL,
    timeframe     TEXT NOT NULL,
    open_time     TIMESTAMPTZ NOT NULL,
    open          NUMERIC(24,8) NOT NULL,
    high          NUMERIC(24,8) NOT NULL,
    low           NUMERIC(24,8) NOT NULL,
    close         NUMERIC(24,8) NOT NULL,
    volume        NUMERIC(24,8) NOT NULL DEFAULT 0,
    quote_volume  BIGINT NOT NULL DEFAULT 0,
    vwap          NUMERIC(24,8) NOT NULL DEFAULT 0,
    trade_count   BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (instrument_id, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS corporate_actions (
    id            TEXT PRIMARY KEY,
    instrument_id TEXT NOT NULL REFERENCES instruments(id),
    action_type   TEXT NOT NULL,
    ratio         NUMERIC(18,8) NOT NULL,
    effective_at  TIMESTAMPTZ NOT NULL,
    note          TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS corporate_actions_idx ON corporate_actions (instrument_id, effective_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id         BIGSERIAL PRIMARY KEY,
    actor_id   TEXT NOT NULL,
    action     TEXT NOT NULL,
    entity     TEXT NOT NULL,
    entity_id  TEXT,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS audit_log_entity_idx ON audit_log (entity, created_at DESC);
CREATE INDEX IF NOT EXISTS audit_log_actor_idx ON audit_log (actor_id, created_at DESC);

CREATE TABLE IF NOT EXISTS market_status (
    id         INT PRIMARY KEY CHECK (id = 1),
    state      TEXT NOT NULL DEFAULT 'open',
    reason     TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
INSERT INTO market_status (id, state) VALUES (1, 'open') ON CONFLICT (id) DO NOTHING;

CREATE OR REPLACE VIEW v_unified_transactions AS
SELECT t.*,
       CASE
           WHEN t.transaction_type IN ('BIOME_BUY', 'BIOME_SELL') THEN 'biome'
           WHEN t.transaction_type LIKE 'MARKETPLACE_%' THEN 'marketplace'
           WHEN t.transaction_type = 'TOPUP' THEN 'wallet'
           ELSE 'unknown'
       END AS source
FROM transactions t;
`

// EnsureSchema creates every table, index and view the repositories rely
// on. Safe to call on every start.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
