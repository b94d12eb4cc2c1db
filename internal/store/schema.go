package store

import "time"

const defaultBusyTimeout = 5 * time.Second

// 活跃预约在(号码, 日期, 开始时间)上唯一，已取消的记录不参与约束
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS spa_bookings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		booking_reference TEXT UNIQUE,
		customer_name TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		booking_date TEXT NOT NULL,
		slot_start_time TEXT NOT NULL,
		slot_end_time TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed'
			CHECK (status IN ('confirmed', 'cancelled', 'completed', 'no-show')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_spa_bookings_active
		ON spa_bookings (customer_phone, booking_date, slot_start_time)
		WHERE status <> 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS ix_spa_bookings_slot
		ON spa_bookings (booking_date, slot_start_time, status)`,
	`CREATE INDEX IF NOT EXISTS ix_spa_bookings_phone
		ON spa_bookings (customer_phone, booking_date)`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		call_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		caller_phone TEXT NOT NULL DEFAULT '',
		stream_sid TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		twilio_status TEXT NOT NULL DEFAULT '',
		booking_id INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS spa_bookings (
		id BIGSERIAL PRIMARY KEY,
		booking_reference TEXT UNIQUE,
		customer_name TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		booking_date DATE NOT NULL,
		slot_start_time TIME NOT NULL,
		slot_end_time TIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed'
			CHECK (status IN ('confirmed', 'cancelled', 'completed', 'no-show')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_spa_bookings_active
		ON spa_bookings (customer_phone, booking_date, slot_start_time)
		WHERE status <> 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS ix_spa_bookings_slot
		ON spa_bookings (booking_date, slot_start_time, status)`,
	`CREATE INDEX IF NOT EXISTS ix_spa_bookings_phone
		ON spa_bookings (customer_phone, booking_date)`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		call_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		caller_phone TEXT NOT NULL DEFAULT '',
		stream_sid TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		twilio_status TEXT NOT NULL DEFAULT '',
		booking_id BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
