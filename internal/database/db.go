package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection.
func Open(user, pass, host, port, name string) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = pass
	cfg.Net = "tcp"
	cfg.Addr = host + ":" + port
	cfg.DBName = name
	// parseTime -> DATETIME -> time.Time | loc=UTC keeps times consistent
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Schema creates every table the repositories use.  screening_seats has
// one row per seat of a layout; booking_id is NULL while the seat is free.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS screenings (
		id              VARCHAR(64)  NOT NULL PRIMARY KEY,
		catalog_item_id VARCHAR(64)  NOT NULL,
		starts_at       DATETIME(6)  NOT NULL,
		price_cents     INT UNSIGNED NOT NULL,
		created_at      DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at      DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		KEY idx_screenings_starts_at (starts_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS screening_seats (
		screening_id VARCHAR(64) NOT NULL,
		seat_label   VARCHAR(16) NOT NULL,
		position     INT         NOT NULL DEFAULT 0,
		booking_id   CHAR(36)    NULL,
		PRIMARY KEY (screening_id, seat_label),
		KEY idx_screening_seats_booking (booking_id),
		CONSTRAINT fk_screening_seats_screening FOREIGN KEY (screening_id) REFERENCES screenings (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id             CHAR(36)     NOT NULL PRIMARY KEY,
		screening_id   VARCHAR(64)  NOT NULL,
		user_id        VARCHAR(64)  NOT NULL,
		amount_cents   INT UNSIGNED NOT NULL,
		state          ENUM('PENDING','PAID','RELEASED') NOT NULL,
		payment_ref    VARCHAR(128) NULL,
		release_reason ENUM('EXPIRED','CANCELLED') NULL,
		created_at     DATETIME(6)  NOT NULL,
		updated_at     DATETIME(6)  NOT NULL,
		KEY idx_bookings_screening (screening_id, created_at),
		KEY idx_bookings_user (user_id, created_at),
		CONSTRAINT fk_bookings_screening FOREIGN KEY (screening_id) REFERENCES screenings (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS booking_seats (
		booking_id CHAR(36)    NOT NULL,
		position   INT         NOT NULL,
		seat_label VARCHAR(16) NOT NULL,
		PRIMARY KEY (booking_id, position),
		CONSTRAINT fk_booking_seats_booking FOREIGN KEY (booking_id) REFERENCES bookings (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS deferred_tasks (
		id           VARCHAR(128) NOT NULL PRIMARY KEY,
		kind         VARCHAR(32)  NOT NULL,
		task_key     VARCHAR(96)  NOT NULL,
		due_at       DATETIME(6)  NOT NULL,
		payload      BLOB         NULL,
		attempts     INT          NOT NULL DEFAULT 0,
		locked_until DATETIME(6)  NULL,
		claim_token  CHAR(36)     NULL,
		last_error   TEXT         NULL,
		created_at   DATETIME(6)  NOT NULL,
		KEY idx_deferred_tasks_due (due_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate runs Schema.  Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
