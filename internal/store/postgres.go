package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresArchiver mirrors booking snapshots into postgres so exhausted or
// cancelled bookings stay addressable for operators. It is wired as a store
// subscriber and written best-effort; the dispatch path never waits on it.
type PostgresArchiver struct {
	db *sql.DB
}

func NewPostgresArchiver(dsn string) (*PostgresArchiver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchiver{db: db}, nil
}

func (p *PostgresArchiver) Archive(ctx context.Context, b models.Booking) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return err
	}
	driverID := ""
	if b.AssignedDriver != nil {
		driverID = b.AssignedDriver.DriverID
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bookings (id, status, rider_id, driver_id, total_cost, payment_method, payment_status, version, doc, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			driver_id = EXCLUDED.driver_id,
			total_cost = EXCLUDED.total_cost,
			payment_status = EXCLUDED.payment_status,
			version = EXCLUDED.version,
			doc = EXCLUDED.doc,
			updated_at = EXCLUDED.updated_at
		WHERE bookings.version < EXCLUDED.version`,
		b.ID, b.Status, b.Rider.UserID, driverID, b.TotalCost, b.PaymentMethod, b.PaymentStatus, b.Version, doc, b.UpdatedAt)
	return err
}

func (p *PostgresArchiver) Close() error { return p.db.Close() }
