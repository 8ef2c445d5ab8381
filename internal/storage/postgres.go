package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/example/taxi-bot/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, role, display_name, phone, blocked FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Role, &u.DisplayName, &u.Phone, &u.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id, role, display_name, phone, blocked) VALUES($1,$2,$3,$4,$5)`,
		u.ID, u.Role, u.DisplayName, u.Phone, u.Blocked)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (p *PostgresStore) SetUserPhone(ctx context.Context, id int64, phone string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET phone=$1 WHERE id=$2`, phone, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, role, display_name, phone, blocked FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Role, &u.DisplayName, &u.Phone, &u.Blocked); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListDriverIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM users WHERE role=$1 AND NOT blocked ORDER BY id`, models.RoleDriver)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO orders(rider_id, from_address, to_address, comment, has_luggage, has_child, status)
		 VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		o.RiderID, o.FromAddress, o.ToAddress, o.Comment, o.HasLuggage, o.HasChild, o.Status).
		Scan(&o.ID, &o.CreatedAt)
}

const orderColumns = `id, rider_id, from_address, to_address, comment, has_luggage, has_child, status, created_at`

func scanOrder(row interface{ Scan(...any) error }, o *models.Order) error {
	return row.Scan(&o.ID, &o.RiderID, &o.FromAddress, &o.ToAddress, &o.Comment,
		&o.HasLuggage, &o.HasChild, &o.Status, &o.CreatedAt)
}

func (p *PostgresStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var o models.Order
	err := scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id=$1`, id), &o)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOrders(ctx context.Context) ([]models.Order, error) {
	return p.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id`)
}

func (p *PostgresStore) ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	return p.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status=$1 ORDER BY id`, status)
}

func (p *PostgresStore) ListActiveOrdersByRider(ctx context.Context, riderID int64) ([]models.Order, error) {
	return p.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE rider_id=$1 AND status = ANY($2) ORDER BY id`,
		riderID, pq.Array([]string{string(models.OrderNew), string(models.OrderAccepted)}))
}

func (p *PostgresStore) UpdateOrderStatus(ctx context.Context, id int64, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET status=$1 WHERE id=$2 AND status = ANY($3)`,
		to, id, pq.Array(states))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO offers(order_id, driver_id, car_model, price, accepted, rejected)
		 VALUES($1,$2,$3,$4,false,false) RETURNING id, created_at`,
		o.OrderID, o.DriverID, o.CarModel, o.Price).
		Scan(&o.ID, &o.CreatedAt)
}

const offerColumns = `id, order_id, driver_id, car_model, price, accepted, rejected, created_at`

func scanOffer(row interface{ Scan(...any) error }, o *models.Offer) error {
	return row.Scan(&o.ID, &o.OrderID, &o.DriverID, &o.CarModel, &o.Price,
		&o.Accepted, &o.Rejected, &o.CreatedAt)
}

func (p *PostgresStore) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	var o models.Offer
	err := scanOffer(p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id=$1`, id), &o)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) condOfferUpdate(ctx context.Context, query string, id int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) MarkOfferAccepted(ctx context.Context, id int64) (bool, error) {
	return p.condOfferUpdate(ctx,
		`UPDATE offers SET accepted=true WHERE id=$1 AND NOT accepted AND NOT rejected`, id)
}

func (p *PostgresStore) MarkOfferRejected(ctx context.Context, id int64) (bool, error) {
	return p.condOfferUpdate(ctx,
		`UPDATE offers SET rejected=true WHERE id=$1 AND NOT rejected`, id)
}

func (p *PostgresStore) ReleaseOffer(ctx context.Context, id int64) (bool, error) {
	return p.condOfferUpdate(ctx,
		`UPDATE offers SET accepted=false WHERE id=$1 AND accepted`, id)
}

func (p *PostgresStore) getOfferWhere(ctx context.Context, where string, arg int64) (*models.Offer, error) {
	var o models.Offer
	err := scanOffer(p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE `+where+` LIMIT 1`, arg), &o)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) GetAcceptedOfferByOrder(ctx context.Context, orderID int64) (*models.Offer, error) {
	return p.getOfferWhere(ctx, `order_id=$1 AND accepted`, orderID)
}

func (p *PostgresStore) GetAcceptedOfferByDriver(ctx context.Context, driverID int64) (*models.Offer, error) {
	return p.getOfferWhere(ctx, `driver_id=$1 AND accepted`, driverID)
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *models.ChatSession) error {
	// Guarded insert: only one open session per order may exist. The insert
	// and the existence check run as a single statement so two racing opens
	// cannot both pass.
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO chat_sessions(order_id, rider_id, driver_id, closed)
		 SELECT $1, $2, $3, false
		 WHERE NOT EXISTS (SELECT 1 FROM chat_sessions WHERE order_id=$1 AND NOT closed)
		 RETURNING id, created_at`,
		s.OrderID, s.RiderID, s.DriverID).
		Scan(&s.ID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) GetOpenSessionByUser(ctx context.Context, userID int64) (*models.ChatSession, error) {
	var s models.ChatSession
	err := p.db.QueryRowContext(ctx,
		`SELECT id, order_id, rider_id, driver_id, closed, created_at
		 FROM chat_sessions WHERE NOT closed AND (rider_id=$1 OR driver_id=$1) LIMIT 1`, userID).
		Scan(&s.ID, &s.OrderID, &s.RiderID, &s.DriverID, &s.Closed, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) CloseSession(ctx context.Context, orderID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE chat_sessions SET closed=true WHERE order_id=$1 AND NOT closed`, orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n >= 1, err
}
