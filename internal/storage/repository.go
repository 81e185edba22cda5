package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"price-tracker/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a product row does not exist.
	ErrNotFound = errors.New("storage: product not found")
)

const productColumns = `
        id,
        user_id,
        url,
        asin,
        domain,
        title,
        currency,
        image_url,
        last_price,
        min_price,
        max_price,
        target_price,
        availability,
        check_count,
        last_checked_at,
        notified_at,
        active,
        created_at,
        updated_at`

const (
	upsertProductSQL = `INSERT INTO tracked_products (
        user_id,
        url,
        asin,
        domain,
        title,
        currency,
        image_url,
        last_price,
        min_price,
        max_price,
        target_price,
        availability,
        check_count,
        last_checked_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,now()
    )
    ON CONFLICT (user_id, asin, domain) DO UPDATE
    SET
        url          = EXCLUDED.url,
        title        = COALESCE(NULLIF(EXCLUDED.title, ''), tracked_products.title),
        currency     = EXCLUDED.currency,
        image_url    = COALESCE(NULLIF(EXCLUDED.image_url, ''), tracked_products.image_url),
        last_price   = COALESCE(EXCLUDED.last_price, tracked_products.last_price),
        min_price    = LEAST(tracked_products.min_price, EXCLUDED.min_price),
        max_price    = GREATEST(tracked_products.max_price, EXCLUDED.max_price),
        target_price = COALESCE(EXCLUDED.target_price, tracked_products.target_price),
        availability = EXCLUDED.availability,
        active       = TRUE,
        updated_at   = now()
    RETURNING` + productColumns + `;`

	listActiveProductsSQL = `SELECT` + productColumns + `
    FROM tracked_products
    WHERE active
    ORDER BY last_checked_at ASC NULLS FIRST, id;`

	listUserProductsSQL = `SELECT` + productColumns + `
    FROM tracked_products
    WHERE user_id = $1 AND active
    ORDER BY created_at, id;`

	getProductSQL = `SELECT` + productColumns + `
    FROM tracked_products
    WHERE id = $1;`

	deleteProductSQL = `DELETE FROM tracked_products WHERE id = $1 AND user_id = $2;`

	updatePriceSQL = `UPDATE tracked_products
    SET
        last_price      = COALESCE($2, last_price),
        currency        = COALESCE(NULLIF($3, ''), currency),
        title           = COALESCE(NULLIF($4, ''), title),
        image_url       = COALESCE(NULLIF($5, ''), image_url),
        availability    = $6,
        check_count     = check_count + 1,
        last_checked_at = now(),
        updated_at      = now()
    WHERE id = $1;`

	updateBoundsSQL = `UPDATE tracked_products
    SET min_price = $2, max_price = $3, updated_at = now()
    WHERE id = $1;`

	recordNotificationSQL = `UPDATE tracked_products
    SET notified_at = now()
    WHERE id = $1;`

	insertPricePointSQL = `INSERT INTO price_history (
        product_id,
        price,
        currency,
        availability,
        source,
        run_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listPriceHistorySQL = `SELECT
        id,
        product_id,
        price,
        currency,
        availability,
        source,
        run_id,
        recorded_at
    FROM price_history
    WHERE product_id = $1
      AND recorded_at >= $2
      AND recorded_at < $3
    ORDER BY recorded_at;`

	listRecentPricePointsSQL = `SELECT
        id,
        product_id,
        price,
        currency,
        availability,
        source,
        run_id,
        recorded_at
    FROM price_history
    WHERE product_id = $1
    ORDER BY recorded_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ProductStore persists tracked products.
type ProductStore interface {
	AddProduct(ctx context.Context, product TrackedProduct) (TrackedProduct, error)
	ListProducts(ctx context.Context) ([]TrackedProduct, error)
	ListProductsByUser(ctx context.Context, userID int64) ([]TrackedProduct, error)
	GetProduct(ctx context.Context, id int64) (TrackedProduct, error)
	RemoveProduct(ctx context.Context, userID, id int64) (bool, error)
	UpdatePrice(ctx context.Context, update PriceUpdate) error
	UpdateBounds(ctx context.Context, id int64, minPrice, maxPrice decimal.NullDecimal) error
	RecordNotification(ctx context.Context, id int64) error
}

// PriceHistoryStore persists price observations.
type PriceHistoryStore interface {
	RecordPricePoint(ctx context.Context, point PricePoint) error
	ListPriceHistory(ctx context.Context, productID int64, from, to time.Time) ([]PricePoint, error)
	ListRecentPricePoints(ctx context.Context, productID int64, limit int) ([]PricePoint, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to tracked products and their price history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the lock dies with the session anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AddProduct inserts a product, or refreshes the existing row for the same
// (user, asin, domain) keeping the widest known bounds.
func (s *Store) AddProduct(ctx context.Context, product TrackedProduct) (TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedProduct{}, err
	}

	availability := product.Availability
	if availability == "" {
		availability = domain.AvailabilityUnknown
	}

	row := pool.QueryRow(ctx, upsertProductSQL,
		product.UserID,
		product.URL,
		product.ASIN,
		product.Domain,
		product.Title,
		product.Currency,
		product.ImageURL,
		decimalArg(product.LastPrice),
		decimalArg(product.MinPrice),
		decimalArg(product.MaxPrice),
		decimalArg(product.TargetPrice),
		string(availability),
	)
	saved, err := scanProduct(row)
	if err != nil {
		return TrackedProduct{}, fmt.Errorf("upsert product: %w", err)
	}
	return saved, nil
}

// ListProducts lists every active product, least recently checked first.
func (s *Store) ListProducts(ctx context.Context) ([]TrackedProduct, error) {
	return s.queryProducts(ctx, "list products", listActiveProductsSQL)
}

// ListProductsByUser lists one user's active products.
func (s *Store) ListProductsByUser(ctx context.Context, userID int64) ([]TrackedProduct, error) {
	return s.queryProducts(ctx, "list user products", listUserProductsSQL, userID)
}

func (s *Store) queryProducts(ctx context.Context, op, query string, args ...any) ([]TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	products := make([]TrackedProduct, 0)
	for rows.Next() {
		product, scanErr := scanProduct(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		products = append(products, product)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return products, nil
}

// GetProduct loads one product by id.
func (s *Store) GetProduct(ctx context.Context, id int64) (TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedProduct{}, err
	}
	product, err := scanProduct(pool.QueryRow(ctx, getProductSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return TrackedProduct{}, ErrNotFound
	}
	if err != nil {
		return TrackedProduct{}, fmt.Errorf("get product: %w", err)
	}
	return product, nil
}

// RemoveProduct deletes a user's product and its history. It reports whether
// a row was removed.
func (s *Store) RemoveProduct(ctx context.Context, userID, id int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteProductSQL, id, userID)
	if execErr != nil {
		return false, fmt.Errorf("remove product: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// UpdatePrice stores the live fields of a refresh.
func (s *Store) UpdatePrice(ctx context.Context, update PriceUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	availability := update.Availability
	if availability == "" {
		availability = domain.AvailabilityUnknown
	}
	cmdTag, execErr := pool.Exec(ctx, updatePriceSQL,
		update.ProductID,
		decimalArg(update.Price),
		update.Currency,
		update.Title,
		update.ImageURL,
		string(availability),
	)
	if execErr != nil {
		return fmt.Errorf("update price: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBounds replaces min and max without touching the current price.
func (s *Store) UpdateBounds(ctx context.Context, id int64, minPrice, maxPrice decimal.NullDecimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateBoundsSQL, id, decimalArg(minPrice), decimalArg(maxPrice))
	if execErr != nil {
		return fmt.Errorf("update bounds: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordNotification stamps the time an alert went out.
func (s *Store) RecordNotification(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordNotificationSQL, id); execErr != nil {
		return fmt.Errorf("record notification: %w", execErr)
	}
	return nil
}

// RecordPricePoint appends one observation.
func (s *Store) RecordPricePoint(ctx context.Context, point PricePoint) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	availability := point.Availability
	if availability == "" {
		availability = domain.AvailabilityUnknown
	}
	source := point.Source
	if source == "" {
		source = "scraping"
	}
	_, execErr := pool.Exec(ctx, insertPricePointSQL,
		point.ProductID,
		point.Price.String(),
		point.Currency,
		string(availability),
		source,
		point.RunID,
	)
	if execErr != nil {
		return fmt.Errorf("record price point: %w", execErr)
	}
	return nil
}

// ListPriceHistory lists observations within a time window.
func (s *Store) ListPriceHistory(ctx context.Context, productID int64, from, to time.Time) ([]PricePoint, error) {
	return s.queryPricePoints(ctx, "list price history", 0, listPriceHistorySQL, productID, from, to)
}

// ListRecentPricePoints lists the latest observations, newest first.
func (s *Store) ListRecentPricePoints(ctx context.Context, productID int64, limit int) ([]PricePoint, error) {
	return s.queryPricePoints(ctx, "list recent price points", limit, listRecentPricePointsSQL, productID, limit)
}

func (s *Store) queryPricePoints(ctx context.Context, op string, sizeHint int, query string, args ...any) ([]PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	points := make([]PricePoint, 0, sizeHint)
	for rows.Next() {
		point, scanErr := scanPricePoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (TrackedProduct, error) {
	var (
		p                                  TrackedProduct
		availability                       string
		lastStr, minStr, maxStr, targetStr *string
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.URL,
		&p.ASIN,
		&p.Domain,
		&p.Title,
		&p.Currency,
		&p.ImageURL,
		&lastStr,
		&minStr,
		&maxStr,
		&targetStr,
		&availability,
		&p.CheckCount,
		&p.LastCheckedAt,
		&p.NotifiedAt,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return TrackedProduct{}, err
	}

	var err error
	if p.LastPrice, err = parseNullDecimal(lastStr); err != nil {
		return TrackedProduct{}, fmt.Errorf("parse last price: %w", err)
	}
	if p.MinPrice, err = parseNullDecimal(minStr); err != nil {
		return TrackedProduct{}, fmt.Errorf("parse min price: %w", err)
	}
	if p.MaxPrice, err = parseNullDecimal(maxStr); err != nil {
		return TrackedProduct{}, fmt.Errorf("parse max price: %w", err)
	}
	if p.TargetPrice, err = parseNullDecimal(targetStr); err != nil {
		return TrackedProduct{}, fmt.Errorf("parse target price: %w", err)
	}
	p.Availability = domain.ParseAvailability(availability)
	return p, nil
}

func scanPricePoint(row rowScanner) (PricePoint, error) {
	var (
		p            PricePoint
		priceStr     string
		availability string
	)
	if err := row.Scan(
		&p.ID,
		&p.ProductID,
		&priceStr,
		&p.Currency,
		&availability,
		&p.Source,
		&p.RunID,
		&p.RecordedAt,
	); err != nil {
		return PricePoint{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PricePoint{}, fmt.Errorf("parse price: %w", err)
	}
	p.Price = price
	p.Availability = domain.ParseAvailability(availability)
	return p, nil
}

func decimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return domain.Unknown(), nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return domain.Unknown(), err
	}
	return domain.Known(d), nil
}

var (
	_ ProductStore      = (*Store)(nil)
	_ PriceHistoryStore = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
