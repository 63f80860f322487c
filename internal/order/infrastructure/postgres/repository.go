package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nqtran/shopflow/internal/order/application"
	"github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
	"github.com/nqtran/shopflow/pkg/outbox"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) CreateWithItems(ctx context.Context, o domain.Order, sh domain.Shipping, consumedItemIDs []string, eventType string, payload []byte, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO orders (id, customer_id, warehouse_id, total_amount, status, stock_applied, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.CustomerID, o.WarehouseID, o.TotalAmount, o.Status, o.StockApplied, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, variant_id, quantity, price_at_time) VALUES ($1,$2,$3,$4)`,
			o.ID, item.VariantID, item.Quantity, item.PriceAtTime)
	}
	batchResult := tx.SendBatch(ctx, batch)
	if err = batchResult.Close(); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO shippings (order_id, recipient_name, email, phone, address) VALUES ($1,$2,$3,$4,$5)`,
		sh.OrderID, sh.RecipientName, sh.Email, sh.Phone, sh.Address)
	if err != nil {
		return err
	}

	if len(consumedItemIDs) > 0 {
		_, err = tx.Exec(ctx, `DELETE FROM cart_items WHERE id = ANY($1)`, consumedItemIDs)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status) VALUES ($1,$2,$3,$4,$5,'pending')`,
		"order", o.ID, eventType, payload, traceparent)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `SELECT id, customer_id, warehouse_id, total_amount, status, stock_applied, created_at, updated_at FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.CustomerID, &o.WarehouseID, &o.TotalAmount, &o.Status, &o.StockApplied, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, apperror.Newf(apperror.KindNotFound, "order %s not found", id)
	}
	if err != nil {
		return domain.Order{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT variant_id, quantity, price_at_time FROM order_items WHERE order_id=$1`, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.VariantID, &item.Quantity, &item.PriceAtTime); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

// List filters are appended as indexed predicates; the count query shares the
// same WHERE clause so the total matches the page.
func (r *Repository) List(ctx context.Context, f application.ListFilter) ([]domain.Order, int, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 6)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ID != "" {
		add("id=$%d", f.ID)
	}
	if f.CustomerID != "" {
		add("customer_id=$%d", f.CustomerID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.CreatedFrom != nil {
		add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= $%d", *f.CreatedTo)
	}
	if f.AmountMin != nil {
		add("total_amount >= $%d", *f.AmountMin)
	}
	if f.AmountMax != nil {
		add("total_amount <= $%d", *f.AmountMax)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT id, customer_id, warehouse_id, total_amount, status, stock_applied, created_at, updated_at
		FROM orders%s ORDER BY created_at DESC OFFSET $%d LIMIT $%d`, clause, len(args)+1, len(args)+2)
	args = append(args, f.Offset, f.Limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.WarehouseID, &o.TotalAmount, &o.Status, &o.StockApplied, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (r *Repository) Shipping(ctx context.Context, orderID string) (domain.Shipping, error) {
	var sh domain.Shipping
	err := r.pool.QueryRow(ctx, `SELECT order_id, recipient_name, email, phone, address, provider, tracking_code, shipped_at, delivered_at FROM shippings WHERE order_id=$1`, orderID).
		Scan(&sh.OrderID, &sh.RecipientName, &sh.Email, &sh.Phone, &sh.Address, &sh.Provider, &sh.TrackingCode, &sh.ShippedAt, &sh.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Shipping{}, apperror.Newf(apperror.KindNotFound, "shipping for order %s not found", orderID)
	}
	return sh, err
}

func (r *Repository) UpdateShipping(ctx context.Context, sh domain.Shipping) error {
	ct, err := r.pool.Exec(ctx, `UPDATE shippings SET recipient_name=$2, email=$3, phone=$4, address=$5, provider=$6, tracking_code=$7, shipped_at=$8, delivered_at=$9 WHERE order_id=$1`,
		sh.OrderID, sh.RecipientName, sh.Email, sh.Phone, sh.Address, sh.Provider, sh.TrackingCode, sh.ShippedAt, sh.DeliveredAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperror.Newf(apperror.KindNotFound, "shipping for order %s not found", sh.OrderID)
	}
	return nil
}

func (r *Repository) UpdateStatus(ctx context.Context, orderID string, from, to domain.Status) error {
	ct, err := r.pool.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`, orderID, from, to)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperror.Newf(apperror.KindConflict, "order %s is no longer %s", orderID, from)
	}
	return nil
}

func (r *Repository) UpdateAdmin(ctx context.Context, orderID string, upd application.AdminUpdate) error {
	set := []string{"updated_at=now()"}
	args := []any{orderID}
	if upd.Status != nil {
		args = append(args, *upd.Status)
		set = append(set, fmt.Sprintf("status=$%d", len(args)))
	}
	if upd.WarehouseID != nil {
		args = append(args, *upd.WarehouseID)
		set = append(set, fmt.Sprintf("warehouse_id=$%d", len(args)))
	}
	ct, err := r.pool.Exec(ctx, `UPDATE orders SET `+strings.Join(set, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperror.Newf(apperror.KindNotFound, "order %s not found", orderID)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, orderID string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id=$1`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperror.Newf(apperror.KindNotFound, "order %s not found", orderID)
	}
	return nil
}

func (r *Repository) HasSuccessfulPayment(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id=$1 AND status='success')`, orderID).Scan(&exists)
	return exists, err
}

// Cancel locks the order row, re-checks the transition under the lock and
// restores variant stock only when a settlement had decremented it.
func (r *Repository) Cancel(ctx context.Context, orderID string, eventType string, payload []byte, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status domain.Status
	var stockApplied bool
	err = tx.QueryRow(ctx, `SELECT status, stock_applied FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status, &stockApplied)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.Newf(apperror.KindNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return err
	}
	if !status.CanTransitionTo(domain.StatusCancelled) {
		return apperror.Newf(apperror.KindConflict, "order %s cannot be cancelled from %s", orderID, status)
	}

	if stockApplied {
		_, err = tx.Exec(ctx, `UPDATE product_variants pv
				SET stock = pv.stock + oi.quantity, updated_at = now()
				FROM order_items oi
				WHERE oi.order_id = $1 AND pv.id = oi.variant_id`, orderID)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `UPDATE orders SET status=$2, stock_applied=false, updated_at=now() WHERE id=$1`, orderID, domain.StatusCancelled)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status) VALUES ($1,$2,$3,$4,$5,'pending')`,
		"order", orderID, eventType, payload, traceparent)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	r.log.Info("order cancelled", "order_id", orderID, "stock_restored", stockApplied)
	return nil
}

type CartRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewCartRepository(log *slog.Logger, pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{log: log, pool: pool}
}

func (r *CartRepository) GetOrCreate(ctx context.Context, customerID string) (domain.Cart, error) {
	var cart domain.Cart
	err := r.pool.QueryRow(ctx, `SELECT id, customer_id, created_at FROM carts WHERE customer_id=$1`, customerID).
		Scan(&cart.ID, &cart.CustomerID, &cart.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Concurrent first calls race on the unique customer index; the loser
		// picks up the winner's row.
		err = r.pool.QueryRow(ctx, `INSERT INTO carts (id, customer_id) VALUES ($1,$2)
				ON CONFLICT (customer_id) DO UPDATE SET customer_id=EXCLUDED.customer_id
				RETURNING id, customer_id, created_at`, uuid.NewString(), customerID).
			Scan(&cart.ID, &cart.CustomerID, &cart.CreatedAt)
	}
	if err != nil {
		return domain.Cart{}, err
	}

	rows, err := r.pool.Query(ctx, `SELECT ci.id, ci.cart_id, ci.variant_id, ci.quantity, COALESCE(pv.discount_price, pv.price), pv.stock
			FROM cart_items ci JOIN product_variants pv ON pv.id = ci.variant_id
			WHERE ci.cart_id=$1 ORDER BY ci.id`, cart.ID)
	if err != nil {
		return domain.Cart{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.VariantID, &item.Quantity, &item.UnitPrice, &item.Stock); err != nil {
			return domain.Cart{}, err
		}
		cart.Items = append(cart.Items, item)
	}
	return cart, rows.Err()
}

func (r *CartRepository) AddItem(ctx context.Context, cartID, variantID string, quantity int) (domain.CartItem, error) {
	var item domain.CartItem
	err := r.pool.QueryRow(ctx, `INSERT INTO cart_items (id, cart_id, variant_id, quantity) VALUES ($1,$2,$3,$4)
			ON CONFLICT (cart_id, variant_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
			RETURNING id, cart_id, variant_id, quantity`, uuid.NewString(), cartID, variantID, quantity).
		Scan(&item.ID, &item.CartID, &item.VariantID, &item.Quantity)
	if err != nil {
		return domain.CartItem{}, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COALESCE(discount_price, price), stock FROM product_variants WHERE id=$1`, variantID).
		Scan(&item.UnitPrice, &item.Stock)
	return item, err
}

type OutboxStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{log: log, pool: pool}
}

func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, type, payload, traceparent, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize)
	if err != nil {
		return nil, err
	}

	var events []outbox.Event
	for rows.Next() {
		var event outbox.Event
		if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.Type, &event.Payload, &event.Traceparent, &event.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}

	_, err = tx.Exec(ctx, `UPDATE outbox SET status='in_progress', relay_id=$1, lease_until=now() + $2::interval WHERE id = ANY($3)`, relayID, lease.String(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE outbox SET status='sent' WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("no rows updated")
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='failed', last_error=$2, retry_count=retry_count+1 WHERE id=$1`, id, errMsg)
	return err
}

func (s *OutboxStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET lease_until=now() + $1::interval WHERE id = ANY($2) AND relay_id=$3`, lease.String(), ids, relayID)
	return err
}
