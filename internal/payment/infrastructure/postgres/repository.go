package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	orderdomain "github.com/nqtran/shopflow/internal/order/domain"
	"github.com/nqtran/shopflow/internal/payment/application"
	"github.com/nqtran/shopflow/internal/payment/domain"
	"github.com/nqtran/shopflow/pkg/apperror"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Create(ctx context.Context, p domain.Payment) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO payments (id, order_id, amount, method, provider_ref, status) VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.OrderID, p.Amount, p.Method, p.ProviderRef, p.Status)
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.one(ctx, `SELECT id, order_id, amount, method, provider_ref, status, created_at, updated_at FROM payments WHERE id=$1`, id)
}

func (r *Repository) ByProviderPaymentID(ctx context.Context, providerID string) (domain.Payment, error) {
	return r.one(ctx, `SELECT id, order_id, amount, method, provider_ref, status, created_at, updated_at FROM payments WHERE provider_ref=$1`, providerID)
}

func (r *Repository) one(ctx context.Context, query, arg string) (domain.Payment, error) {
	var p domain.Payment
	err := r.pool.QueryRow(ctx, query, arg).
		Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &p.ProviderRef, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, apperror.Newf(apperror.KindNotFound, "payment %s not found", arg)
	}
	return p, err
}

func (r *Repository) SetProviderRef(ctx context.Context, id, providerRef string) error {
	ct, err := r.pool.Exec(ctx, `UPDATE payments SET provider_ref=$2, updated_at=now() WHERE id=$1`, id, providerRef)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperror.Newf(apperror.KindNotFound, "payment %s not found", id)
	}
	return nil
}

// MarkFailed only moves pending attempts; a settled payment is never demoted
// by a late or replayed failure callback.
func (r *Repository) MarkFailed(ctx context.Context, id, eventType string, payload []byte, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE payments SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`,
		id, domain.StatusFailed, domain.StatusPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status) VALUES ($1,$2,$3,$4,$5,'pending')`,
		"payment", id, eventType, payload, traceparent)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Settle is the reconciliation transaction. The order row lock serializes
// concurrent callbacks for the same order; the payment status and the
// stock_applied flag make a replay a no-op.
func (r *Repository) Settle(ctx context.Context, paymentID, providerRef, eventType string, payload []byte, traceparent string) (application.SettleResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return application.SettleResult{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var orderID string
	var status domain.Status
	err = tx.QueryRow(ctx, `SELECT order_id, status FROM payments WHERE id=$1 FOR UPDATE`, paymentID).Scan(&orderID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return application.SettleResult{}, apperror.Newf(apperror.KindNotFound, "payment %s not found", paymentID)
	}
	if err != nil {
		return application.SettleResult{}, err
	}
	if status == domain.StatusSuccess {
		return application.SettleResult{OrderID: orderID, Applied: false}, tx.Commit(ctx)
	}
	if status == domain.StatusFailed {
		return application.SettleResult{}, apperror.Newf(apperror.KindConflict, "payment %s already failed", paymentID)
	}

	var orderStatus orderdomain.Status
	var stockApplied bool
	err = tx.QueryRow(ctx, `SELECT status, stock_applied FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&orderStatus, &stockApplied)
	if err != nil {
		return application.SettleResult{}, err
	}
	if orderStatus != orderdomain.StatusPending {
		return application.SettleResult{}, apperror.Newf(apperror.KindConflict, "order %s is %s and cannot settle", orderID, orderStatus)
	}

	if !stockApplied {
		rows, err := tx.Query(ctx, `SELECT variant_id, quantity FROM order_items WHERE order_id=$1`, orderID)
		if err != nil {
			return application.SettleResult{}, err
		}
		type line struct {
			variantID string
			quantity  int
		}
		var lines []line
		for rows.Next() {
			var l line
			if err := rows.Scan(&l.variantID, &l.quantity); err != nil {
				rows.Close()
				return application.SettleResult{}, err
			}
			lines = append(lines, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return application.SettleResult{}, err
		}

		for _, l := range lines {
			ct, err := tx.Exec(ctx, `UPDATE product_variants SET stock = stock - $1, updated_at = now() WHERE id=$2 AND stock >= $1`,
				l.quantity, l.variantID)
			if err != nil {
				return application.SettleResult{}, err
			}
			if ct.RowsAffected() == 0 {
				return application.SettleResult{}, apperror.Newf(apperror.KindConflict, "variant %s has insufficient stock", l.variantID)
			}
		}
	}

	_, err = tx.Exec(ctx, `UPDATE payments SET status=$2, provider_ref=COALESCE(NULLIF($3,''), provider_ref), updated_at=now() WHERE id=$1`,
		paymentID, domain.StatusSuccess, providerRef)
	if err != nil {
		return application.SettleResult{}, err
	}
	_, err = tx.Exec(ctx, `UPDATE orders SET status=$2, stock_applied=true, updated_at=now() WHERE id=$1`,
		orderID, orderdomain.StatusProcessing)
	if err != nil {
		return application.SettleResult{}, err
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status) VALUES ($1,$2,$3,$4,$5,'pending')`,
		"order", orderID, eventType, payload, traceparent)
	if err != nil {
		return application.SettleResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return application.SettleResult{}, err
	}
	r.log.Info("payment settled", "payment_id", paymentID, "order_id", orderID)
	return application.SettleResult{OrderID: orderID, Applied: true}, nil
}

func (r *Repository) RecordRefund(ctx context.Context, paymentID, eventType string, payload []byte, traceparent string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status) VALUES ($1,$2,$3,$4,$5,'pending')`,
		"payment", paymentID, eventType, payload, traceparent)
	return err
}
