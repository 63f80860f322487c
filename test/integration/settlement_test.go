//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	orderdomain "github.com/nqtran/shopflow/internal/order/domain"
	orderkafka "github.com/nqtran/shopflow/internal/order/infrastructure/kafka"
	orderpg "github.com/nqtran/shopflow/internal/order/infrastructure/postgres"
	paypg "github.com/nqtran/shopflow/internal/payment/infrastructure/postgres"
	"github.com/nqtran/shopflow/pkg/idempotency"
	"github.com/nqtran/shopflow/pkg/outbox"
)

func setupEnv(t *testing.T) (*Env, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	env, err := Setup(ctx)
	if err != nil {
		t.Fatalf("container setup: %v", err)
	}
	t.Cleanup(func() { env.Teardown(context.Background()) })

	pool, err := pgxpool.New(ctx, env.PGURL)
	if err != nil {
		t.Fatalf("pg connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := env.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return env, pool
}

func seedPaidScenario(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO product_variants (id, product_id, sku, price, stock) VALUES ('var-1','prod-1','SKU-1',100,5);
		INSERT INTO orders (id, customer_id, total_amount, status) VALUES ('ord-1','cust-a',200,'pending');
		INSERT INTO order_items (order_id, variant_id, quantity, price_at_time) VALUES ('ord-1','var-1',2,100);
		INSERT INTO payments (id, order_id, amount, method, status) VALUES ('pay-1','ord-1',200,'vnpay','pending');
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestSettlementAppliesStockExactlyOnce(t *testing.T) {
	ctx := context.Background()
	env, pool := setupEnv(t)
	seedPaidScenario(t, ctx, pool)

	log := slog.New(slog.DiscardHandler)
	repo := paypg.NewRepository(log, pool)

	payload, _ := json.Marshal(orderdomain.OrderPaid{OrderID: "ord-1", PaymentID: "pay-1", PaymentMethod: "vnpay", Amount: 200})

	first, err := repo.Settle(ctx, "pay-1", "tx-9", "OrderPaid", payload, "")
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if !first.Applied || first.OrderID != "ord-1" {
		t.Fatalf("first settle = %+v", first)
	}

	// Replayed callback.
	second, err := repo.Settle(ctx, "pay-1", "tx-9", "OrderPaid", payload, "")
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if second.Applied {
		t.Fatal("replay must not re-apply the settlement")
	}

	var stock int
	if err := pool.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id='var-1'`).Scan(&stock); err != nil {
		t.Fatal(err)
	}
	if stock != 3 {
		t.Errorf("stock = %d, want 3 (decremented exactly once)", stock)
	}

	var status string
	var stockApplied bool
	if err := pool.QueryRow(ctx, `SELECT status, stock_applied FROM orders WHERE id='ord-1'`).Scan(&status, &stockApplied); err != nil {
		t.Fatal(err)
	}
	if status != "processing" || !stockApplied {
		t.Errorf("order status=%s stock_applied=%v", status, stockApplied)
	}

	var payStatus, providerRef string
	if err := pool.QueryRow(ctx, `SELECT status, provider_ref FROM payments WHERE id='pay-1'`).Scan(&payStatus, &providerRef); err != nil {
		t.Fatal(err)
	}
	if payStatus != "success" || providerRef != "tx-9" {
		t.Errorf("payment status=%s provider_ref=%s", payStatus, providerRef)
	}

	// Redis dedup fast path sees the second delivery.
	opts, err := redis.ParseURL(env.RedisAddr)
	if err != nil {
		t.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	dedup := idempotency.NewStore(rdb, time.Minute)
	key := dedup.CallbackKey("vnpay", "pay-1", "tx-9")
	if seen, err := dedup.Seen(ctx, key); err != nil || seen {
		t.Errorf("first delivery: seen=%v err=%v", seen, err)
	}
	if seen, err := dedup.Seen(ctx, key); err != nil || !seen {
		t.Errorf("second delivery: seen=%v err=%v", seen, err)
	}

	// Cancelling the settled order restores the stock.
	orders := orderpg.NewRepository(log, pool)
	cancelPayload, _ := json.Marshal(orderdomain.OrderCancelled{OrderID: "ord-1", CustomerID: "cust-a", RefundDue: true})
	if err := orders.Cancel(ctx, "ord-1", "OrderCancelled", cancelPayload, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id='var-1'`).Scan(&stock); err != nil {
		t.Fatal(err)
	}
	if stock != 5 {
		t.Errorf("stock after cancel = %d, want 5", stock)
	}
	if err := pool.QueryRow(ctx, `SELECT status FROM orders WHERE id='ord-1'`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != "cancelled" {
		t.Errorf("order status after cancel = %s", status)
	}
}

func TestSettlementRejectsInsufficientStock(t *testing.T) {
	ctx := context.Background()
	_, pool := setupEnv(t)

	_, err := pool.Exec(ctx, `
		INSERT INTO product_variants (id, product_id, sku, price, stock) VALUES ('var-2','prod-1','SKU-2',100,1);
		INSERT INTO orders (id, customer_id, total_amount, status) VALUES ('ord-2','cust-a',200,'pending');
		INSERT INTO order_items (order_id, variant_id, quantity, price_at_time) VALUES ('ord-2','var-2',2,100);
		INSERT INTO payments (id, order_id, amount, method, status) VALUES ('pay-2','ord-2',200,'vnpay','pending');
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	repo := paypg.NewRepository(slog.New(slog.DiscardHandler), pool)
	if _, err := repo.Settle(ctx, "pay-2", "tx-1", "OrderPaid", []byte(`{}`), ""); err == nil {
		t.Fatal("settle must fail when stock is short")
	}

	// Nothing moved.
	var stock int
	var status string
	if err := pool.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id='var-2'`).Scan(&stock); err != nil {
		t.Fatal(err)
	}
	if err := pool.QueryRow(ctx, `SELECT status FROM orders WHERE id='ord-2'`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if stock != 1 || status != "pending" {
		t.Errorf("stock=%d status=%s, want untouched", stock, status)
	}
}

func TestOutboxRelayPublishesToKafka(t *testing.T) {
	ctx := context.Background()
	env, pool := setupEnv(t)
	seedPaidScenario(t, ctx, pool)

	log := slog.New(slog.DiscardHandler)
	payments := paypg.NewRepository(log, pool)
	payload, _ := json.Marshal(orderdomain.OrderPaid{OrderID: "ord-1", PaymentID: "pay-1", PaymentMethod: "vnpay", Amount: 200})
	if _, err := payments.Settle(ctx, "pay-1", "tx-9", "OrderPaid", payload, ""); err != nil {
		t.Fatalf("settle: %v", err)
	}

	writer := orderkafka.NewWriter(env.KAddr)
	writer.AllowAutoTopicCreation = true
	defer writer.Close()

	store := orderpg.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, "order.events")
	relay := outbox.NewRelay(log, store, dispatch, "test-relay")

	relayCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = relay.Run(relayCtx)
		close(done)
	}()

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: env.KAddr,
		Topic:   "order.events",
		GroupID: "test-consumer",
	})
	defer reader.Close()

	readCtx, cancelRead := context.WithTimeout(ctx, 60*time.Second)
	defer cancelRead()
	msg, err := reader.ReadMessage(readCtx)
	if err != nil {
		stop()
		<-done
		t.Fatalf("read message: %v", err)
	}

	if string(msg.Key) != "ord-1" {
		t.Errorf("key = %s", msg.Key)
	}
	var event orderdomain.OrderPaid
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.PaymentID != "pay-1" || event.Amount != 200 {
		t.Errorf("event = %+v", event)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		var sent int
		if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status='sent'`).Scan(&sent); err != nil {
			t.Fatal(err)
		}
		if sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox row not marked sent, count=%d", sent)
		}
		time.Sleep(200 * time.Millisecond)
	}

	stop()
	<-done
}
