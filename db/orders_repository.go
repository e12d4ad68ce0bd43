package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func CreateOrder(tenantID, orderNumber, customerName string, total float64) (*Order, error) {
	id := fmt.Sprintf("ord_%s", uuid.New().String()[:8])
	now := time.Now().UTC()

	query := `
		INSERT INTO orders (id, tenant_id, order_number, customer_name, total, canceled, printed, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6)
	`

	if _, err := DB.Exec(query, id, tenantID, orderNumber, customerName, total, now); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	return GetOrder(id)
}

// GetOrder returns nil, nil when the order does not exist.
func GetOrder(orderID string) (*Order, error) {
	query := `
		SELECT id, tenant_id, order_number, customer_name, total, canceled, printed, printed_at, created_at
		FROM orders
		WHERE id = $1
	`

	var o Order
	var printedAt sql.NullTime
	err := DB.QueryRow(query, orderID).Scan(
		&o.ID,
		&o.TenantID,
		&o.OrderNumber,
		&o.CustomerName,
		&o.Total,
		&o.Canceled,
		&o.Printed,
		&printedAt,
		&o.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if printedAt.Valid {
		o.PrintedAt = &printedAt.Time
	}

	return &o, nil
}

// IsOrderCanceled is the pre-dispatch cancellation check. A missing
// order is treated as canceled so the schedule resolves terminally
// instead of retrying forever.
func IsOrderCanceled(orderID string) (bool, error) {
	var canceled bool
	err := DB.QueryRow("SELECT canceled FROM orders WHERE id = $1", orderID).Scan(&canceled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check order cancellation: %w", err)
	}
	return canceled, nil
}

// CancelOrder marks the order canceled. The next dispatch attempt for
// its schedule resolves terminally without incrementing the retry count.
func CancelOrder(tenantID, orderID string) error {
	result, err := DB.Exec(
		"UPDATE orders SET canceled = TRUE WHERE id = $1 AND tenant_id = $2",
		orderID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkOrderPrinted records that the POS acknowledged and printed the
// order ticket.
func MarkOrderPrinted(orderID string, now time.Time) error {
	_, err := DB.Exec(
		"UPDATE orders SET printed = TRUE, printed_at = $1 WHERE id = $2",
		now.UTC(), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order printed: %w", err)
	}
	return nil
}
