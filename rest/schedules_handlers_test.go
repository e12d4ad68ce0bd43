package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"pos-dispatch-api/db"
)

func setupTestApp() *fiber.App {
	app := fiber.New()
	app.Post("/orders", CreateOrderHandler)
	app.Get("/tenants/:tenantId/schedules", ListSchedulesHandler)
	app.Get("/tenants/:tenantId/failed-orders", ListFailedOrdersHandler)
	app.Post("/tenants/:tenantId/orders/:orderId/retry", ManualRetryHandler)
	app.Delete("/tenants/:tenantId/orders/:orderId", CancelOrderHandler)
	return app
}

func setupTestDB(t *testing.T) {
	config := db.Config{
		Driver:       "sqlite",
		Database:     ":memory:",
		MaxOpenConns: 1,
	}

	if err := db.ConnectWithConfig(config); err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
}

func teardownTestDB() {
	db.Close()
}

func TestCreateOrderHandler(t *testing.T) {
	setupTestDB(t)
	defer teardownTestDB()

	app := setupTestApp()
	desired := time.Now().UTC().Add(2 * time.Hour)

	tests := []struct {
		name           string
		payload        interface{}
		expectedStatus int
		checkResponse  func(t *testing.T, body []byte)
	}{
		{
			name: "Valid request",
			payload: CreateOrderRequest{
				TenantID:            "tenant-1",
				OrderNumber:         "A-100",
				CustomerName:        "Dana Diner",
				Total:               32.50,
				CustomerDesiredTime: desired,
			},
			expectedStatus: fiber.StatusCreated,
			checkResponse: func(t *testing.T, body []byte) {
				var response CreateOrderResponse
				if err := json.Unmarshal(body, &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				if response.OrderID == "" {
					t.Error("Expected non-empty order ID")
				}
				if !response.FireTime.Before(desired) {
					t.Errorf("fire_time %v must lead desired time %v", response.FireTime, desired)
				}
			},
		},
		{
			name: "Missing tenant_id",
			payload: CreateOrderRequest{
				OrderNumber:         "A-100",
				CustomerName:        "Dana Diner",
				CustomerDesiredTime: desired,
			},
			expectedStatus: fiber.StatusBadRequest,
		},
		{
			name: "Missing order_number",
			payload: CreateOrderRequest{
				TenantID:            "tenant-1",
				CustomerName:        "Dana Diner",
				CustomerDesiredTime: desired,
			},
			expectedStatus: fiber.StatusBadRequest,
		},
		{
			name: "Missing desired time",
			payload: CreateOrderRequest{
				TenantID:     "tenant-1",
				OrderNumber:  "A-100",
				CustomerName: "Dana Diner",
			},
			expectedStatus: fiber.StatusBadRequest,
		},
		{
			name: "Negative total",
			payload: CreateOrderRequest{
				TenantID:            "tenant-1",
				OrderNumber:         "A-100",
				CustomerName:        "Dana Diner",
				Total:               -1,
				CustomerDesiredTime: desired,
			},
			expectedStatus: fiber.StatusBadRequest,
		},
		{
			name:           "Invalid JSON",
			payload:        "invalid json",
			expectedStatus: fiber.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bodyBytes []byte
			var err error

			if str, ok := tt.payload.(string); ok {
				bodyBytes = []byte(str)
			} else {
				bodyBytes, err = json.Marshal(tt.payload)
				if err != nil {
					t.Fatalf("Failed to marshal payload: %v", err)
				}
			}

			req := httptest.NewRequest("POST", "/orders", bytes.NewReader(bodyBytes))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}

			if tt.checkResponse != nil {
				body, _ := io.ReadAll(resp.Body)
				tt.checkResponse(t, body)
			}
		})
	}
}

func createScheduledOrder(t *testing.T, app *fiber.App, tenantID, orderNumber string) string {
	t.Helper()

	payload, _ := json.Marshal(CreateOrderRequest{
		TenantID:            tenantID,
		OrderNumber:         orderNumber,
		CustomerName:        "Dana Diner",
		Total:               20,
		CustomerDesiredTime: time.Now().UTC().Add(2 * time.Hour),
	})
	req := httptest.NewRequest("POST", "/orders", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	defer resp.Body.Close()

	var response CreateOrderResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &response); err != nil {
		t.Fatalf("Failed to unmarshal create response: %v", err)
	}
	return response.OrderID
}

func TestListSchedulesHandler(t *testing.T) {
	setupTestDB(t)
	defer teardownTestDB()

	app := setupTestApp()

	createScheduledOrder(t, app, "tenant-1", "A-1")
	createScheduledOrder(t, app, "tenant-1", "A-2")
	createScheduledOrder(t, app, "tenant-2", "B-1")

	req := httptest.NewRequest("GET", "/tenants/tenant-1/schedules", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var response SchedulesListResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if len(response.Data) != 2 {
		t.Errorf("Expected 2 schedules for tenant-1, got %d", len(response.Data))
	}
	if response.Pagination.Total != 2 {
		t.Errorf("Expected pagination total 2, got %d", response.Pagination.Total)
	}
	for _, detail := range response.Data {
		if detail.Status != string(db.StatusPending) {
			t.Errorf("Expected pending status, got %s", detail.Status)
		}
		if detail.CustomerName != "Dana Diner" {
			t.Errorf("Expected joined order fields, got customer %q", detail.CustomerName)
		}
	}
}

func TestListSchedulesHandler_InvalidStatus(t *testing.T) {
	setupTestDB(t)
	defer teardownTestDB()

	app := setupTestApp()

	req := httptest.NewRequest("GET", "/tenants/tenant-1/schedules?status=bogus", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid status filter, got %d", resp.StatusCode)
	}
}

func failSchedule(t *testing.T, orderID string, times int) {
	t.Helper()

	now := time.Now().UTC()
	if _, err := db.GetDB().Exec(
		"UPDATE advance_order_schedules SET fire_time = $1 WHERE order_id = $2",
		now.Add(-time.Hour), orderID,
	); err != nil {
		t.Fatalf("Failed to backdate fire time: %v", err)
	}

	for i := 0; i < times; i++ {
		scanTime := now.Add(time.Duration(i) * time.Hour)
		claimed, err := db.ClaimDueSchedules(scanTime, 3, 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("claim %d failed: %v (%d rows)", i, err, len(claimed))
		}

		var next *time.Time
		if i < times-1 {
			n := scanTime.Add(time.Second)
			next = &n
		}
		if err := db.MarkAttemptFailed(orderID, "timeout", claimed[0].RetryCount, scanTime, next); err != nil {
			t.Fatalf("MarkAttemptFailed failed: %v", err)
		}
	}
}

func TestManualRetryHandler(t *testing.T) {
	setupTestDB(t)
	defer teardownTestDB()

	app := setupTestApp()

	orderID := createScheduledOrder(t, app, "tenant-1", "A-1")
	failSchedule(t, orderID, 3)

	tests := []struct {
		name           string
		url            string
		expectedStatus int
	}{
		{
			name:           "Unknown order",
			url:            "/tenants/tenant-1/orders/ord_missing/retry",
			expectedStatus: fiber.StatusNotFound,
		},
		{
			name:           "Wrong tenant",
			url:            fmt.Sprintf("/tenants/tenant-2/orders/%s/retry", orderID),
			expectedStatus: fiber.StatusNotFound,
		},
		{
			name:           "Terminal schedule resets",
			url:            fmt.Sprintf("/tenants/tenant-1/orders/%s/retry", orderID),
			expectedStatus: fiber.StatusOK,
		},
		{
			name:           "Already pending",
			url:            fmt.Sprintf("/tenants/tenant-1/orders/%s/retry", orderID),
			expectedStatus: fiber.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.url, nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
		})
	}

	schedule, err := db.GetSchedule(orderID)
	if err != nil {
		t.Fatalf("GetSchedule failed: %v", err)
	}
	if schedule.Status != db.StatusPending {
		t.Errorf("Schedule status = %s, want pending after manual retry", schedule.Status)
	}
	if schedule.RetryCount != 3 {
		t.Errorf("Retry count = %d, want 3 preserved through manual retry", schedule.RetryCount)
	}
}

func TestListFailedOrdersHandler(t *testing.T) {
	setupTestDB(t)
	defer teardownTestDB()

	app := setupTestApp()

	terminalID := createScheduledOrder(t, app, "tenant-1", "A-1")
	failSchedule(t, terminalID, 3)

	healthyID := createScheduledOrder(t, app, "tenant-1", "A-2")

	req := httptest.NewRequest("GET", "/tenants/tenant-1/failed-orders", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var response FailedOrdersResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if len(response.Data) != 1 {
		t.Fatalf("Expected 1 failed order, got %d", len(response.Data))
	}
	if response.Data[0].OrderID != terminalID {
		t.Errorf("Failed order = %s, want %s", response.Data[0].OrderID, terminalID)
	}
	if response.Data[0].OrderID == healthyID {
		t.Error("Healthy order listed as failed")
	}
	if response.Data[0].RetryCount != 3 {
		t.Errorf("Failed order retry_count = %d, want 3", response.Data[0].RetryCount)
	}
}

func TestCancelOrderHandler(t *testing.T) {
	setupTestDB(t)
	defer teardownTestDB()

	app := setupTestApp()

	orderID := createScheduledOrder(t, app, "tenant-1", "A-1")

	req := httptest.NewRequest("DELETE", fmt.Sprintf("/tenants/tenant-1/orders/%s", orderID), nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	canceled, err := db.IsOrderCanceled(orderID)
	if err != nil {
		t.Fatalf("IsOrderCanceled failed: %v", err)
	}
	if !canceled {
		t.Error("Order not canceled")
	}

	req = httptest.NewRequest("DELETE", "/tenants/tenant-1/orders/ord_missing", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("Expected status 404 for missing order, got %d", resp.StatusCode)
	}
}
