package rest

import (
	"database/sql"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"pos-dispatch-api/backoff"
	"pos-dispatch-api/db"
)

func getLeadWindow() time.Duration {
	minutesStr := os.Getenv("ORDER_LEAD_MINUTES")
	if minutesStr == "" {
		return 15 * time.Minute
	}

	minutes, err := strconv.Atoi(minutesStr)
	if err != nil || minutes < 0 {
		return 15 * time.Minute
	}

	return time.Duration(minutes) * time.Minute
}

func getStaleWindow() time.Duration {
	minutesStr := os.Getenv("STALE_ORDER_MINUTES")
	if minutesStr == "" {
		return 10 * time.Minute
	}

	minutes, err := strconv.Atoi(minutesStr)
	if err != nil || minutes <= 0 {
		return 10 * time.Minute
	}

	return time.Duration(minutes) * time.Minute
}

func getRetryCeiling() int {
	ceiling := db.GetEnvAsInt("RETRY_CEILING", backoff.DefaultCeiling)
	if ceiling < 1 {
		return backoff.DefaultCeiling
	}
	return ceiling
}

// CreateOrderHandler records an advance order and its fire schedule. The
// fire time leads the customer's desired time by the configured lead
// window, floored at now for near-term orders.
func CreateOrderHandler(c *fiber.Ctx) error {
	var req CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return ReturnBadRequest(c, "Invalid request body")
	}

	if req.TenantID == "" {
		return ReturnBadRequest(c, "tenant_id is required")
	}

	if req.OrderNumber == "" {
		return ReturnBadRequest(c, "order_number is required")
	}

	if req.CustomerName == "" {
		return ReturnBadRequest(c, "customer_name is required")
	}

	if req.CustomerDesiredTime.IsZero() {
		return ReturnBadRequest(c, "customer_desired_time is required")
	}

	if req.Total < 0 {
		return ReturnBadRequest(c, "total must not be negative")
	}

	order, err := db.CreateOrder(req.TenantID, req.OrderNumber, req.CustomerName, req.Total)
	if err != nil {
		return ReturnInternalError(c, "Failed to create order")
	}

	fireTime := req.CustomerDesiredTime.UTC().Add(-getLeadWindow())
	if now := time.Now().UTC(); fireTime.Before(now) {
		fireTime = now
	}

	if _, err := db.CreateSchedule(order.ID, req.TenantID, fireTime, req.CustomerDesiredTime); err != nil {
		return ReturnInternalError(c, "Failed to schedule order")
	}

	response := CreateOrderResponse{
		Message:  "Advance order scheduled",
		OrderID:  order.ID,
		FireTime: fireTime,
	}

	return c.Status(fiber.StatusCreated).JSON(response)
}

func ListSchedulesHandler(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return ReturnBadRequest(c, "tenantId is required")
	}

	status := c.Query("status")
	if status != "" && !db.ValidStatus(db.ScheduleStatus(status)) {
		return ReturnBadRequest(c, "Invalid status value. Must be one of: pending, firing, fired, failed")
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	offset := (page - 1) * limit

	filters := db.ScheduleFilters{
		Status: status,
		Limit:  limit,
		Offset: offset,
	}

	schedules, err := db.ListSchedulesWithOrders(tenantID, filters)
	if err != nil {
		return ReturnInternalError(c, "Failed to retrieve schedules")
	}

	total, err := db.CountSchedules(tenantID, filters)
	if err != nil {
		return ReturnInternalError(c, "Failed to count schedules")
	}

	totalPages := int(math.Ceil(float64(total) / float64(limit)))

	response := SchedulesListResponse{
		Data: toScheduleDetails(schedules),
		Pagination: PaginationInfo{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}

	return c.JSON(response)
}

// ListFailedOrdersHandler surfaces everything needing manual
// remediation: terminally failed schedules and stale unprinted orders.
func ListFailedOrdersHandler(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	if tenantID == "" {
		return ReturnBadRequest(c, "tenantId is required")
	}

	staleCutoff := time.Now().UTC().Add(-getStaleWindow())

	failed, err := db.ListFailedOrders(tenantID, getRetryCeiling(), staleCutoff)
	if err != nil {
		return ReturnInternalError(c, "Failed to retrieve failed orders")
	}

	return c.JSON(FailedOrdersResponse{Data: toScheduleDetails(failed)})
}

// ManualRetryHandler is the operator override: it resets a failed
// schedule to pending, bypassing the retry ceiling while preserving the
// historical retry count. Dispatch happens on the next scan.
func ManualRetryHandler(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	orderID := c.Params("orderId")
	if tenantID == "" || orderID == "" {
		return ReturnBadRequest(c, "tenantId and orderId are required")
	}

	err := db.ManualRetrySchedule(tenantID, orderID)
	if err == sql.ErrNoRows {
		return ReturnNotFound(c, "No schedule found for order")
	}
	if err == db.ErrNotRetryable {
		return c.Status(fiber.StatusConflict).JSON(ManualRetryResponse{
			Success: false,
			Message: "Schedule is not in a failed state",
		})
	}
	if err != nil {
		return ReturnInternalError(c, "Failed to reset schedule")
	}

	return c.JSON(ManualRetryResponse{
		Success: true,
		Message: "Schedule queued for retry",
	})
}

func CancelOrderHandler(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	orderID := c.Params("orderId")
	if tenantID == "" || orderID == "" {
		return ReturnBadRequest(c, "tenantId and orderId are required")
	}

	err := db.CancelOrder(tenantID, orderID)
	if err == sql.ErrNoRows {
		return ReturnNotFound(c, "Order not found")
	}
	if err != nil {
		return ReturnInternalError(c, "Failed to cancel order")
	}

	return c.JSON(SuccessResponse{Message: "Order canceled"})
}

func toScheduleDetails(rows []db.ScheduleWithOrder) []ScheduleDetail {
	details := make([]ScheduleDetail, len(rows))
	for i, row := range rows {
		details[i] = ScheduleDetail{
			OrderID:             row.OrderID,
			OrderNumber:         row.OrderNumber,
			CustomerName:        row.CustomerName,
			Total:               row.Total,
			Status:              string(row.Status),
			RetryCount:          row.RetryCount,
			LastRetryAt:         row.LastRetryAt,
			FireTime:            row.FireTime,
			CustomerDesiredTime: row.CustomerDesiredTime,
		}
	}
	return details
}
