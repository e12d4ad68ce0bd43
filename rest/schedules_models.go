package rest

import "time"

type CreateOrderRequest struct {
	TenantID            string    `json:"tenant_id" validate:"required"`
	OrderNumber         string    `json:"order_number" validate:"required"`
	CustomerName        string    `json:"customer_name" validate:"required"`
	Total               float64   `json:"total"`
	CustomerDesiredTime time.Time `json:"customer_desired_time" validate:"required"`
}

type CreateOrderResponse struct {
	Message  string    `json:"message"`
	OrderID  string    `json:"order_id"`
	FireTime time.Time `json:"fire_time"`
}

type ScheduleDetail struct {
	OrderID             string     `json:"order_id"`
	OrderNumber         string     `json:"order_number"`
	CustomerName        string     `json:"customer_name"`
	Total               float64    `json:"total"`
	Status              string     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	LastRetryAt         *time.Time `json:"last_retry_at,omitempty"`
	FireTime            time.Time  `json:"fire_time"`
	CustomerDesiredTime time.Time  `json:"customer_desired_time"`
}

type PaginationInfo struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type SchedulesListResponse struct {
	Data       []ScheduleDetail `json:"data"`
	Pagination PaginationInfo   `json:"pagination"`
}

type FailedOrdersResponse struct {
	Data []ScheduleDetail `json:"data"`
}

type ManualRetryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}
