package rest

import (
	"yqhp/cluster/internal/master"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Timestamp string `json:"timestamp"`
}

// WorkerListResponse represents the registered workers.
type WorkerListResponse struct {
	Workers []master.WorkerView `json:"workers"`
	Total   int                 `json:"total"`
}

// TaskListResponse represents the in-flight executions.
type TaskListResponse struct {
	Tasks []master.ExecutionView `json:"tasks"`
	Total int                    `json:"total"`
}

// StatsResponse represents dispatch latency per task type.
type StatsResponse struct {
	Stats []master.LatencySummary `json:"stats"`
}
