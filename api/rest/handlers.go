package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/cluster/internal/control"
	"yqhp/cluster/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:    "healthy",
		Workers:   len(s.master.Workers()),
		Running:   s.master.Running(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if !s.master.IsRunning() {
		resp.Status = "stopped"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	if resp.Workers == 0 {
		resp.Status = "no_workers"
	}
	return c.JSON(resp)
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	workers := s.master.Workers()
	return c.JSON(WorkerListResponse{Workers: workers, Total: len(workers)})
}

// listTasks handles GET /api/v1/tasks
func (s *Server) listTasks(c *fiber.Ctx) error {
	tasks := s.master.Executions()
	return c.JSON(TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// cancelTask handles POST /api/v1/tasks/:id/cancel
func (s *Server) cancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.master.CancelTask(id); err != nil {
		if types.IsCode(err, types.CodeUnknownTask) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Error:   "task_not_found",
				Message: err.Error(),
			})
		}
		return err
	}
	s.logger.Info("task cancelled via api", zap.String("task_id", id))
	return c.JSON(SuccessResponse{Success: true, Message: "cancellation requested"})
}

// filesStatus handles GET /api/v1/files
func (s *Server) filesStatus(c *fiber.Ctx) error {
	if s.files == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "files are not managed by this node")
	}
	status, _, err := s.files.ForkResult(c.UserContext(), control.FilesInfoRequest{}, nil)
	if err != nil {
		return err
	}
	return c.JSON(status)
}

// stats handles GET /api/v1/stats
func (s *Server) stats(c *fiber.Ctx) error {
	return c.JSON(StatsResponse{Stats: s.master.Stats()})
}
