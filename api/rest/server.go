// Package rest provides the master's management API: worker and task
// listings, task cancellation, file convergence and dispatch statistics.
package rest

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/cluster/internal/control"
	"yqhp/cluster/internal/master"
	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/types"
)

// Master is the part of *master.Master the API reads and controls.
type Master interface {
	IsRunning() bool
	Running() int
	Workers() []master.WorkerView
	Executions() []master.ExecutionView
	Stats() []master.LatencySummary
	CancelTask(taskID string) error
	WorkerStates() types.WorkerStates
}

// Server represents the REST API server.
type Server struct {
	app    *fiber.App
	master Master
	files  *control.FilesInfoTask
	config *Config
	logger *zap.Logger
}

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// AccessLog enables per-request logging.
	AccessLog bool
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		AccessLog:    true,
	}
}

// NewServer creates a new REST API server. files is the master's local file
// set; nil disables the files endpoint.
func NewServer(m Master, files control.Files, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		AppName:               "Cluster Master API",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:    app,
		master: m,
		config: config,
		logger: logger.Named("rest"),
	}
	if files != nil {
		s.files = control.NewFilesInfoTask(files, m)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.AccessLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)

	api.Get("/workers", s.listWorkers)

	api.Get("/tasks", s.listTasks)
	api.Post("/tasks/:id/cancel", s.cancelTask)

	api.Get("/files", s.filesStatus)
	api.Get("/stats", s.stats)
}

// Start blocks serving the API until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("rest api listening", zap.String("address", s.config.Address))
	return s.app.Listen(s.config.Address)
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
