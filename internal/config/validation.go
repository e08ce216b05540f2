package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Role selects which sections Validate checks.
type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
	// RoleLocal runs a master and its workers in one process.
	RoleLocal Role = "local"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the sections used by role and reports every problem at once.
func (c *Config) Validate(role Role) error {
	var result *multierror.Error
	add := func(field, message string) {
		result = multierror.Append(result, &ValidationError{Field: field, Message: message})
	}

	switch c.RPC.Transport {
	case TransportGRPC, TransportHTTP:
		if role != RoleLocal && !isValidAddress(c.RPC.Listen) {
			add("rpc.listen", "invalid address format, expected host:port or :port")
		}
	case TransportLocal:
		if role != RoleLocal {
			add("rpc.transport", "local transport only works in local mode")
		}
	default:
		add("rpc.transport", fmt.Sprintf("unknown transport %q", c.RPC.Transport))
	}
	if c.RPC.MaxMsgSize < 0 {
		add("rpc.max_msg_size", "max message size must be non-negative")
	}

	if role == RoleMaster || role == RoleLocal {
		m := c.Master
		if m.HeartbeatInterval <= 0 {
			add("master.heartbeat_interval", "heartbeat interval must be positive")
		}
		if m.HeartbeatTimeout <= 0 {
			add("master.heartbeat_timeout", "heartbeat timeout must be positive")
		}
		if m.HeartbeatTimeout > 0 && m.HeartbeatInterval > 0 && m.HeartbeatTimeout <= m.HeartbeatInterval {
			add("master.heartbeat_timeout", "heartbeat timeout should be greater than heartbeat interval")
		}
		if m.TaskTimeout < 0 || m.SubTaskTimeout < 0 {
			add("master.task_timeout", "timeouts must be non-negative")
		}
		if m.MaxExecutions < 0 {
			add("master.max_executions", "max executions must be non-negative")
		}
		if c.REST.Address != "" && !isValidAddress(c.REST.Address) {
			add("rest.address", "invalid address format, expected host:port or :port")
		}
	}

	if role == RoleWorker || role == RoleLocal {
		w := c.Worker
		if role == RoleWorker && w.MasterAddr == "" {
			add("worker.master_addr", "master address is required")
		}
		if w.PoolSize < 0 {
			add("worker.pool_size", "pool size must be non-negative")
		}
		if w.QueueSize < 0 {
			add("worker.queue_size", "queue size must be non-negative")
		}
	}

	if c.Files.Root == "" {
		add("files.root", "files root is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Output {
	case "", "stdout", "both":
	case "file":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "file path is required when output is file")
		}
	default:
		add("logging.output", fmt.Sprintf("unknown output %q", c.Logging.Output))
	}

	return result.ErrorOrNil()
}

// isValidAddress checks if an address is in valid host:port or :port format.
func isValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
