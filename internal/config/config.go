package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	grpcclient "yqhp/cluster/api/grpc/client"
	grpcserver "yqhp/cluster/api/grpc/server"
	httptransport "yqhp/cluster/api/http"
	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/internal/master"
	"yqhp/cluster/internal/worker"
	"yqhp/cluster/pkg/logger"
)

// Transport names accepted by rpc.transport.
const (
	TransportGRPC  = "grpc"
	TransportHTTP  = "http"
	TransportLocal = "local"
)

// Config represents the complete configuration of a cluster node.
type Config struct {
	RPC     RPCConfig       `yaml:"rpc"`
	Master  master.Config   `yaml:"master"`
	Worker  WorkerConfig    `yaml:"worker"`
	Files   filesync.Config `yaml:"files"`
	REST    RESTConfig      `yaml:"rest"`
	Logging logger.Config   `yaml:"logging"`
}

// RPCConfig holds the transport configuration shared by masters and workers.
type RPCConfig struct {
	Transport string `yaml:"transport" env:"CL_RPC_TRANSPORT"`
	// Listen is the address the node's endpoint binds to.
	Listen string `yaml:"listen" env:"CL_RPC_LISTEN"`
	// Advertise is the address peers dial. Empty means the bound address.
	Advertise        string        `yaml:"advertise" env:"CL_RPC_ADVERTISE"`
	MaxMsgSize       int           `yaml:"max_msg_size" env:"CL_RPC_MAX_MSG_SIZE"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time" env:"CL_RPC_KEEPALIVE_TIME"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout" env:"CL_RPC_KEEPALIVE_TIMEOUT"`
	// CallTimeout bounds calls whose context carries no deadline (http only).
	CallTimeout time.Duration `yaml:"call_timeout" env:"CL_RPC_CALL_TIMEOUT"`
}

// WorkerConfig holds worker node configuration.
type WorkerConfig struct {
	worker.Config `yaml:",inline"`
	MasterAddr    string `yaml:"master_addr" env:"CL_WORKER_MASTER_ADDR"`
}

// RESTConfig holds the master's management API configuration.
// An empty address disables the API.
type RESTConfig struct {
	Address      string        `yaml:"address" env:"CL_REST_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"CL_REST_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"CL_REST_WRITE_TIMEOUT"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			Transport:        TransportGRPC,
			Listen:           ":9090",
			MaxMsgSize:       16 * 1024 * 1024, // 16MB
			KeepaliveTime:    10 * time.Second,
			KeepaliveTimeout: 30 * time.Second,
			CallTimeout:      60 * time.Second,
		},
		Master: master.DefaultConfig(),
		Worker: WorkerConfig{
			Config:     worker.DefaultConfig(),
			MasterAddr: "localhost:9090",
		},
		Files: filesync.Config{
			Root: "./data/files",
		},
		REST: RESTConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     7,
		},
	}
}

// GRPCClient returns the gRPC dial options derived from the rpc section.
func (c RPCConfig) GRPCClient() *grpcclient.Config {
	cfg := grpcclient.DefaultConfig()
	if c.MaxMsgSize > 0 {
		cfg.MaxRecvMsgSize = c.MaxMsgSize
		cfg.MaxSendMsgSize = c.MaxMsgSize
	}
	if c.KeepaliveTime > 0 {
		cfg.KeepaliveTime = c.KeepaliveTime
	}
	if c.KeepaliveTimeout > 0 {
		cfg.KeepaliveTimeout = c.KeepaliveTimeout
	}
	return cfg
}

// GRPCServer returns the gRPC server options derived from the rpc section.
func (c RPCConfig) GRPCServer() *grpcserver.Config {
	cfg := grpcserver.DefaultConfig()
	if c.MaxMsgSize > 0 {
		cfg.MaxRecvMsgSize = c.MaxMsgSize
		cfg.MaxSendMsgSize = c.MaxMsgSize
	}
	if c.KeepaliveTime > 0 {
		cfg.KeepaliveTime = c.KeepaliveTime
	}
	if c.KeepaliveTimeout > 0 {
		cfg.KeepaliveTimeout = c.KeepaliveTimeout
	}
	return cfg
}

// HTTP returns the fasthttp transport options derived from the rpc section.
func (c RPCConfig) HTTP() *httptransport.Config {
	cfg := httptransport.DefaultConfig()
	if c.MaxMsgSize > 0 {
		cfg.MaxRequestBodySize = c.MaxMsgSize
	}
	if c.CallTimeout > 0 {
		cfg.CallTimeout = c.CallTimeout
	}
	return cfg
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{cmdArgs: make(map[string]string)}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line overrides keyed by dotted YAML path,
// e.g. "rpc.listen" or "worker.pool_size".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := cfg.Set(key, value); err != nil {
			return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// Set sets one value by dotted YAML path.
func (c *Config) Set(path, value string) error {
	v := reflect.ValueOf(c).Elem()
	parts := strings.Split(path, ".")

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

// fieldByYAMLName finds the field tagged name, descending into inline structs.
func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		key, opts, _ := strings.Cut(tag, ",")
		if opts == "inline" {
			if f, ok := fieldByYAMLName(v.Field(i), name); ok {
				return f, true
			}
			continue
		}
		if key == "" {
			key = strings.ToLower(t.Field(i).Name)
		}
		if key == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Map:
		// key=value,key=value
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的 map 类型")
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok {
				m[strings.TrimSpace(k)] = strings.TrimSpace(val)
			}
		}
		field.Set(reflect.ValueOf(m))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
