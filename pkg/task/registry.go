package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/types"
)

// ResolveFunc 按名称动态解析处理器，用于 script:<module> 这类按前缀注册的任务类型。
type ResolveFunc func(name string) (Handler, bool)

// Registry 管理任务类型的注册和查找。
// 任务类型在节点启动时显式注册，值类型注册到同一个 codec.Types 中。
type Registry struct {
	handlers map[string]Handler
	prefixes map[string]ResolveFunc
	types    *codec.Types
	mu       sync.RWMutex
}

// NewRegistry 创建任务注册表，types 为 nil 时创建新的类型注册表。
func NewRegistry(types *codec.Types) *Registry {
	if types == nil {
		types = codec.NewTypes()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		prefixes: make(map[string]ResolveFunc),
		types:    types,
	}
}

// Types 返回值类型注册表。
func (r *Registry) Types() *codec.Types {
	return r.types
}

// Register 为给定名称注册处理器，重复注册返回错误。
// valueTypes 是该任务在线路上传递的值类型，按 名称、原型 成对出现。
func (r *Registry) Register(name string, handler Handler, valueTypes ...any) error {
	if handler == nil {
		return fmt.Errorf("不能注册空处理器: %s", name)
	}
	if name == "" {
		return fmt.Errorf("任务类型不能为空")
	}
	if len(valueTypes)%2 != 0 {
		return fmt.Errorf("值类型必须按 名称、原型 成对出现: %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("任务类型已注册: %s", name)
	}
	for i := 0; i < len(valueTypes); i += 2 {
		typeName, ok := valueTypes[i].(string)
		if !ok {
			return fmt.Errorf("值类型名称必须是字符串: %v", valueTypes[i])
		}
		if err := r.types.Register(typeName, valueTypes[i+1]); err != nil {
			return err
		}
	}
	r.handlers[name] = handler
	return nil
}

// MustRegister 注册处理器，如果出错则 panic。
func (r *Registry) MustRegister(name string, handler Handler, valueTypes ...any) {
	if err := r.Register(name, handler, valueTypes...); err != nil {
		panic(err)
	}
}

// RegisterPrefix 注册按前缀动态解析的任务类型。
func (r *Registry) RegisterPrefix(prefix string, resolve ResolveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = resolve
}

// Get 按名称获取处理器，精确匹配优先于前缀解析。
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	var resolve ResolveFunc
	if !ok {
		for prefix, fn := range r.prefixes {
			if strings.HasPrefix(name, prefix) {
				resolve = fn
				break
			}
		}
	}
	r.mu.RUnlock()

	if ok {
		return h, true
	}
	if resolve != nil {
		return resolve(name)
	}
	return nil, false
}

// GetOrError 获取处理器，不存在时返回 types.ErrUnknownTaskType 类错误。
func (r *Registry) GetOrError(name string) (Handler, error) {
	if h, ok := r.Get(name); ok {
		return h, nil
	}
	return nil, types.NewError(types.CodeUnknownTaskType, "unknown task type %q", name)
}

// Names 返回所有已注册的任务类型（已排序）。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
