package codec

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Resolver maps a wire type name to a Go type. Nodes pass a resolver backed
// by their current code image so names introduced by distributed user code
// resolve on receipt.
type Resolver interface {
	TypeOf(name string) (reflect.Type, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (reflect.Type, bool)

// TypeOf implements Resolver.
func (f ResolverFunc) TypeOf(name string) (reflect.Type, bool) {
	return f(name)
}

// Chain returns a resolver consulting rs in order. Nil entries are skipped.
func Chain(rs ...Resolver) Resolver {
	return ResolverFunc(func(name string) (reflect.Type, bool) {
		for _, r := range rs {
			if r == nil {
				continue
			}
			if t, ok := r.TypeOf(name); ok {
				return t, true
			}
		}
		return nil, false
	})
}

// Reserved wire names.
const (
	nameList  = "list"
	nameDict  = "dict"
	nameError = "error"
)

// Types is an explicit registry of the value types allowed on the wire.
// A registered type is accepted both as a value and as a pointer.
type Types struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypes creates a registry pre-populated with scalar types, byte slices,
// time values and RemoteError.
func NewTypes() *Types {
	t := &Types{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	t.MustRegister("bool", false)
	t.MustRegister("int", int(0))
	t.MustRegister("int32", int32(0))
	t.MustRegister("int64", int64(0))
	t.MustRegister("uint64", uint64(0))
	t.MustRegister("float64", float64(0))
	t.MustRegister("string", "")
	t.MustRegister("bytes", []byte(nil))
	t.MustRegister("ints", []int(nil))
	t.MustRegister("strings", []string(nil))
	t.MustRegister("time", time.Time{})
	t.MustRegister("duration", time.Duration(0))
	t.MustRegister(nameError, RemoteError{})
	return t
}

// Register adds a named type. Registering the same name for the same type
// twice is a no-op; reusing a name for a different type is an error.
func (t *Types) Register(name string, prototype any) error {
	if name == "" || name == nameList || name == nameDict {
		return fmt.Errorf("codec: reserved or empty type name %q", name)
	}
	if prototype == nil {
		return fmt.Errorf("codec: nil prototype for %q", name)
	}
	rt := reflect.TypeOf(prototype)
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byName[name]; ok {
		if existing == rt {
			return nil
		}
		return fmt.Errorf("codec: type name %q already registered for %s", name, existing)
	}
	if existing, ok := t.byType[rt]; ok {
		return fmt.Errorf("codec: type %s already registered as %q", rt, existing)
	}
	t.byName[name] = rt
	t.byType[rt] = name
	return nil
}

// MustRegister registers a type and panics on error.
func (t *Types) MustRegister(name string, prototype any) {
	if err := t.Register(name, prototype); err != nil {
		panic(err)
	}
}

// TypeOf implements Resolver.
func (t *Types) TypeOf(name string) (reflect.Type, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rt, ok := t.byName[name]
	return rt, ok
}

// NameOf returns the wire name of rt and whether rt was a pointer to it.
func (t *Types) NameOf(rt reflect.Type) (name string, ptr bool, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if name, ok = t.byType[rt]; ok {
		return name, false, true
	}
	if rt.Kind() == reflect.Pointer {
		if name, ok = t.byType[rt.Elem()]; ok {
			return name, true, true
		}
	}
	return "", false, false
}

// Names returns the registered names in sorted order.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
