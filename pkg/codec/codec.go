// Package codec serializes values and errors that cross node boundaries.
//
// Every value travels inside an envelope naming its registered type, so the
// receiver can rebuild the concrete Go value, including errors. Lists and
// string-keyed maps of mixed values are encoded element by element.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

// Serializer turns values into bytes and back. Unmarshal consults hook
// before the serializer's own registry.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, hook Resolver) (any, error)
}

type envelope struct {
	Type  string          `json:"t,omitempty"`
	Ptr   bool            `json:"p,omitempty"`
	Err   bool            `json:"e,omitempty"`
	Value json.RawMessage `json:"v,omitempty"`
}

// JSON is the default Serializer, backed by sonic.
type JSON struct {
	types *Types
}

// NewJSON creates a JSON serializer over the given registry. A nil registry
// gets the built-in types only.
func NewJSON(types *Types) *JSON {
	if types == nil {
		types = NewTypes()
	}
	return &JSON{types: types}
}

// Types returns the registry backing the serializer.
func (c *JSON) Types() *Types {
	return c.types
}

// Marshal implements Serializer.
func (c *JSON) Marshal(v any) ([]byte, error) {
	env, err := c.encode(v)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (c *JSON) encode(v any) (*envelope, error) {
	if v == nil {
		return &envelope{}, nil
	}

	switch x := v.(type) {
	case []any:
		items := make([]*envelope, len(x))
		for i, item := range x {
			e, err := c.encode(item)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return c.wrap(nameList, false, false, items)
	case map[string]any:
		items := make(map[string]*envelope, len(x))
		for k, item := range x {
			e, err := c.encode(item)
			if err != nil {
				return nil, err
			}
			items[k] = e
		}
		return c.wrap(nameDict, false, false, items)
	}

	rt := reflect.TypeOf(v)
	_, isErr := v.(error)
	if name, ptr, ok := c.types.NameOf(rt); ok {
		if ptr && reflect.ValueOf(v).IsNil() {
			return &envelope{}, nil
		}
		return c.wrap(name, ptr, isErr, v)
	}
	if isErr {
		remote := &RemoteError{Type: rt.String(), Message: v.(error).Error()}
		return c.wrap(nameError, true, true, remote)
	}
	return nil, &EncodeError{Type: rt.String()}
}

func (c *JSON) wrap(name string, ptr, isErr bool, v any) (*envelope, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Type: name, Cause: err}
	}
	return &envelope{Type: name, Ptr: ptr, Err: isErr, Value: raw}, nil
}

// Unmarshal implements Serializer.
func (c *JSON) Unmarshal(data []byte, hook Resolver) (any, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Payload: data, Cause: err}
	}
	v, err := c.decode(&env, Chain(hook, c.types))
	if err != nil {
		if de, ok := err.(*DecodeError); ok && de.Payload == nil {
			de.Payload = data
		}
		return nil, err
	}
	return v, nil
}

func (c *JSON) decode(env *envelope, resolver Resolver) (any, error) {
	switch env.Type {
	case "":
		return nil, nil
	case nameList:
		var items []*envelope
		if err := sonic.Unmarshal(env.Value, &items); err != nil {
			return nil, &DecodeError{Reason: "malformed list", Cause: err}
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := c.decode(item, resolver)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case nameDict:
		var items map[string]*envelope
		if err := sonic.Unmarshal(env.Value, &items); err != nil {
			return nil, &DecodeError{Reason: "malformed dict", Cause: err}
		}
		out := make(map[string]any, len(items))
		for k, item := range items {
			v, err := c.decode(item, resolver)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}

	rt, ok := resolver.TypeOf(env.Type)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
	ptr := reflect.New(rt)
	if err := sonic.Unmarshal(env.Value, ptr.Interface()); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("decode %q", env.Type), Cause: err}
	}
	var v any
	if env.Ptr {
		v = ptr.Interface()
	} else {
		v = ptr.Elem().Interface()
	}
	if env.Err {
		if _, ok := v.(error); !ok {
			return nil, &DecodeError{Reason: fmt.Sprintf("type %q is not an error", env.Type)}
		}
	}
	return v, nil
}
