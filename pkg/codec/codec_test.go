package codec

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type point struct {
	X int    `json:"x"`
	Y int    `json:"y"`
	N string `json:"n"`
}

type quotaError struct {
	Limit int    `json:"limit"`
	Owner string `json:"owner"`
}

func (e *quotaError) Error() string {
	return fmt.Sprintf("quota %d exceeded by %s", e.Limit, e.Owner)
}

func newTestCodec(t *testing.T) *JSON {
	t.Helper()
	types := NewTypes()
	require.NoError(t, types.Register("point", point{}))
	require.NoError(t, types.Register("quota_error", &quotaError{}))
	return NewJSON(types)
}

func roundTrip(t require.TestingT, c *JSON, v any) any {
	data, err := c.Marshal(v)
	require.NoError(t, err)
	out, err := c.Unmarshal(data, nil)
	require.NoError(t, err)
	return out
}

// TestRoundTripScalarsProperty 任意已注册的标量值序列化后再反序列化应保持不变
func TestRoundTripScalarsProperty(t *testing.T) {
	c := newTestCodec(t)
	rapid.Check(t, func(t *rapid.T) {
		var v any
		switch rapid.IntRange(0, 6).Draw(t, "kind") {
		case 0:
			v = rapid.Int().Draw(t, "int")
		case 1:
			v = rapid.Int64().Draw(t, "int64")
		case 2:
			v = rapid.Float64().Draw(t, "float64")
		case 3:
			v = rapid.StringMatching(`[a-zA-Z0-9 _\-]{0,24}`).Draw(t, "string")
		case 4:
			v = rapid.Bool().Draw(t, "bool")
		case 5:
			v = rapid.SliceOf(rapid.Byte()).Draw(t, "bytes")
		case 6:
			v = point{
				X: rapid.Int().Draw(t, "x"),
				Y: rapid.Int().Draw(t, "y"),
				N: rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "n"),
			}
		}

		out := roundTrip(t, c, v)
		assert.Equal(t, reflect.TypeOf(v), reflect.TypeOf(out))
		assert.Equal(t, v, out)
	})
}

// TestRoundTripListProperty 混合类型列表逐元素保持类型与顺序
func TestRoundTripListProperty(t *testing.T) {
	c := newTestCodec(t)
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		list := make([]any, n)
		for i := range list {
			if rapid.Bool().Draw(t, "nil") {
				continue
			}
			list[i] = rapid.Int().Draw(t, "item")
		}

		out := roundTrip(t, c, list)
		assert.Equal(t, list, out)
	})
}

func TestRoundTripPointer(t *testing.T) {
	c := newTestCodec(t)

	out := roundTrip(t, c, &point{X: 1, Y: 2, N: "p"})
	p, ok := out.(*point)
	require.True(t, ok, "expected *point, got %T", out)
	assert.Equal(t, point{X: 1, Y: 2, N: "p"}, *p)

	var nilPoint *point
	assert.Nil(t, roundTrip(t, c, nilPoint))
}

func TestRoundTripNestedDict(t *testing.T) {
	c := newTestCodec(t)
	in := map[string]any{
		"sum":    int64(9),
		"labels": []string{"a", "b"},
		"inner":  []any{"x", 1, map[string]any{"ok": true}},
		"empty":  nil,
		"at":     time.Duration(3 * time.Second),
	}

	assert.Equal(t, in, roundTrip(t, c, in))
}

func TestRoundTripTime(t *testing.T) {
	c := newTestCodec(t)
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	out := roundTrip(t, c, now)
	got, ok := out.(time.Time)
	require.True(t, ok)
	assert.True(t, now.Equal(got))
}

func TestRoundTripRegisteredError(t *testing.T) {
	c := newTestCodec(t)
	in := &quotaError{Limit: 3, Owner: "w1"}

	out := roundTrip(t, c, error(in))
	err, ok := out.(error)
	require.True(t, ok)

	var qe *quotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, in, qe)
	assert.Equal(t, in.Error(), err.Error())
}

func TestRoundTripUnregisteredError(t *testing.T) {
	c := newTestCodec(t)

	out := roundTrip(t, c, errors.New("disk full"))
	var remote *RemoteError
	require.True(t, errors.As(out.(error), &remote))
	assert.Equal(t, "disk full", remote.Error())
	assert.Equal(t, "*errors.errorString", remote.Type)
}

func TestRoundTripNil(t *testing.T) {
	c := newTestCodec(t)
	assert.Nil(t, roundTrip(t, c, nil))
}

func TestMarshalUnregisteredType(t *testing.T) {
	c := newTestCodec(t)
	type secret struct{ V int }

	_, err := c.Marshal(secret{V: 1})
	var ee *EncodeError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Type, "secret")

	_, err = c.Marshal([]any{1, secret{}})
	require.ErrorAs(t, err, &ee)
}

func TestUnmarshalUnknownType(t *testing.T) {
	sender := newTestCodec(t)
	receiver := NewJSON(nil)

	data, err := sender.Marshal(point{X: 1})
	require.NoError(t, err)

	_, err = receiver.Unmarshal(data, nil)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, data, de.Payload)
}

func TestUnmarshalResolverHook(t *testing.T) {
	sender := newTestCodec(t)
	receiver := NewJSON(nil)

	data, err := sender.Marshal(point{X: 7})
	require.NoError(t, err)

	hook := ResolverFunc(func(name string) (reflect.Type, bool) {
		if name == "point" {
			return reflect.TypeOf(point{}), true
		}
		return nil, false
	})
	out, err := receiver.Unmarshal(data, hook)
	require.NoError(t, err)
	assert.Equal(t, point{X: 7}, out)
}

func TestUnmarshalMalformed(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Unmarshal([]byte("{not json"), nil)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []byte("{not json"), de.Payload)
}

func TestRegister(t *testing.T) {
	types := NewTypes()

	assert.Error(t, types.Register("list", point{}))
	assert.Error(t, types.Register("", point{}))
	assert.Error(t, types.Register("p", nil))

	require.NoError(t, types.Register("point", point{}))
	require.NoError(t, types.Register("point", &point{}), "same name and type is a no-op")
	assert.Error(t, types.Register("point", quotaError{}))
	assert.Error(t, types.Register("point2", point{}))

	assert.Contains(t, types.Names(), "point")
	name, ptr, ok := types.NameOf(reflect.TypeOf(&point{}))
	assert.True(t, ok)
	assert.True(t, ptr)
	assert.Equal(t, "point", name)
}
