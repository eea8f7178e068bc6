package query

import (
	"math"
	"strconv"
	"strings"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

// Key identifies a cached resource. Segments are strings, booleans or
// numbers; integral numbers compare equal regardless of their Go type, so
// Key{"jobs", 42} and Key{"jobs", float64(42)} address the same entry.
type Key []any

func K(parts ...any) Key {
	return Key(parts)
}

type resolvedKey struct {
	key  Key
	hash string
	segs []string
}

// Hash returns the canonical serialization of k, or "" when k holds a
// segment of an unsupported type.
func (k Key) Hash() string {
	rk, err := resolve(k)
	if err != nil {
		return ""
	}
	return rk.hash
}

func (k Key) String() string {
	if h := k.Hash(); h != "" {
		return h
	}
	return "<invalid key>"
}

func (k Key) Validate() error {
	_, err := resolve(k)
	return err
}

func (k Key) Equal(other Key) bool {
	a, errA := resolve(k)
	b, errB := resolve(other)
	return errA == nil && errB == nil && a.hash == b.hash
}

// HasPrefix reports whether prefix is a leading sub-sequence of k. Every key
// has the empty prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	a, errA := resolve(k)
	b, errB := resolve(prefix)
	if errA != nil || errB != nil {
		return false
	}
	for i, seg := range b.segs {
		if a.segs[i] != seg {
			return false
		}
	}
	return true
}

// Append returns a new key; k is never modified.
func (k Key) Append(parts ...any) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

func resolve(k Key) (resolvedKey, error) {
	rk := resolvedKey{
		key:  make(Key, len(k)),
		segs: make([]string, len(k)),
	}

	for i, part := range k {
		norm, err := normalizeSegment(part)
		if err != nil {
			return resolvedKey{}, types.Errorf(types.ErrCacheKeyInvalid, "segment %d: %v", i, err)
		}

		enc, err := encodeSegment(norm)
		if err != nil {
			return resolvedKey{}, types.Errorf(types.ErrCacheKeyInvalid, "segment %d: %v", i, err)
		}

		rk.key[i] = norm
		rk.segs[i] = enc
	}

	rk.hash = "[" + strings.Join(rk.segs, ",") + "]"
	return rk, nil
}

func normalizeSegment(part any) (any, error) {
	switch v := part.(type) {
	case string, bool:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return normalizeUnsigned(uint64(v)), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUnsigned(v), nil
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	default:
		return nil, types.NewErrorf("unsupported type %T", part)
	}
}

func normalizeUnsigned(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

func normalizeFloat(v float64) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, types.NewErrorf("non-finite number %v", v)
	}
	if v == math.Trunc(v) && v >= math.MinInt64 && v < math.MaxInt64 {
		return int64(v), nil
	}
	return v, nil
}

func encodeSegment(v any) (string, error) {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(n), nil
	default:
		b, err := utils.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
