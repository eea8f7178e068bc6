package query

import (
	"context"
	"encoding/json"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

// FetchAs is Fetch with a typed loader and result.
func FetchAs[T any](ctx context.Context, c *Client, key Key, loader func(ctx context.Context) (T, error), opts *Options) (T, error) {
	var wrapped Loader
	if loader != nil {
		wrapped = func(ctx context.Context) (any, error) {
			v, err := loader(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		}
	}

	data, err := c.Fetch(ctx, key, wrapped, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](data)
}

// DataAs reads the cached data of key as T.
func DataAs[T any](c *Client, key Key) (T, bool) {
	var zero T

	data, ok := c.GetData(key)
	if !ok {
		return zero, false
	}

	v, err := Decode[T](data)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Decode converts cached data to T. Data restored from persistence arrives
// as raw JSON and is decoded; other shapes go through a JSON round trip.
func Decode[T any](data any) (T, error) {
	var out T

	switch v := data.(type) {
	case T:
		return v, nil
	case nil:
		return out, types.ErrCacheEntryNotFound
	case json.RawMessage:
		err := utils.Unmarshal(v, &out)
		return out, types.WrapError(err, "failed to decode cached data")
	case []byte:
		err := utils.Unmarshal(v, &out)
		return out, types.WrapError(err, "failed to decode cached data")
	}

	raw, err := utils.Marshal(data)
	if err != nil {
		return out, types.WrapError(err, "failed to encode cached data")
	}
	err = utils.Unmarshal(raw, &out)
	return out, types.WrapError(err, "failed to decode cached data")
}
