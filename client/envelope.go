package client

import (
	"context"
	"encoding/json"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

// Envelope is the backend's response wrapper. Endpoints that answer with a
// bare document are accepted too.
type Envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

// Data returns the payload of the response: the envelope's data field when
// the body is an envelope, otherwise the whole body. An envelope that
// reports success false is an *types.APIError whatever the status code.
func (r *Response) Data() ([]byte, error) {
	if len(r.Body) == 0 {
		return nil, nil
	}

	var env Envelope
	if err := utils.Unmarshal(r.Body, &env); err != nil || env.Success == nil {
		return r.Body, nil
	}
	if !*env.Success {
		return nil, apiError(r.Status, r.Body)
	}
	return env.Data, nil
}

// Decode unmarshals the response payload into target.
func (r *Response) Decode(target any) error {
	data, err := r.Data()
	if err != nil {
		return err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if err := utils.UnmarshalInto(data, target); err != nil {
		return types.Errorf(types.ErrClientResponseInvalid, "request %s: %v", r.RequestID, err)
	}
	return nil
}

// Get fetches path and decodes its payload as T.
func Get[T any](ctx context.Context, c *HTTPClient, path string, query map[string]string) (T, error) {
	var out T

	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Send issues a write with body and decodes the payload as T.
func Send[T any](ctx context.Context, c *HTTPClient, method, path string, body any) (T, error) {
	var out T

	resp, err := c.Do(ctx, &Request{Method: method, Path: path, Body: body})
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
