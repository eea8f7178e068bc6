package client

import (
	"errors"
	"net"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

func networkError(method, path string, err error) *types.NetworkError {
	return &types.NetworkError{
		Method:  method,
		Path:    path,
		Timeout: isTimeout(err),
		Err:     err,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type errorBody struct {
	Error   any            `json:"error"`
	Message string         `json:"message"`
	Code    any            `json:"code"`
	Details map[string]any `json:"details"`
}

// apiError builds the failure for a non-2xx response. The message comes
// from the body's error field (a string, or an object with a message),
// then its message field, then a generic text.
func apiError(status int, body []byte) *types.APIError {
	out := &types.APIError{Status: status}

	var eb errorBody
	if len(body) > 0 && utils.Unmarshal(body, &eb) == nil {
		switch v := eb.Error.(type) {
		case string:
			out.Message = v
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				out.Message = msg
			}
			out.Code = codeString(v["code"])
			if details, ok := v["details"].(map[string]any); ok {
				out.Details = details
			}
		}

		if out.Message == "" {
			out.Message = eb.Message
		}
		if out.Code == "" {
			out.Code = codeString(eb.Code)
		}
		if out.Details == nil {
			out.Details = eb.Details
		}
	}

	if out.Message == "" {
		out.Message = "Request failed with status " + strconv.Itoa(status)
	}
	return out
}

func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	default:
		return ""
	}
}
