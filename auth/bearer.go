package auth

import (
	"context"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query/types"
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a token passed on the command line.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", types.ErrTokenNotFound
	}
	return string(t), nil
}

// BearerProvider sets the Authorization header from its TokenSource.
// Requests go out anonymously while no token exists.
type BearerProvider struct {
	source TokenSource
}

func NewBearerProvider(source TokenSource) *BearerProvider {
	return &BearerProvider{source: source}
}

func (p *BearerProvider) Type() string {
	return "bearer"
}

func (p *BearerProvider) Authenticate(ctx context.Context, req *fasthttp.Request) error {
	if p.source == nil {
		return nil
	}

	token, err := p.source.Token(ctx)
	if types.IsError(err, types.ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+strings.TrimSpace(token))
	return nil
}
