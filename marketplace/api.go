package marketplace

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/client"
	"github.com/saiset-co/sai-query/mutation"
	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

// API is the typed marketplace surface: cached reads keyed by the factories
// in keys.go and writes that patch and invalidate those keys.
type API struct {
	http    *client.HTTPClient
	queries *query.Client
	coord   *mutation.Coordinator
	logger  types.Logger

	applyToJob          *mutation.Mutation[ApplyInput, Application]
	acceptApplication   *mutation.Mutation[DecideInput, Application]
	rejectApplication   *mutation.Mutation[DecideInput, Application]
	withdrawApplication *mutation.Mutation[DecideInput, Application]
	sendMessage         *mutation.Mutation[SendMessageInput, Message]
	updateProfile       *mutation.Mutation[UpdateProfileInput, Profile]
	assignProfileType   *mutation.Mutation[AssignProfileTypeInput, Profile]
	addPortfolioItem    *mutation.Mutation[AddPortfolioItemInput, PortfolioItem]
	deletePortfolioItem *mutation.Mutation[DeletePortfolioItemInput, struct{}]
	addCertification    *mutation.Mutation[AddCertificationInput, Certification]
	createReview        *mutation.Mutation[CreateReviewInput, Review]
}

func New(http *client.HTTPClient, coord *mutation.Coordinator, logger types.Logger) (*API, error) {
	if http == nil || coord == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "http client and mutation coordinator are required")
	}

	a := &API{
		http:    http,
		queries: coord.Queries(),
		coord:   coord,
		logger:  logger,
	}

	if err := Defaults(a.queries); err != nil {
		return nil, types.WrapError(err, "failed to register query defaults")
	}

	a.defineMutations()
	return a, nil
}

func (a *API) Queries() *query.Client {
	return a.queries
}

func (a *API) Coordinator() *mutation.Coordinator {
	return a.coord
}

// segment escapes one path segment of a backend route.
func segment(s string) string {
	return url.PathEscape(s)
}

func fetch[T any](ctx context.Context, a *API, key query.Key, path string, params map[string]string) (T, error) {
	return query.FetchAs(ctx, a.queries, key, func(ctx context.Context) (T, error) {
		return client.Get[T](ctx, a.http, path, params)
	}, nil)
}

// watch subscribes fn to key. fn receives the decoded data, or the zero T
// while nothing has loaded yet, with the raw cache state.
func watch[T any](a *API, key query.Key, path string, fn func(T, query.State)) (*query.Subscription, error) {
	loader := func(ctx context.Context) (any, error) {
		return client.Get[T](ctx, a.http, path, nil)
	}

	return a.queries.Subscribe(key, loader, func(st query.State) {
		var data T
		if st.HasData() {
			decoded, err := query.Decode[T](st.Data)
			if err != nil {
				a.logger.Warn("Failed to decode watched data", zap.String("key", key.String()), zap.Error(err))
				return
			}
			data = decoded
		}
		fn(data, st)
	}, nil)
}
