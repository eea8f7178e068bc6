package marketplace

import (
	"context"
	"strings"

	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

func (a *API) Jobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	return fetch[[]Job](ctx, a, JobListKey(filter), "/api/jobs", filter.Params())
}

func (a *API) Job(ctx context.Context, id string) (Job, error) {
	if id == "" {
		return Job{}, types.Errorf(types.ErrInvalidParameter, "job id is empty")
	}
	return fetch[Job](ctx, a, JobKey(id), "/api/jobs/"+segment(id), nil)
}

func (a *API) Categories(ctx context.Context) ([]JobCategory, error) {
	return fetch[[]JobCategory](ctx, a, CategoriesKey(), "/api/jobs/categories", nil)
}

// SearchJobs runs a free-text search. Blank queries return nothing without
// a request.
func (a *API) SearchJobs(ctx context.Context, q string) ([]Job, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}
	return fetch[[]Job](ctx, a, SearchKey(q), "/api/jobs/search", map[string]string{"q": q})
}

func (a *API) Applications(ctx context.Context, jobID string) ([]Application, error) {
	return fetch[[]Application](ctx, a, ApplicationsKey(jobID), applicationsPath(jobID), nil)
}

func (a *API) Conversations(ctx context.Context) ([]Conversation, error) {
	return fetch[[]Conversation](ctx, a, ConversationsKey(), "/api/conversations", nil)
}

func (a *API) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return fetch[[]Message](ctx, a, ConversationKey(conversationID), messagesPath(conversationID), nil)
}

func (a *API) Profile(ctx context.Context, userID string) (Profile, error) {
	return fetch[Profile](ctx, a, ProfileKey(userID), "/api/profile/"+segment(userID), nil)
}

func (a *API) Portfolio(ctx context.Context, userID string) ([]PortfolioItem, error) {
	return fetch[[]PortfolioItem](ctx, a, PortfolioKey(userID), "/api/portfolio/"+segment(userID), nil)
}

func (a *API) Certifications(ctx context.Context, userID string) ([]Certification, error) {
	return fetch[[]Certification](ctx, a, CertificationsKey(userID), "/api/certifications/"+segment(userID), nil)
}

func (a *API) Reviews(ctx context.Context, workerID string) ([]Review, error) {
	return fetch[[]Review](ctx, a, ReviewsKey(workerID), "/api/reviews/"+segment(workerID), nil)
}

// ReviewSummary aggregates the worker's cached reviews.
func (a *API) ReviewSummary(ctx context.Context, workerID string) (ReviewSummary, error) {
	reviews, err := a.Reviews(ctx, workerID)
	if err != nil {
		return ReviewSummary{}, err
	}
	return Summarize(reviews), nil
}

// WatchConversations keeps fn informed about the inbox.
func (a *API) WatchConversations(fn func([]Conversation, query.State)) (*query.Subscription, error) {
	return watch(a, ConversationsKey(), "/api/conversations", fn)
}

func (a *API) WatchMessages(conversationID string, fn func([]Message, query.State)) (*query.Subscription, error) {
	return watch(a, ConversationKey(conversationID), messagesPath(conversationID), fn)
}

func (a *API) WatchApplications(jobID string, fn func([]Application, query.State)) (*query.Subscription, error) {
	return watch(a, ApplicationsKey(jobID), applicationsPath(jobID), fn)
}

func applicationsPath(jobID string) string {
	return "/api/jobs/" + segment(jobID) + "/applications"
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + segment(conversationID) + "/messages"
}
