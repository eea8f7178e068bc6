package marketplace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query/client"
	"github.com/saiset-co/sai-query/mutation"
	"github.com/saiset-co/sai-query/query"
)

// TempIDPrefix marks ids of optimistic records until the backend assigns
// the real one.
const TempIDPrefix = "temp-"

type ApplyInput struct {
	JobID       string  `json:"jobId" validate:"required"`
	CoverLetter string  `json:"coverLetter,omitempty" validate:"max=2000"`
	Rate        float64 `json:"rate,omitempty" validate:"gte=0"`
}

type DecideInput struct {
	JobID         string `json:"jobId" validate:"required"`
	ApplicationID string `json:"applicationId" validate:"required"`
}

type SendMessageInput struct {
	ConversationID string `json:"conversationId" validate:"required"`
	SenderID       string `json:"senderId" validate:"required"`
	Body           string `json:"body" validate:"required,max=5000"`
}

// UpdateProfileInput changes the non-empty fields only.
type UpdateProfileInput struct {
	UserID   string   `json:"-" validate:"required"`
	Name     string   `json:"name,omitempty" validate:"omitempty,min=2,max=100"`
	Phone    string   `json:"phone,omitempty" validate:"omitempty,e164"`
	Bio      string   `json:"bio,omitempty" validate:"max=1000"`
	Avatar   string   `json:"avatar,omitempty" validate:"omitempty,url"`
	Location string   `json:"location,omitempty" validate:"max=200"`
	Skills   []string `json:"skills,omitempty" validate:"omitempty,max=50,dive,required"`
}

type AssignProfileTypeInput struct {
	UserID string      `json:"userId" validate:"required"`
	Type   ProfileType `json:"type" validate:"required,oneof=CLIENT WORKER AGENCY"`
}

type AddPortfolioItemInput struct {
	UserID      string   `json:"userId" validate:"required"`
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description,omitempty" validate:"max=2000"`
	Images      []string `json:"images,omitempty" validate:"max=20,dive,url"`
}

type DeletePortfolioItemInput struct {
	UserID string `json:"userId" validate:"required"`
	ItemID string `json:"itemId" validate:"required"`
}

type AddCertificationInput struct {
	UserID    string    `json:"userId" validate:"required"`
	Name      string    `json:"name" validate:"required,max=200"`
	Issuer    string    `json:"issuer" validate:"required,max=200"`
	IssuedAt  time.Time `json:"issuedAt" validate:"required"`
	ExpiresAt time.Time `json:"expiresAt,omitempty" validate:"omitempty,gtfield=IssuedAt"`
	URL       string    `json:"url,omitempty" validate:"omitempty,url"`
}

type CreateReviewInput struct {
	WorkerID string `json:"workerId" validate:"required"`
	JobID    string `json:"jobId,omitempty"`
	Rating   int    `json:"rating" validate:"required,min=1,max=5"`
	Comment  string `json:"comment,omitempty" validate:"max=2000"`
}

func (a *API) ApplyToJob(ctx context.Context, in ApplyInput) (Application, error) {
	return a.applyToJob.Mutate(ctx, in)
}

func (a *API) AcceptApplication(ctx context.Context, in DecideInput) (Application, error) {
	return a.acceptApplication.Mutate(ctx, in)
}

func (a *API) RejectApplication(ctx context.Context, in DecideInput) (Application, error) {
	return a.rejectApplication.Mutate(ctx, in)
}

func (a *API) WithdrawApplication(ctx context.Context, in DecideInput) (Application, error) {
	return a.withdrawApplication.Mutate(ctx, in)
}

func (a *API) SendMessage(ctx context.Context, in SendMessageInput) (Message, error) {
	return a.sendMessage.Mutate(ctx, in)
}

func (a *API) UpdateProfile(ctx context.Context, in UpdateProfileInput) (Profile, error) {
	return a.updateProfile.Mutate(ctx, in)
}

func (a *API) AssignProfileType(ctx context.Context, in AssignProfileTypeInput) (Profile, error) {
	return a.assignProfileType.Mutate(ctx, in)
}

func (a *API) AddPortfolioItem(ctx context.Context, in AddPortfolioItemInput) (PortfolioItem, error) {
	return a.addPortfolioItem.Mutate(ctx, in)
}

func (a *API) DeletePortfolioItem(ctx context.Context, in DeletePortfolioItemInput) error {
	_, err := a.deletePortfolioItem.Mutate(ctx, in)
	return err
}

func (a *API) AddCertification(ctx context.Context, in AddCertificationInput) (Certification, error) {
	return a.addCertification.Mutate(ctx, in)
}

func (a *API) CreateReview(ctx context.Context, in CreateReviewInput) (Review, error) {
	return a.createReview.Mutate(ctx, in)
}

func (a *API) defineMutations() {
	a.applyToJob = mutation.Define(a.coord, mutation.Options[ApplyInput, Application]{
		Name: "apply-to-job",
		Fn: func(ctx context.Context, in ApplyInput) (Application, error) {
			return client.Send[Application](ctx, a.http, fasthttp.MethodPost, applicationsPath(in.JobID), in)
		},
		Invalidates: func(in ApplyInput, _ Application) []query.Key {
			return []query.Key{ApplicationsKey(in.JobID), JobKey(in.JobID)}
		},
	})

	a.acceptApplication = a.defineDecision("accept-application", ApplicationAccepted)
	a.rejectApplication = a.defineDecision("reject-application", ApplicationRejected)
	a.withdrawApplication = a.defineDecision("withdraw-application", ApplicationWithdrawn)

	a.sendMessage = mutation.Define(a.coord, mutation.Options[SendMessageInput, Message]{
		Name: "send-message",
		Fn: func(ctx context.Context, in SendMessageInput) (Message, error) {
			return client.Send[Message](ctx, a.http, fasthttp.MethodPost, messagesPath(in.ConversationID), in)
		},
		Optimistic: func(in SendMessageInput) []mutation.Patch {
			draft := Message{
				ID:             TempIDPrefix + uuid.NewString(),
				ConversationID: in.ConversationID,
				SenderID:       in.SenderID,
				Body:           in.Body,
				SentAt:         time.Now().UTC(),
				Pending:        true,
			}
			return []mutation.Patch{{
				Key: ConversationKey(in.ConversationID),
				Update: func(old any) any {
					return patchList(old, func(items []Message) []Message {
						return append(items, draft)
					})
				},
			}}
		},
		Invalidates: func(in SendMessageInput, _ Message) []query.Key {
			return []query.Key{ConversationKey(in.ConversationID), ConversationsKey()}
		},
	})

	a.updateProfile = mutation.Define(a.coord, mutation.Options[UpdateProfileInput, Profile]{
		Name: "update-profile",
		Fn: func(ctx context.Context, in UpdateProfileInput) (Profile, error) {
			return client.Send[Profile](ctx, a.http, fasthttp.MethodPut, "/api/profile/"+segment(in.UserID), in)
		},
		Optimistic: func(in UpdateProfileInput) []mutation.Patch {
			return []mutation.Patch{{
				Key: ProfileKey(in.UserID),
				Update: func(old any) any {
					if old == nil {
						return nil
					}
					profile, err := query.Decode[Profile](old)
					if err != nil {
						return nil
					}
					return mergeProfile(profile, in)
				},
			}}
		},
		Invalidates: func(in UpdateProfileInput, _ Profile) []query.Key {
			return []query.Key{ProfileKey(in.UserID)}
		},
	})

	a.assignProfileType = mutation.Define(a.coord, mutation.Options[AssignProfileTypeInput, Profile]{
		Name: "assign-profile-type",
		Fn: func(ctx context.Context, in AssignProfileTypeInput) (Profile, error) {
			return client.Send[Profile](ctx, a.http, fasthttp.MethodPost, "/api/profile/type", in)
		},
		Invalidates: func(in AssignProfileTypeInput, _ Profile) []query.Key {
			return []query.Key{ProfileKey(in.UserID)}
		},
	})

	a.addPortfolioItem = mutation.Define(a.coord, mutation.Options[AddPortfolioItemInput, PortfolioItem]{
		Name: "add-portfolio-item",
		Fn: func(ctx context.Context, in AddPortfolioItemInput) (PortfolioItem, error) {
			return client.Send[PortfolioItem](ctx, a.http, fasthttp.MethodPost, "/api/portfolio", in)
		},
		Invalidates: func(in AddPortfolioItemInput, _ PortfolioItem) []query.Key {
			return []query.Key{PortfolioKey(in.UserID)}
		},
	})

	a.deletePortfolioItem = mutation.Define(a.coord, mutation.Options[DeletePortfolioItemInput, struct{}]{
		Name: "delete-portfolio-item",
		Fn: func(ctx context.Context, in DeletePortfolioItemInput) (struct{}, error) {
			return client.Send[struct{}](ctx, a.http, fasthttp.MethodDelete, "/api/portfolio/"+segment(in.ItemID), nil)
		},
		Optimistic: func(in DeletePortfolioItemInput) []mutation.Patch {
			return []mutation.Patch{{
				Key: PortfolioKey(in.UserID),
				Update: func(old any) any {
					return patchList(old, func(items []PortfolioItem) []PortfolioItem {
						out := items[:0]
						for _, item := range items {
							if item.ID != in.ItemID {
								out = append(out, item)
							}
						}
						return out
					})
				},
			}}
		},
		Invalidates: func(in DeletePortfolioItemInput, _ struct{}) []query.Key {
			return []query.Key{PortfolioKey(in.UserID)}
		},
	})

	a.addCertification = mutation.Define(a.coord, mutation.Options[AddCertificationInput, Certification]{
		Name: "add-certification",
		Fn: func(ctx context.Context, in AddCertificationInput) (Certification, error) {
			return client.Send[Certification](ctx, a.http, fasthttp.MethodPost, "/api/certifications", in)
		},
		Invalidates: func(in AddCertificationInput, _ Certification) []query.Key {
			return []query.Key{CertificationsKey(in.UserID)}
		},
	})

	a.createReview = mutation.Define(a.coord, mutation.Options[CreateReviewInput, Review]{
		Name: "create-review",
		Fn: func(ctx context.Context, in CreateReviewInput) (Review, error) {
			return client.Send[Review](ctx, a.http, fasthttp.MethodPost, "/api/reviews", in)
		},
		Invalidates: func(in CreateReviewInput, _ Review) []query.Key {
			return []query.Key{ReviewsKey(in.WorkerID)}
		},
	})
}

// defineDecision builds the status change mutations on an application. The
// cached application list shows the new status at once and reverts if the
// backend refuses.
func (a *API) defineDecision(name string, status ApplicationStatus) *mutation.Mutation[DecideInput, Application] {
	return mutation.Define(a.coord, mutation.Options[DecideInput, Application]{
		Name: name,
		Fn: func(ctx context.Context, in DecideInput) (Application, error) {
			return client.Send[Application](ctx, a.http, fasthttp.MethodPatch,
				"/api/applications/"+segment(in.ApplicationID),
				map[string]any{"status": status, "jobId": in.JobID})
		},
		Optimistic: func(in DecideInput) []mutation.Patch {
			return []mutation.Patch{{
				Key: ApplicationsKey(in.JobID),
				Update: func(old any) any {
					return patchList(old, func(items []Application) []Application {
						for i := range items {
							if items[i].ID == in.ApplicationID {
								items[i].Status = status
							}
						}
						return items
					})
				},
			}}
		},
		Invalidates: func(in DecideInput, _ Application) []query.Key {
			return []query.Key{ApplicationsKey(in.JobID), JobKey(in.JobID)}
		},
	})
}

// patchList applies fn to a copy of the cached list. Nothing is cached, or
// the cached value is not a list of T: the entry is left alone.
func patchList[T any](old any, fn func([]T) []T) any {
	if old == nil {
		return nil
	}

	items, err := query.Decode[[]T](old)
	if err != nil {
		return nil
	}
	return fn(append([]T(nil), items...))
}

func mergeProfile(p Profile, in UpdateProfileInput) Profile {
	if in.Name != "" {
		p.Name = in.Name
	}
	if in.Phone != "" {
		p.Phone = in.Phone
	}
	if in.Bio != "" {
		p.Bio = in.Bio
	}
	if in.Avatar != "" {
		p.Avatar = in.Avatar
	}
	if in.Location != "" {
		p.Location = in.Location
	}
	if in.Skills != nil {
		p.Skills = append([]string(nil), in.Skills...)
	}
	return p
}
