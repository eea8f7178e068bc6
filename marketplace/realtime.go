package marketplace

import (
	"github.com/saiset-co/sai-query/realtime"
)

// Routes teaches router which cache keys each backend event makes stale.
// Event parent ids are the owning resource: the conversation of a message,
// the job of an application, the worker of a review.
func Routes(router *realtime.Router) {
	router.Handle("message.created", realtime.Prefixes(
		realtime.WithParent(RootConversations),
		realtime.Static(ConversationsKey()),
	))
	router.Handle("conversation.updated", realtime.Prefixes(
		realtime.WithID(RootConversations),
		realtime.Static(ConversationsKey()),
	))

	for _, t := range []string{"application.created", "application.updated"} {
		router.Handle(t, realtime.Prefixes(
			realtime.WithParent(RootApplications),
			realtime.WithParent(RootJobs),
		))
	}

	router.Handle("job.updated", realtime.Prefixes(realtime.WithID(RootJobs), realtime.Static(JobListsKey())))
	router.Handle("review.created", realtime.Prefixes(realtime.WithParent(RootReviews)))
	router.Handle("profile.updated", realtime.Prefixes(realtime.WithID(RootProfile)))

	router.HandleResource("jobs", realtime.Prefixes(realtime.Static(JobsKey())))
	router.HandleResource("portfolio", realtime.Prefixes(realtime.WithParent(RootPortfolio)))
	router.HandleResource("certifications", realtime.Prefixes(realtime.WithParent(RootCertifications)))
}
