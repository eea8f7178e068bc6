package marketplace

import (
	"net/url"
	"strconv"
	"time"

	"github.com/saiset-co/sai-query/query"
)

// Key roots. Everything about one resource lives under its root so a single
// prefix invalidation reaches all of it.
const (
	RootJobs           = "jobs"
	RootApplications   = "job-applications"
	RootConversations  = "conversations"
	RootProfile        = "profile"
	RootPortfolio      = "portfolio"
	RootCertifications = "certifications"
	RootReviews        = "reviews"
)

func JobsKey() query.Key {
	return query.K(RootJobs)
}

// JobListsKey is the prefix of every job listing.
func JobListsKey() query.Key {
	return query.K(RootJobs, "list")
}

// JobListKey identifies one filtered job listing: ["jobs", "list"] plus the
// encoded filter when it is not empty.
func JobListKey(filter JobFilter) query.Key {
	key := JobListsKey()
	if params := filter.Params(); len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		key = key.Append(values.Encode())
	}
	return key
}

func JobKey(id string) query.Key {
	return query.K(RootJobs, id)
}

func CategoriesKey() query.Key {
	return query.K(RootJobs, "categories")
}

func SearchKey(q string) query.Key {
	return query.K(RootJobs, "search", q)
}

func ApplicationsKey(jobID string) query.Key {
	return query.K(RootApplications, jobID)
}

func ConversationsKey() query.Key {
	return query.K(RootConversations)
}

func ConversationKey(id string) query.Key {
	return query.K(RootConversations, id)
}

func ProfileKey(userID string) query.Key {
	return query.K(RootProfile, userID)
}

func PortfolioKey(userID string) query.Key {
	return query.K(RootPortfolio, userID)
}

func CertificationsKey(userID string) query.Key {
	return query.K(RootCertifications, userID)
}

func ReviewsKey(workerID string) query.Key {
	return query.K(RootReviews, workerID)
}

// Per-resource freshness. Categories barely change; conversations change
// constantly.
const (
	CategoriesStaleTime    = time.Hour
	JobsStaleTime          = 60 * time.Second
	ConversationsStaleTime = 10 * time.Second
)

// Defaults registers the per-resource query options on c. The categories
// prefix is longer than the jobs prefix and therefore wins for its keys.
func Defaults(c *query.Client) error {
	for _, d := range []struct {
		prefix query.Key
		opts   query.Options
	}{
		{JobsKey(), query.Options{StaleTime: JobsStaleTime}},
		{CategoriesKey(), query.Options{StaleTime: CategoriesStaleTime}},
		{ConversationsKey(), query.Options{StaleTime: ConversationsStaleTime}},
	} {
		if err := c.SetQueryDefaults(d.prefix, d.opts); err != nil {
			return err
		}
	}
	return nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
