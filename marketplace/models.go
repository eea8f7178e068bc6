package marketplace

import "time"

type ApplicationStatus string

const (
	ApplicationPending   ApplicationStatus = "PENDING"
	ApplicationAccepted  ApplicationStatus = "ACCEPTED"
	ApplicationRejected  ApplicationStatus = "REJECTED"
	ApplicationWithdrawn ApplicationStatus = "WITHDRAWN"
)

type ProfileType string

const (
	ProfileClient ProfileType = "CLIENT"
	ProfileWorker ProfileType = "WORKER"
	ProfileAgency ProfileType = "AGENCY"
)

type JobStatus string

const (
	JobOpen       JobStatus = "OPEN"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobCancelled  JobStatus = "CANCELLED"
)

type Job struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CategoryID  string    `json:"categoryId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Status      JobStatus `json:"status,omitempty"`
	Budget      float64   `json:"budget,omitempty"`
	Location    string    `json:"location,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type JobCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

type JobFilter struct {
	CategoryID string    `json:"categoryId,omitempty"`
	Status     JobStatus `json:"status,omitempty"`
	Location   string    `json:"location,omitempty"`
	Page       int       `json:"page,omitempty"`
}

// Params renders the filter as query string values. Empty fields are left out.
func (f JobFilter) Params() map[string]string {
	params := make(map[string]string)
	if f.CategoryID != "" {
		params["category"] = f.CategoryID
	}
	if f.Status != "" {
		params["status"] = string(f.Status)
	}
	if f.Location != "" {
		params["location"] = f.Location
	}
	if f.Page > 0 {
		params["page"] = itoa(f.Page)
	}
	return params
}

type Application struct {
	ID          string            `json:"id"`
	JobID       string            `json:"jobId"`
	WorkerID    string            `json:"workerId"`
	Status      ApplicationStatus `json:"status"`
	CoverLetter string            `json:"coverLetter,omitempty"`
	Rate        float64           `json:"rate,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	JobID         string    `json:"jobId,omitempty"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
	// Pending marks an optimistic message the backend has not confirmed.
	Pending bool `json:"pending,omitempty"`
}

type Profile struct {
	UserID   string      `json:"userId"`
	Name     string      `json:"name"`
	Email    string      `json:"email,omitempty"`
	Phone    string      `json:"phone,omitempty"`
	Bio      string      `json:"bio,omitempty"`
	Avatar   string      `json:"avatar,omitempty"`
	Type     ProfileType `json:"type,omitempty"`
	Skills   []string    `json:"skills,omitempty"`
	Location string      `json:"location,omitempty"`
}

type PortfolioItem struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Images      []string  `json:"images,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Certification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Issuer    string    `json:"issuer"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	URL       string    `json:"url,omitempty"`
}

type Review struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"workerId"`
	AuthorID  string    `json:"authorId"`
	JobID     string    `json:"jobId,omitempty"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
