package query

import (
	"context"
	"time"
)

type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a point-in-time copy of a cache entry.
type State struct {
	Key            Key       `json:"key"`
	Hash           string    `json:"hash"`
	Data           any       `json:"data,omitempty"`
	Err            error     `json:"-"`
	Error          string    `json:"error,omitempty"`
	Status         Status    `json:"status"`
	IsFetching     bool      `json:"is_fetching"`
	Stale          bool      `json:"stale"`
	Invalidated    bool      `json:"invalidated"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorUpdatedAt time.Time `json:"error_updated_at"`
	FailureCount   int       `json:"failure_count"`
	FetchCount     int       `json:"fetch_count"`
	Subscribers    int       `json:"subscribers"`
	Revision       uint64    `json:"revision"`
}

func (s State) HasData() bool {
	return s.Data != nil
}

type flight struct {
	gen        uint64
	cancel     context.CancelFunc
	fn         func() (interface{}, error)
	prevStatus Status
	done       chan struct{}
}

type entry struct {
	key  Key
	hash string
	segs []string

	data           any
	err            error
	status         Status
	dataUpdatedAt  time.Time
	errorUpdatedAt time.Time
	invalidated    bool
	failureCount   int
	fetchCount     int

	// revision moves on every data write; generation on every fetch start.
	revision   uint64
	generation uint64
	flight     *flight

	loader    Loader
	options   Options
	observers map[uint64]*Subscription

	gcTimer Timer
	gcSeq   uint64
}

func newEntry(rk resolvedKey) *entry {
	return &entry{
		key:       rk.key,
		hash:      rk.hash,
		segs:      rk.segs,
		observers: make(map[uint64]*Subscription),
	}
}

func (e *entry) fetching() bool {
	return e.flight != nil
}

func (e *entry) isStale(now time.Time, staleTime time.Duration) bool {
	if e.invalidated || e.status != StatusSuccess {
		return true
	}
	if staleTime == StaleNever {
		return false
	}
	return now.Sub(e.dataUpdatedAt) >= staleTime
}

func (e *entry) snapshot(now time.Time, opts resolvedOptions) State {
	s := State{
		Key:            e.key,
		Hash:           e.hash,
		Data:           e.data,
		Err:            e.err,
		Status:         e.status,
		IsFetching:     e.fetching(),
		Stale:          e.isStale(now, opts.staleTime),
		Invalidated:    e.invalidated,
		UpdatedAt:      e.dataUpdatedAt,
		ErrorUpdatedAt: e.errorUpdatedAt,
		FailureCount:   e.failureCount,
		FetchCount:     e.fetchCount,
		Subscribers:    len(e.observers),
		Revision:       e.revision,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventInvalidated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventInvalidated:
		return "invalidated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Event struct {
	Type  EventType
	State State
}

type Listener func(State)
