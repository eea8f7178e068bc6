package utils

import "sync"

var cache sync.Map

func Intern(buf []byte) string {
	if v, ok := cache.Load(string(buf)); ok {
		return v.(string)
	}

	s := string(buf)
	cache.Store(s, s)
	return s
}

// Truncate cuts s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n || n < 4 {
		return s
	}
	return s[:n-3] + "..."
}
