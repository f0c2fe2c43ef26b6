// Package notificationtest records notifications instead of delivering them.
package notificationtest

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chama/internal/notification"
)

// Sent is one recorded call. UserID is zero for NotifyAll.
type Sent struct {
	UserID   snowflake.ID
	ChamaID  snowflake.ID
	Exclude  snowflake.ID
	Message  string
	Category notification.Category
	All      bool
}

type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Notify(_ context.Context, userID, chamaID snowflake.ID, message string, category notification.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{UserID: userID, ChamaID: chamaID, Message: message, Category: category})
}

func (r *Recorder) NotifyAll(_ context.Context, chamaID snowflake.ID, message string, category notification.Category, excludeUserID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{ChamaID: chamaID, Exclude: excludeUserID, Message: message, Category: category, All: true})
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// ByCategory filters recorded calls.
func (r *Recorder) ByCategory(category notification.Category) []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out
}
