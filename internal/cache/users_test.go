package cache

import (
	"context"
	"testing"
	"time"

	"github.com/torale/torale/internal/domain/user"
)

type fakeUserSource struct {
	users map[string]user.User
	gets  int
}

func (f *fakeUserSource) GetByID(ctx context.Context, id string) (user.User, error) {
	f.gets++
	return f.users[id], nil
}

func (f *fakeUserSource) AddVerifiedEmail(ctx context.Context, userID, email string) error {
	u := f.users[userID]
	u.VerifiedNotificationEmails = append(u.VerifiedNotificationEmails, email)
	f.users[userID] = u
	return nil
}

func TestCachedUsersServesFromCache(t *testing.T) {
	source := &fakeUserSource{users: map[string]user.User{
		"user-1": {ID: "user-1", Email: "a@example.com"},
	}}
	c := NewCachedUsers(source, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := c.GetByID(context.Background(), "user-1"); err != nil {
			t.Fatalf("get %d: %v", i+1, err)
		}
	}

	if source.gets != 1 {
		t.Fatalf("source hits = %d, want 1", source.gets)
	}
}

func TestAddVerifiedEmailInvalidates(t *testing.T) {
	source := &fakeUserSource{users: map[string]user.User{
		"user-1": {ID: "user-1", Email: "a@example.com"},
	}}
	c := NewCachedUsers(source, time.Minute)

	if _, err := c.GetByID(context.Background(), "user-1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := c.AddVerifiedEmail(context.Background(), "user-1", "alerts@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}

	u, err := c.GetByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get after add: %v", err)
	}

	if len(u.VerifiedNotificationEmails) != 1 {
		t.Fatalf("verified emails = %v, want the new address visible immediately", u.VerifiedNotificationEmails)
	}
	if source.gets != 2 {
		t.Fatalf("source hits = %d, want reload after invalidation", source.gets)
	}
}
