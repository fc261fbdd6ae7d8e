package user

import "errors"

var ErrUserNotFound = errors.New("user not found")

// User is the projection the core needs: primary email, the verified
// notification addresses, and user-level webhook defaults.
type User struct {
	ID                         string   `json:"id"`
	Email                      string   `json:"email"`
	VerifiedNotificationEmails []string `json:"verifiedNotificationEmails"`
	WebhookURL                 *string  `json:"webhookUrl,omitempty"`
	WebhookSecret              *string  `json:"webhookSecret,omitempty"`
	WebhookEnabled             bool     `json:"webhookEnabled"`
}

func (u User) IsVerifiedEmail(email string) bool {
	if email == u.Email {
		return true
	}
	for _, e := range u.VerifiedNotificationEmails {
		if e == email {
			return true
		}
	}
	return false
}
