// Package model defines the GlobalTrade entities exchanged with the backend.
package model

import (
	"errors"
	"strings"
	"time"
)

var ErrEmailEmpty = errors.New("email must not be empty")
var ErrPasswordEmpty = errors.New("password must not be empty")

// User is the authenticated user's profile as returned by the backend.
// It is owned by the auth controller and replaced wholesale, never merged.
type User struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	FullName    string    `json:"full_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Country     string    `json:"country,omitempty"`
	Language    string    `json:"language,omitempty"`
	CompanyName string    `json:"company_name,omitempty"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegisterRequest carries the fields sent to the registration endpoint.
// ConfirmPassword is checked locally and never serialized.
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"-"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Country         string `json:"country,omitempty"`
	Language        string `json:"language,omitempty"`
	CompanyName     string `json:"company_name,omitempty"`
}

// Validate checks the locally verifiable registration fields.
func (r *RegisterRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return ErrEmailEmpty
	}
	if r.Password == "" {
		return ErrPasswordEmpty
	}
	if r.ConfirmPassword != "" && r.ConfirmPassword != r.Password {
		return errors.New("passwords do not match")
	}
	return nil
}
