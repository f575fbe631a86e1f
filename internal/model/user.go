package model

import "time"

// User is an authenticated identity attached to a connection.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	Teams     []string  `json:"teams,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName returns "First Last", falling back to the email or id.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// PresenceUser is one entry of a room presence snapshot.
type PresenceUser struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// PresenceOf converts a user into a presence entry. A nil user is anonymous
// and identified by the connection id.
func PresenceOf(u *User, connID string) PresenceUser {
	if u == nil || u.ID == "" {
		return PresenceUser{ID: connID, IsAnonymous: true}
	}
	return PresenceUser{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
