package models

import "time"

// User owns projects. Authentication lives outside this service; the user
// row exists for ownership and foreign keys.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Project scopes threads, resources, findings, and notifications.
// Instructions, when set, are prepended to every assistant turn's system
// prompt.
type Project struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Name         string    `json:"name" db:"name"`
	Instructions string    `json:"instructions" db:"instructions"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
