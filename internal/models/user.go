package models

// User is the identity handed over by the auth collaborator.
type User struct {
	ID       int64   `db:"id" json:"id"`
	Username string  `db:"username" json:"username"`
	Avatar   *string `db:"avatar" json:"avatar"`
}
