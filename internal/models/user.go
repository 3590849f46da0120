package models

// User is the identity reference owned by the profile service.
type User struct {
	ID          string `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"displayName"`
}
