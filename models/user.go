package models

// User is an entry of the online-user list.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Credentials are produced by the login ceremony and hold everything a
// session needs to act for the local user.
type Credentials struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
	PrivateKey  string `json:"private_key"`
	Token       string `json:"token"`
}

// User returns the presence view of the credentials.
func (c Credentials) User() User {
	return User{ID: c.UserID, DisplayName: c.DisplayName}
}
