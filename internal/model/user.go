package model

// Profile is the display identity carried in tokens and on messages.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}
