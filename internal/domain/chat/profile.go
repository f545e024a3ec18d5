package chat

// Profile is the display data joined into a conversation summary.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"-"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	City        string `json:"city,omitempty"`
}

// Name falls back to a placeholder when the profile has no display name.
func (p Profile) Name() string {
	if p.DisplayName == "" {
		return "Unknown User"
	}
	return p.DisplayName
}
