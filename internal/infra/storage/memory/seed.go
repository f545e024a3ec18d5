package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	domainchat "chatsync/internal/domain/chat"
)

type profileSeed struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
	City        string `json:"city"`
}

// ReadProfiles loads a JSON array of profiles used to seed a profile store.
func ReadProfiles(path string) ([]domainchat.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var seeds []profileSeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("decode profiles %s: %w", path, err)
	}
	out := make([]domainchat.Profile, 0, len(seeds))
	for i, s := range seeds {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("profiles %s: entry %d has no id", path, i)
		}
		out = append(out, domainchat.Profile{
			ID:          id,
			DisplayName: strings.TrimSpace(s.DisplayName),
			AvatarRef:   strings.TrimSpace(s.AvatarRef),
			City:        strings.TrimSpace(s.City),
		})
	}
	return out, nil
}
