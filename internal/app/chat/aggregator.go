package chat

import (
	"context"
	"log/slog"
	"sync"

	domainchat "chatsync/internal/domain/chat"
)

// Aggregator keeps the conversation list of one user. A failed refresh
// leaves the last good snapshot in place.
type Aggregator struct {
	Messages MessageStore
	Profiles ProfileStore
	Avatars  AvatarSigner
	Logger   *slog.Logger

	mu       sync.RWMutex
	snapshot []domainchat.Summary
}

// Refresh recomputes the summaries for the session's user.
func (a *Aggregator) Refresh(ctx context.Context, session Session) ([]domainchat.Summary, error) {
	messages, err := a.Messages.ListForUser(ctx, session.UserID)
	if err != nil {
		a.logWarn("conversation fetch failed", err, "user_id", session.UserID)
		return a.Snapshot(), fetchFailed("messages", err)
	}
	counterparts := domainchat.Counterparts(session.UserID, messages)
	profiles := map[string]domainchat.Profile{}
	if len(counterparts) > 0 {
		profiles, err = a.Profiles.Profiles(ctx, counterparts)
		if err != nil {
			a.logWarn("profile fetch failed", err, "user_id", session.UserID)
			return a.Snapshot(), fetchFailed("profiles", err)
		}
	}
	signAvatars(ctx, a.Avatars, a.Logger, profiles)

	summaries := domainchat.Aggregate(session.UserID, messages, profiles)
	a.mu.Lock()
	a.snapshot = summaries
	a.mu.Unlock()
	return a.Snapshot(), nil
}

// Snapshot returns a copy of the last computed list.
func (a *Aggregator) Snapshot() []domainchat.Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domainchat.Summary, len(a.snapshot))
	copy(out, a.snapshot)
	return out
}

// signAvatars resolves avatar refs in place. A signing failure leaves the
// URL empty; the profile is still shown.
func signAvatars(ctx context.Context, signer AvatarSigner, logger *slog.Logger, profiles map[string]domainchat.Profile) {
	if signer == nil {
		return
	}
	for id, p := range profiles {
		if p.AvatarRef == "" || p.AvatarURL != "" {
			continue
		}
		url, err := signer.SignAvatar(ctx, p.AvatarRef)
		if err != nil {
			if logger != nil {
				logger.Warn("avatar signing failed", "error", err, "profile_id", id)
			}
			continue
		}
		p.AvatarURL = url
		profiles[id] = p
	}
}

func (a *Aggregator) logWarn(msg string, err error, args ...any) {
	if a.Logger == nil {
		return
	}
	a.Logger.Warn(msg, append([]any{"error", err}, args...)...)
}
