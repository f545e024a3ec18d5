package mongo

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	appchat "chatsync/internal/app/chat"
	domainchat "chatsync/internal/domain/chat"
)

const profilesCollection = "profiles"

// ProfileRepository reads display profiles from the profiles collection.
type ProfileRepository struct {
	col *mongo.Collection
}

func NewProfileRepository(db *mongo.Database) *ProfileRepository {
	return &ProfileRepository{col: db.Collection(profilesCollection)}
}

// Profiles loads the profiles for ids in one query. Unknown ids are absent
// from the result.
func (r *ProfileRepository) Profiles(ctx context.Context, ids []string) (map[string]domainchat.Profile, error) {
	out := make(map[string]domainchat.Profile, len(ids))
	wanted := uniqueIDs(ids)
	if len(wanted) == 0 {
		return out, nil
	}
	opts := options.Find().SetProjection(bson.M{"display_name": 1, "avatar_ref": 1, "city": 1})
	cur, err := r.col.Find(ctx, bson.M{"_id": bson.M{"$in": wanted}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find profiles: %w", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var doc profileDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out[doc.ID] = doc.toDomain()
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts a profile.
func (r *ProfileRepository) Save(ctx context.Context, p domainchat.Profile) error {
	doc := newProfileDocument(p)
	if doc.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	_, err := r.col.UpdateByID(ctx, doc.ID, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return err
}

type profileDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarRef   string `bson:"avatar_ref,omitempty"`
	City        string `bson:"city,omitempty"`
}

func newProfileDocument(p domainchat.Profile) profileDocument {
	return profileDocument{
		ID:          strings.TrimSpace(p.ID),
		DisplayName: strings.TrimSpace(p.DisplayName),
		AvatarRef:   strings.TrimSpace(p.AvatarRef),
		City:        strings.TrimSpace(p.City),
	}
}

func (d profileDocument) toDomain() domainchat.Profile {
	return domainchat.Profile{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		AvatarRef:   d.AvatarRef,
		City:        d.City,
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

var _ appchat.ProfileStore = (*ProfileRepository)(nil)
