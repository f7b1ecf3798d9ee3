// Package matching implements the interest-based matching engine on top of
// the shared store's atomic transactions. Profiles, waiting pools, and
// pairings are mutated only through registered scripts, so concurrent match
// attempts from many sessions can never claim the same user twice or leave a
// paired user behind in a waiting pool.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joshuadlima/ChatterBox/internal/store"
)

// ErrNoProfile is returned by FindMatch when the caller has not submitted
// interests yet.
var ErrNoProfile = errors.New("matching: no profile for user")

const (
	metaPrefix     = "user_meta:"
	interestPrefix = "interest:"
)

// Engine owns the waiting-pool and profile data model. One instance is
// shared by all sessions; it carries no per-user state.
type Engine struct {
	store   *store.Client
	scripts *store.Registry
}

// NewEngine creates an Engine over the given store client and transaction
// registry.
func NewEngine(client *store.Client, scripts *store.Registry) *Engine {
	return &Engine{store: client, scripts: scripts}
}

// SetProfile overwrites the user's profile and reconciles waiting-pool
// membership with the new interest set. Calling it again with the same
// interests is a no-op beyond the overwrite. Re-profiling a paired user
// severs the pairing on both sides, like EndChat; the severed partner's
// user_id is returned so the caller's session can notify them, or an empty
// string when no pairing existed.
func (e *Engine) SetProfile(ctx context.Context, userID, channel string, interests []string) (string, error) {
	csv := strings.Join(interests, ",")
	res, err := e.scripts.Exec(ctx, store.ScriptSetProfile, nil, userID, channel, csv)
	if err != nil {
		return "", fmt.Errorf("matching: set profile for %s: %w", userID, err)
	}
	return scriptString(res), nil
}

// FindMatch scans the caller's waiting pools for an eligible stranger. On
// success both sides are atomically removed from every pool they occupy, the
// pairing is recorded, and the partner's user_id is returned. An empty
// return with nil error means no candidate was available; the caller stays
// in its pools. Returns ErrNoProfile if the caller never submitted interests.
func (e *Engine) FindMatch(ctx context.Context, userID, channel string) (string, error) {
	interests, err := e.Interests(ctx, userID)
	if err != nil {
		return "", err
	}
	if interests == nil {
		return "", ErrNoProfile
	}

	res, err := e.scripts.Exec(ctx, store.ScriptFindMatch, poolKeys(interests), userID, channel)
	if err != nil {
		return "", fmt.Errorf("matching: find match for %s: %w", userID, err)
	}
	return scriptString(res), nil
}

// StopMatching removes the user from all waiting pools of its current
// interest set. The profile survives, so the user can start matching again
// without resubmitting interests. Idempotent.
func (e *Engine) StopMatching(ctx context.Context, userID string) error {
	interests, err := e.Interests(ctx, userID)
	if err != nil {
		return err
	}
	if len(interests) == 0 {
		return nil // nothing to leave
	}

	if _, err := e.scripts.Exec(ctx, store.ScriptStopMatching, poolKeys(interests), userID); err != nil {
		return fmt.Errorf("matching: stop matching for %s: %w", userID, err)
	}
	return nil
}

// EndChat clears the pairing on both sides and returns the partner's
// user_id so the caller's session can notify them. Returns an empty string
// when the user was not in a chat.
func (e *Engine) EndChat(ctx context.Context, userID string) (string, error) {
	res, err := e.scripts.Exec(ctx, store.ScriptEndChat, nil, userID)
	if err != nil {
		return "", fmt.Errorf("matching: end chat for %s: %w", userID, err)
	}
	return scriptString(res), nil
}

// CleanUp is the disconnect-time teardown: it removes the user from all
// waiting pools, deletes the profile, clears any pairing, and returns the
// partner's user_id (if one existed) for notification. Safe to call for a
// user in any state, and running it twice is a harmless no-op.
func (e *Engine) CleanUp(ctx context.Context, userID string) (string, error) {
	res, err := e.scripts.Exec(ctx, store.ScriptCleanUp, nil, userID)
	if err != nil {
		return "", fmt.Errorf("matching: clean up for %s: %w", userID, err)
	}
	return scriptString(res), nil
}

// Interests returns the user's current interest tags, or nil when the user
// holds no profile.
func (e *Engine) Interests(ctx context.Context, userID string) ([]string, error) {
	exists, err := e.store.Exists(ctx, metaPrefix+userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	csv, err := e.store.HashGet(ctx, metaPrefix+userID, "interests")
	if err != nil {
		return nil, err
	}
	if csv == "" {
		return []string{}, nil
	}
	return strings.Split(csv, ","), nil
}

// Channel returns the routable pub/sub address recorded in a user's profile,
// or an empty string when the profile is gone.
func (e *Engine) Channel(ctx context.Context, userID string) (string, error) {
	return e.store.HashGet(ctx, metaPrefix+userID, "channel")
}

// Partner returns the user_id currently paired with the given user, or an
// empty string when unmatched.
func (e *Engine) Partner(ctx context.Context, userID string) (string, error) {
	return e.store.HashGet(ctx, metaPrefix+userID, "partner")
}

// poolKeys maps interest tags to their waiting-pool set keys.
func poolKeys(interests []string) []string {
	keys := make([]string, len(interests))
	for i, tag := range interests {
		keys[i] = interestPrefix + tag
	}
	return keys
}

// scriptString normalizes a script result: Lua false surfaces as nil, a
// matched user_id as a string.
func scriptString(res interface{}) string {
	if s, ok := res.(string); ok {
		return s
	}
	return ""
}
