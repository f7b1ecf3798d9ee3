package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/joshuadlima/ChatterBox/internal/store"
)

// setupTestEngine creates an Engine connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	client := store.NewClientFromRedis(rdb)
	return NewEngine(client, store.NewRegistry(client)), ctx
}

// profileTestUser is a helper that submits a profile for a user.
func profileTestUser(t *testing.T, e *Engine, ctx context.Context, userID string, interests []string) {
	t.Helper()
	if _, err := e.SetProfile(ctx, userID, "chan-"+userID, interests); err != nil {
		t.Fatalf("failed to set profile for %s: %v", userID, err)
	}
}

// poolMembers returns the waiting pool for a tag.
func poolMembers(t *testing.T, e *Engine, ctx context.Context, tag string) []string {
	t.Helper()
	members, err := e.store.SetMembers(ctx, interestPrefix+tag)
	if err != nil {
		t.Fatalf("failed to read pool %s: %v", tag, err)
	}
	return members
}

// ---------- SetProfile tests ----------

func TestSetProfile_AddsToWaitingPools(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming", "music"})

	for _, tag := range []string{"gaming", "music"} {
		members := poolMembers(t, e, ctx, tag)
		if len(members) != 1 || members[0] != "alice" {
			t.Errorf("expected alice in pool %s, got %v", tag, members)
		}
	}
}

func TestSetProfile_ReconcilesPoolsOnResubmit(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming", "music"})
	profileTestUser(t, e, ctx, "alice", []string{"music", "cooking"})

	if members := poolMembers(t, e, ctx, "gaming"); len(members) != 0 {
		t.Errorf("expected alice removed from dropped pool, got %v", members)
	}
	if members := poolMembers(t, e, ctx, "cooking"); len(members) != 1 {
		t.Errorf("expected alice added to new pool, got %v", members)
	}
	if members := poolMembers(t, e, ctx, "music"); len(members) != 1 {
		t.Errorf("expected alice still in kept pool, got %v", members)
	}
}

func TestSetProfile_Idempotent(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming"})
	profileTestUser(t, e, ctx, "alice", []string{"gaming"})

	if members := poolMembers(t, e, ctx, "gaming"); len(members) != 1 {
		t.Errorf("expected a single pool entry after resubmit, got %v", members)
	}

	interests, err := e.Interests(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(interests) != 1 || interests[0] != "gaming" {
		t.Errorf("expected interests [gaming], got %v", interests)
	}
}

// TestSetProfile_SeversStalePairingBothSides re-profiles one half of a
// matched pair and verifies the pairing is cleared on both sides, so the
// abandoned partner's later end_chat cannot reach into a pairing the user
// has since formed with someone else.
func TestSetProfile_SeversStalePairingBothSides(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})
	profileTestUser(t, e, ctx, "bob", []string{"general"})
	if _, err := e.FindMatch(ctx, "alice", "chan-alice"); err != nil {
		t.Fatalf("setup match failed: %v", err)
	}

	// Alice walks away from the chat by resubmitting interests.
	severed, err := e.SetProfile(ctx, "alice", "chan-alice", []string{"general"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if severed != "bob" {
		t.Fatalf("expected severed partner bob, got %q", severed)
	}
	if p, _ := e.Partner(ctx, "alice"); p != "" {
		t.Errorf("expected alice's pairing cleared, got %q", p)
	}
	if p, _ := e.Partner(ctx, "bob"); p != "" {
		t.Errorf("expected bob's pairing cleared, got %q", p)
	}

	// Alice pairs with carol; bob's stale end_chat must be a no-op.
	profileTestUser(t, e, ctx, "carol", []string{"general"})
	partner, err := e.FindMatch(ctx, "carol", "chan-carol")
	if err != nil {
		t.Fatalf("rematch failed: %v", err)
	}
	if partner != "alice" {
		t.Fatalf("expected carol matched with alice, got %q", partner)
	}

	stale, err := e.EndChat(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stale != "" {
		t.Errorf("expected bob's end_chat to find no pairing, got %q", stale)
	}
	if p, _ := e.Partner(ctx, "alice"); p != "carol" {
		t.Errorf("expected alice still paired with carol, got %q", p)
	}
	if p, _ := e.Partner(ctx, "carol"); p != "alice" {
		t.Errorf("expected carol still paired with alice, got %q", p)
	}
}

// ---------- FindMatch tests ----------

func TestFindMatch_PairsTwoUsersAndStripsPools(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general", "music"})
	profileTestUser(t, e, ctx, "bob", []string{"general", "travel"})

	partner, err := e.FindMatch(ctx, "alice", "chan-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "bob" {
		t.Fatalf("expected bob as partner, got %q", partner)
	}

	// Both sides must be gone from every pool they occupied.
	for _, tag := range []string{"general", "music", "travel"} {
		if members := poolMembers(t, e, ctx, tag); len(members) != 0 {
			t.Errorf("pool %s not emptied after match: %v", tag, members)
		}
	}

	// The pairing is recorded symmetrically.
	if p, _ := e.Partner(ctx, "alice"); p != "bob" {
		t.Errorf("expected alice paired with bob, got %q", p)
	}
	if p, _ := e.Partner(ctx, "bob"); p != "alice" {
		t.Errorf("expected bob paired with alice, got %q", p)
	}
}

func TestFindMatch_NoCandidateLeavesCallerSearching(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})

	partner, err := e.FindMatch(ctx, "alice", "chan-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "" {
		t.Fatalf("expected no match, got %q", partner)
	}

	// No side effects: alice stays in her pool for a future attempt.
	if members := poolMembers(t, e, ctx, "general"); len(members) != 1 {
		t.Errorf("expected alice still waiting, got %v", members)
	}
}

func TestFindMatch_SkipsSelf(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})

	partner, err := e.FindMatch(ctx, "alice", "chan-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "" {
		t.Errorf("expected no match when only self is waiting, got %q", partner)
	}
}

func TestFindMatch_NoSharedInterest(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming"})
	profileTestUser(t, e, ctx, "bob", []string{"cooking"})

	partner, err := e.FindMatch(ctx, "alice", "chan-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "" {
		t.Errorf("expected no match without shared interests, got %q", partner)
	}
}

func TestFindMatch_NoProfile(t *testing.T) {
	e, ctx := setupTestEngine(t)

	_, err := e.FindMatch(ctx, "ghost", "chan-ghost")
	if !errors.Is(err, ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
}

// TestFindMatch_ConcurrentCallersNeverDoubleMatch drives many simultaneous
// match attempts over one overlapping interest tag and verifies every
// resulting pairing is exclusive and mutual: no user ends up as the partner
// of two others.
func TestFindMatch_ConcurrentCallersNeverDoubleMatch(t *testing.T) {
	e, ctx := setupTestEngine(t)

	const n = 20
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
		profileTestUser(t, e, ctx, users[i], []string{"general"})
	}

	var wg sync.WaitGroup
	results := make([]string, n)
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			partner, err := e.FindMatch(ctx, users[i], "chan-"+users[i])
			if err != nil {
				t.Errorf("find match for %s: %v", users[i], err)
				return
			}
			results[i] = partner
		}(i)
	}
	wg.Wait()

	// Count how many times each user was claimed as a partner.
	claimed := make(map[string]int)
	for _, p := range results {
		if p != "" {
			claimed[p]++
		}
	}
	for uid, count := range claimed {
		if count > 1 {
			t.Errorf("user %s was claimed by %d concurrent callers", uid, count)
		}
	}

	// Every recorded pairing must be mutual.
	for _, uid := range users {
		p, err := e.Partner(ctx, uid)
		if err != nil {
			t.Fatalf("partner lookup for %s: %v", uid, err)
		}
		if p == "" {
			continue
		}
		back, err := e.Partner(ctx, p)
		if err != nil {
			t.Fatalf("partner lookup for %s: %v", p, err)
		}
		if back != uid {
			t.Errorf("asymmetric pairing: %s -> %s -> %s", uid, p, back)
		}
	}

	// Matched users must not linger in the waiting pool.
	for _, uid := range poolMembers(t, e, ctx, "general") {
		if p, _ := e.Partner(ctx, uid); p != "" {
			t.Errorf("matched user %s still in waiting pool", uid)
		}
	}
}

// ---------- StopMatching tests ----------

func TestStopMatching_RemovesFromPoolsKeepsProfile(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming", "music"})

	if err := e.StopMatching(ctx, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, tag := range []string{"gaming", "music"} {
		if members := poolMembers(t, e, ctx, tag); len(members) != 0 {
			t.Errorf("expected empty pool %s, got %v", tag, members)
		}
	}

	interests, err := e.Interests(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(interests) != 2 {
		t.Errorf("expected profile to survive stop_matching, got %v", interests)
	}
}

func TestStopMatching_IdempotentAndSafeWithoutProfile(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming"})

	if err := e.StopMatching(ctx, "alice"); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := e.StopMatching(ctx, "alice"); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if err := e.StopMatching(ctx, "ghost"); err != nil {
		t.Fatalf("stop for unprofiled user failed: %v", err)
	}
}

// ---------- EndChat tests ----------

func TestEndChat_ClearsPairingBothSides(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})
	profileTestUser(t, e, ctx, "bob", []string{"general"})
	if _, err := e.FindMatch(ctx, "alice", "chan-alice"); err != nil {
		t.Fatalf("setup match failed: %v", err)
	}

	partner, err := e.EndChat(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "bob" {
		t.Fatalf("expected partner bob, got %q", partner)
	}

	if p, _ := e.Partner(ctx, "alice"); p != "" {
		t.Errorf("expected alice's pairing cleared, got %q", p)
	}
	if p, _ := e.Partner(ctx, "bob"); p != "" {
		t.Errorf("expected bob's pairing cleared, got %q", p)
	}

	// Both keep their profiles and can match again.
	for _, uid := range []string{"alice", "bob"} {
		interests, err := e.Interests(ctx, uid)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if interests == nil {
			t.Errorf("expected %s to keep a profile after end_chat", uid)
		}
	}
}

func TestEndChat_NotInChat(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})

	partner, err := e.EndChat(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "" {
		t.Errorf("expected empty partner for unmatched user, got %q", partner)
	}
}

// ---------- CleanUp tests ----------

func TestCleanUp_WhileSearching(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"gaming", "music"})

	partner, err := e.CleanUp(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "" {
		t.Errorf("expected no partner while searching, got %q", partner)
	}

	for _, tag := range []string{"gaming", "music"} {
		if members := poolMembers(t, e, ctx, tag); len(members) != 0 {
			t.Errorf("expected pool %s emptied, got %v", tag, members)
		}
	}
	interests, err := e.Interests(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interests != nil {
		t.Errorf("expected profile deleted, got %v", interests)
	}
}

func TestCleanUp_WhileMatchedReturnsPartner(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})
	profileTestUser(t, e, ctx, "bob", []string{"general"})
	if _, err := e.FindMatch(ctx, "alice", "chan-alice"); err != nil {
		t.Fatalf("setup match failed: %v", err)
	}

	partner, err := e.CleanUp(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partner != "bob" {
		t.Fatalf("expected partner bob, got %q", partner)
	}

	// The surviving side is unpaired but keeps its profile.
	if p, _ := e.Partner(ctx, "bob"); p != "" {
		t.Errorf("expected bob's pairing cleared, got %q", p)
	}
	interests, err := e.Interests(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interests == nil {
		t.Error("expected bob to keep his profile")
	}
}

func TestCleanUp_Idempotent(t *testing.T) {
	e, ctx := setupTestEngine(t)

	profileTestUser(t, e, ctx, "alice", []string{"general"})

	if _, err := e.CleanUp(ctx, "alice"); err != nil {
		t.Fatalf("first cleanup failed: %v", err)
	}
	partner, err := e.CleanUp(ctx, "alice")
	if err != nil {
		t.Fatalf("second cleanup failed: %v", err)
	}
	if partner != "" {
		t.Errorf("expected no side effects on second cleanup, got partner %q", partner)
	}
}

func TestCleanUp_NeverProfiled(t *testing.T) {
	e, ctx := setupTestEngine(t)

	if _, err := e.CleanUp(ctx, "ghost"); err != nil {
		t.Fatalf("cleanup for unprofiled user failed: %v", err)
	}
}
