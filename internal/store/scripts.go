package store

// Transaction names registered with the Registry. Each maps to one Lua body
// executed server-side as a single atomic step: concurrent callers observe
// the store only before or after a transaction, never mid-way.
const (
	ScriptSetProfile   = "set_profile"
	ScriptFindMatch    = "find_match"
	ScriptStopMatching = "stop_matching"
	ScriptEndChat      = "end_chat"
	ScriptCleanUp      = "clean_up"
)

// Key layout shared by all transaction bodies:
//
//	user_meta:<user_id>  hash  channel, interests (csv), partner
//	interest:<tag>       set   user_ids currently searching under <tag>

// setProfileLua overwrites a user's profile and reconciles waiting-pool
// membership: the user is removed from pools of interests no longer held and
// added to pools of the new interest set. A live pairing is severed on BOTH
// sides, the same way end_chat does it, so the old partner never holds a
// reference to a user who has re-entered the waiting pools. Returns the
// severed partner's user_id for notification, or false when there was none.
//
// ARGV: user_id, channel, interests_csv
const setProfileLua = `
local uid = ARGV[1]
local meta = 'user_meta:' .. uid

local old = redis.call('HGET', meta, 'interests')
if old and old ~= '' then
    for tag in string.gmatch(old, '([^,]+)') do
        redis.call('SREM', 'interest:' .. tag, uid)
    end
end

local partner = redis.call('HGET', meta, 'partner')
if partner and partner ~= '' then
    redis.call('HDEL', 'user_meta:' .. partner, 'partner')
end

redis.call('HSET', meta, 'channel', ARGV[2], 'interests', ARGV[3])
redis.call('HDEL', meta, 'partner')

if ARGV[3] ~= '' then
    for tag in string.gmatch(ARGV[3], '([^,]+)') do
        redis.call('SADD', 'interest:' .. tag, uid)
    end
end

if partner and partner ~= '' then
    return partner
end
return false
`

// findMatchLua scans the caller's waiting pools for the first candidate that
// is not the caller and still holds a live profile. On a hit it removes both
// sides from every pool they occupy and records the pairing on both profiles,
// all within the same atomic step, so no concurrent caller can claim either
// side. Returns the partner's user_id, or false when no candidate exists.
//
// KEYS: interest:<tag> for each of the caller's interests
// ARGV: user_id, channel
const findMatchLua = `
local uid = ARGV[1]

for i = 1, #KEYS do
    local members = redis.call('SMEMBERS', KEYS[i])
    for _, cand in ipairs(members) do
        if cand ~= uid and redis.call('EXISTS', 'user_meta:' .. cand) == 1 then
            for _, id in ipairs({uid, cand}) do
                local ints = redis.call('HGET', 'user_meta:' .. id, 'interests')
                if ints and ints ~= '' then
                    for tag in string.gmatch(ints, '([^,]+)') do
                        redis.call('SREM', 'interest:' .. tag, id)
                    end
                end
            end
            redis.call('HSET', 'user_meta:' .. uid, 'partner', cand)
            redis.call('HSET', 'user_meta:' .. cand, 'partner', uid)
            return cand
        end
    end
end

return false
`

// stopMatchingLua removes the user from the named waiting pools. Removing an
// absent member is a no-op, which makes the operation idempotent. The profile
// is left untouched.
//
// KEYS: interest:<tag> for each of the user's interests
// ARGV: user_id
const stopMatchingLua = `
for i = 1, #KEYS do
    redis.call('SREM', KEYS[i], ARGV[1])
end
return 1
`

// endChatLua clears the pairing on both sides and returns the partner's
// user_id for notification, or false when the user was not in a chat. Both
// profiles survive so either side can start matching again.
//
// ARGV: user_id
const endChatLua = `
local uid = ARGV[1]
local meta = 'user_meta:' .. uid

local partner = redis.call('HGET', meta, 'partner')
if not partner or partner == '' then
    return false
end

redis.call('HDEL', meta, 'partner')
redis.call('HDEL', 'user_meta:' .. partner, 'partner')
return partner
`

// cleanUpLua is the disconnect-time teardown: it removes the user from all
// waiting pools, drops the pairing from the partner's profile, deletes the
// user's own profile, and returns the partner's user_id (if any) for
// notification. Safe to run for a user in any state, including one that was
// never profiled.
//
// ARGV: user_id
const cleanUpLua = `
local uid = ARGV[1]
local meta = 'user_meta:' .. uid

local ints = redis.call('HGET', meta, 'interests')
if ints and ints ~= '' then
    for tag in string.gmatch(ints, '([^,]+)') do
        redis.call('SREM', 'interest:' .. tag, uid)
    end
end

local partner = redis.call('HGET', meta, 'partner')
if partner and partner ~= '' then
    redis.call('HDEL', 'user_meta:' .. partner, 'partner')
end

redis.call('DEL', meta)

if partner and partner ~= '' then
    return partner
end
return false
`

// scriptBodies maps every transaction name to its Lua source. The Registry
// loads the whole table in one pass.
var scriptBodies = map[string]string{
	ScriptSetProfile:   setProfileLua,
	ScriptFindMatch:    findMatchLua,
	ScriptStopMatching: stopMatchingLua,
	ScriptEndChat:      endChatLua,
	ScriptCleanUp:      cleanUpLua,
}
