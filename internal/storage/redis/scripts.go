package redis

import "github.com/redis/go-redis/v9"

// Lua scripts executed atomically by Redis. Times are unix milliseconds supplied by the caller.

// acquireScript sets the lock if it is absent or expired and returns the new fencing token,
// 0 if an unexpired lock exists.
// KEYS[1] lock key, KEYS[2] fence counter key
// ARGV[1] owner, ARGV[2] now, ARGV[3] expires_at, ARGV[4] ttl
var acquireScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[2]) then
	return 0
end
local token = redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
	'owner', ARGV[1],
	'token', token,
	'acquired_at', ARGV[2],
	'renewed_at', ARGV[2],
	'expires_at', ARGV[3],
	'ttl', ARGV[4])
return token
`)

// renewScript extends the lease if owner and fencing token still match, returns 1 on success.
// KEYS[1] lock key
// ARGV[1] owner, ARGV[2] token, ARGV[3] now, ARGV[4] expires_at
var renewScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'token')
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], 'renewed_at', ARGV[3], 'expires_at', ARGV[4])
return 1
`)

// releaseScript deletes the lock if owner and fencing token still match, returns 1 on delete.
// KEYS[1] lock key
// ARGV[1] owner, ARGV[2] token
var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'token')
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// deleteExpiredScript deletes the lock if its expiry is unchanged since it was read and has
// passed, returns 1 on delete.
// KEYS[1] lock key
// ARGV[1] expires_at as read, ARGV[2] now
var deleteExpiredScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and exp == ARGV[1] and tonumber(exp) <= tonumber(ARGV[2]) then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
