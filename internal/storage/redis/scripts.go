package redis

const (
	// initMarksScript sets any missing reset mark and returns both marks
	initMarksScript = `
local marks_key = KEYS[1]     -- numcheck:quota:marks
local date = ARGV[1]

redis.call('HSETNX', marks_key, 'daily', date)
redis.call('HSETNX', marks_key, 'monthly', date)

return redis.call('HMGET', marks_key, 'daily', 'monthly')
`

	// resetCounterScript zeroes one counter for every identity, but only if
	// the stored mark still equals the expected value
	resetCounterScript = `
local marks_key = KEYS[1]     -- numcheck:quota:marks
local users_key = KEYS[2]     -- numcheck:quota:users

local field = ARGV[1]         -- daily or monthly
local expected = ARGV[2]
local date = ARGV[3]
local usage_prefix = ARGV[4]  -- numcheck:quota:usage:

local current = redis.call('HGET', marks_key, field) or ''
if current ~= expected then
  return 0
end

local ids = redis.call('SMEMBERS', users_key)
for _, id in ipairs(ids) do
  redis.call('HSET', usage_prefix .. id, field, 0)
end

redis.call('HSET', marks_key, field, date)
return 1
`

	// incrementUsageScript adds one lookup to both counters of an identity
	incrementUsageScript = `
local usage_key = KEYS[1]     -- numcheck:quota:usage:{identity}
local users_key = KEYS[2]     -- numcheck:quota:users

local identity = ARGV[1]

local daily = redis.call('HINCRBY', usage_key, 'daily', 1)
local monthly = redis.call('HINCRBY', usage_key, 'monthly', 1)
redis.call('SADD', users_key, identity)

return {daily, monthly}
`

	// saveCredentialsScript replaces the credential blob and bumps its version
	saveCredentialsScript = `
local creds_key = KEYS[1]     -- numcheck:credentials

local data = ARGV[1]
local updated_at = ARGV[2]

local version = redis.call('HINCRBY', creds_key, 'version', 1)
redis.call('HSET', creds_key, 'data', data, 'updated_at', updated_at)

return version
`
)
