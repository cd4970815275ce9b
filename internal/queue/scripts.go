package queue

import "github.com/redis/go-redis/v9"

// KEYS: job, wait
// ARGV: id, name, data, attempts, timestamp
var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "name", ARGV[2], "data", ARGV[3], "attempts", ARGV[4],
  "attemptsMade", "0", "stalledCounter", "0", "state", "waiting", "progress", "0", "timestamp", ARGV[5])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// KEYS: job, wait, delayed
// ARGV: id
var removeScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return -1
end
if state ~= "waiting" and state ~= "delayed" then
  return 0
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

// KEYS: job, lock
// ARGV: token, lock ms, now ms
var startScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
redis.call("HSET", KEYS[1], "state", "active", "processedOn", ARGV[3])
return 1
`)

// KEYS: lock
// ARGV: token, lock ms
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS: job, active, lock
// ARGV: id, token, now ms, retention ms
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[2] then
  return -1
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("DEL", KEYS[3])
redis.call("HSET", KEYS[1], "state", "completed", "finishedOn", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

// KEYS: job, active, lock
// ARGV: id, token, now ms, reason, attempts made
var failScript = redis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[2] then
  return -1
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("DEL", KEYS[3])
redis.call("HSET", KEYS[1], "state", "failed", "finishedOn", ARGV[3], "failedReason", ARGV[4], "attemptsMade", ARGV[5])
return 1
`)

// KEYS: job, active, lock, delayed
// ARGV: id, token, due ms, reason, attempts made
var retryScript = redis.NewScript(`
if redis.call("GET", KEYS[3]) ~= ARGV[2] then
  return -1
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("DEL", KEYS[3])
redis.call("HSET", KEYS[1], "state", "delayed", "failedReason", ARGV[4], "attemptsMade", ARGV[5])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
return 1
`)

// KEYS: delayed, wait
// ARGV: now ms, job key prefix
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  if redis.call("EXISTS", ARGV[2] .. id) == 1 then
    redis.call("HSET", ARGV[2] .. id, "state", "waiting")
    redis.call("LPUSH", KEYS[2], id)
  end
end
return #ids
`)

// KEYS: active, lock, job, wait
// ARGV: id, max stalled count, now ms
var stalledScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
if redis.call("LREM", KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
if redis.call("EXISTS", KEYS[3]) == 0 then
  return 0
end
local n = redis.call("HINCRBY", KEYS[3], "stalledCounter", 1)
if n > tonumber(ARGV[2]) then
  redis.call("HSET", KEYS[3], "state", "failed", "finishedOn", ARGV[3], "failedReason", "job stalled more than allowable limit")
  return 2
end
redis.call("HSET", KEYS[3], "state", "waiting")
redis.call("RPUSH", KEYS[4], ARGV[1])
return 1
`)

// KEYS: job
// ARGV: progress
var progressScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "progress", ARGV[1])
return 1
`)
