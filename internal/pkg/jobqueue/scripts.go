package jobqueue

import "github.com/redis/go-redis/v9"

// Job placement lives in the state hash (id -> waiting|delayed|active|failing).
// Every script that moves a job updates it in the same call, so the hash is
// the authority for "is this job still live".

var enqueueScript = redis.NewScript(`
-- KEYS: job, waiting, ref, state, stats
-- ARGV: id, job json, ref
if ARGV[3] ~= '' then
  local existing = redis.call('GET', KEYS[3])
  if existing then
    local st = redis.call('HGET', KEYS[4], existing)
    if st == 'waiting' or st == 'delayed' or st == 'active' then
      return existing
    end
  end
  redis.call('SET', KEYS[3], ARGV[1])
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], 'waiting')
redis.call('HINCRBY', KEYS[5], 'enqueued', 1)
return ARGV[1]
`)

var fetchScript = redis.NewScript(`
-- KEYS: waiting, active, paused, state
-- ARGV: locked until (ms), token, lock ttl (ms), lock key prefix
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('SET', ARGV[4] .. id, ARGV[2], 'PX', ARGV[3])
redis.call('HSET', KEYS[4], id, 'active')
return id
`)

var renewScript = redis.NewScript(`
-- KEYS: lock, active
-- ARGV: token, lock ttl (ms), locked until (ms), id
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[4])
return 1
`)

var completeScript = redis.NewScript(`
-- KEYS: lock, active, job, ref, completed, stats, state, stalled
-- ARGV: token, id, keep
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[3])
if redis.call('GET', KEYS[4]) == ARGV[2] then
  redis.call('DEL', KEYS[4])
end
redis.call('LPUSH', KEYS[5], ARGV[2])
redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[3]) - 1)
redis.call('HINCRBY', KEYS[6], 'completed', 1)
redis.call('HDEL', KEYS[7], ARGV[2])
redis.call('HDEL', KEYS[8], ARGV[2])
return 1
`)

var retryScript = redis.NewScript(`
-- KEYS: lock, active, job, delayed, stats, state
-- ARGV: token, id, job json, run at (ms)
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
redis.call('HINCRBY', KEYS[5], 'retried', 1)
redis.call('HSET', KEYS[6], ARGV[2], 'delayed')
return 1
`)

var failScript = redis.NewScript(`
-- KEYS: lock, active, job, ref, failed, stats, state, stalled
-- ARGV: token ('' skips the lock check), id, job json, ttl (s), keep
if ARGV[1] ~= '' and redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3], 'EX', tonumber(ARGV[4]))
if redis.call('GET', KEYS[4]) == ARGV[2] then
  redis.call('DEL', KEYS[4])
end
redis.call('LPUSH', KEYS[5], ARGV[2])
redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[5]) - 1)
redis.call('HINCRBY', KEYS[6], 'failed', 1)
redis.call('HDEL', KEYS[7], ARGV[2])
redis.call('HDEL', KEYS[8], ARGV[2])
return 1
`)

var promoteScript = redis.NewScript(`
-- KEYS: delayed, waiting, state
-- ARGV: now (ms), limit
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    redis.call('HSET', KEYS[3], id, 'waiting')
    moved = moved + 1
  end
end
return moved
`)

var stalledScript = redis.NewScript(`
-- KEYS: active, waiting, state, stalled
-- ARGV: now (ms), limit, lock key prefix, max stalled count
-- Returns {requeued ids..., '|', exhausted ids...}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local requeued = {}
local exhausted = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('DEL', ARGV[3] .. id)
    local count = redis.call('HINCRBY', KEYS[4], id, 1)
    if count > tonumber(ARGV[4]) then
      redis.call('HSET', KEYS[3], id, 'failing')
      table.insert(exhausted, id)
    else
      redis.call('RPUSH', KEYS[2], id)
      redis.call('HSET', KEYS[3], id, 'waiting')
      table.insert(requeued, id)
    end
  end
end
local out = {}
for _, id in ipairs(requeued) do table.insert(out, id) end
table.insert(out, '|')
for _, id in ipairs(exhausted) do table.insert(out, id) end
return out
`)
