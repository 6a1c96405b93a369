package signaling

import "github.com/redis/go-redis/v9"

// Every write is a single script so the existence check, the write and the
// sequence bump cannot interleave with a concurrent EndCall.

// KEYS: call. ARGV: session id, created at, ttl ms.
var createCallScript = redis.NewScript(`
local created = redis.call('HSETNX', KEYS[1], 'session_id', ARGV[1])
if created == 1 then
	redis.call('HSET', KEYS[1], 'created_at', ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return created
`)

// KEYS: call, seq, caller candidates, callee candidates.
// ARGV: entry json, ttl ms.
// A new offer supersedes the previous negotiation: the answer and all
// candidates are dropped.
var writeOfferScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local seq = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('HDEL', KEYS[1], 'answer', 'answer_seq')
redis.call('DEL', KEYS[3], KEYS[4])
redis.call('HSET', KEYS[1], 'offer', ARGV[1], 'offer_seq', tostring(seq))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return seq
`)

// KEYS: call, seq. ARGV: entry json, ttl ms, answered offer seq.
// Returns -2 without an offer and -3 when a newer offer replaced the one
// being answered.
var writeAnswerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local offerSeq = redis.call('HGET', KEYS[1], 'offer_seq')
if not offerSeq then
	return -2
end
if offerSeq ~= ARGV[3] then
	return -3
end
local seq = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'answer', ARGV[1], 'answer_seq', tostring(seq))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return seq
`)

// KEYS: call, seq, candidates. ARGV: entry json, ttl ms.
var addCandidateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local seq = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[3], tostring(seq) .. ':' .. ARGV[1])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
return seq
`)

// KEYS: call. ARGV: participant id, ttl ms.
// Returns 1 for caller, 2 for callee, 0 when both roles are taken, -1 when
// the call does not exist.
var claimRoleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local caller = redis.call('HGET', KEYS[1], 'caller')
if not caller or caller == ARGV[1] then
	redis.call('HSET', KEYS[1], 'caller', ARGV[1], 'caller_left', '0')
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
local callee = redis.call('HGET', KEYS[1], 'callee')
if not callee or callee == ARGV[1] then
	redis.call('HSET', KEYS[1], 'callee', ARGV[1], 'callee_left', '0')
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 2
end
return 0
`)

// KEYS: call, seq, caller candidates, callee candidates.
// ARGV: left field, other left field.
// Returns 1 when the record was deleted, 0 when only marked, -1 when missing.
var leaveCallScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], '1')
if redis.call('HGET', KEYS[1], ARGV[2]) == '1' then
	redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
	return 1
end
return 0
`)

// KEYS: call, seq, caller candidates, callee candidates.
// Returns the hangup seq, or -1 when missing.
var endCallScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local seq = redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return seq
`)
