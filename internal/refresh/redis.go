package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	insertStatusDuplicateDigest   int64 = 0
	insertStatusDuplicateRotation int64 = -1
	insertStatusInserted          int64 = 1

	revokeStatusNotFound       int64 = 0
	revokeStatusAlreadyRevoked int64 = 1
	revokeStatusRevokedNow     int64 = 2
)

const insertScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end

local ttl = tonumber(ARGV[9])
redis.call("HSET", KEYS[1],
  "id", ARGV[1],
  "subject_id", ARGV[2],
  "rotation_id", ARGV[3],
  "digest", ARGV[4],
  "created_at", ARGV[5],
  "expires_at", ARGV[6],
  "origin_ip", ARGV[7],
  "origin_agent", ARGV[8])
redis.call("PEXPIRE", KEYS[1], ttl)
redis.call("SET", KEYS[2], ARGV[3], "PX", ttl)
redis.call("SADD", KEYS[3], ARGV[3])

local current = redis.call("PTTL", KEYS[3])
if current < ttl then
  redis.call("PEXPIRE", KEYS[3], ttl)
end

return 1
`

var insertLua = redis.NewScript(insertScript)

const revokeIfActiveScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end

local fields = redis.call("HMGET", KEYS[1], "digest", "revoked_at", "expires_at")
local revoked = fields[2]
if revoked and revoked ~= "" then
  return 1
end
if fields[1] ~= ARGV[1] then
  return 1
end
if tonumber(fields[3]) <= tonumber(ARGV[3]) then
  return 1
end

redis.call("HSET", KEYS[1], "revoked_at", ARGV[3])
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[1], "replaced_by", ARGV[2])
end

return 2
`

var revokeIfActiveLua = redis.NewScript(revokeIfActiveScript)

const revokeSubjectScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local now = tonumber(ARGV[2])
local count = 0

for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("EXISTS", key) == 1 then
    local fields = redis.call("HMGET", key, "revoked_at", "expires_at")
    if (not fields[1] or fields[1] == "") and tonumber(fields[2]) > now then
      redis.call("HSET", key, "revoked_at", ARGV[2])
      count = count + 1
    end
  else
    redis.call("SREM", KEYS[1], id)
  end
end

return count
`

var revokeSubjectLua = redis.NewScript(revokeSubjectScript)

const revokeByDigestScript = `
local id = redis.call("GET", KEYS[1])
if not id then
  return 0
end

local key = ARGV[1] .. id
local fields = redis.call("HMGET", key, "digest", "revoked_at")
if not fields[1] or fields[1] ~= ARGV[2] then
  return 0
end
if fields[2] and fields[2] ~= "" then
  return 0
end

redis.call("HSET", key, "revoked_at", ARGV[3])
return 1
`

var revokeByDigestLua = redis.NewScript(revokeByDigestScript)

// RedisStore keeps one hash per rotation id, a digest index and a per-subject
// set. Every key expires with its record, so expiry doubles as garbage
// collection.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rr"
	}
	return &RedisStore{redis: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) recordPrefix() string {
	return s.prefix + ":rec:"
}

func (s *RedisStore) recordKey(rotationID string) string {
	return s.recordPrefix() + rotationID
}

func (s *RedisStore) digestKey(digest string) string {
	return s.prefix + ":dig:" + digest
}

func (s *RedisStore) subjectKey(subjectID string) string {
	return s.prefix + ":sub:" + subjectID
}

func (s *RedisStore) Insert(ctx context.Context, record Record) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate refresh record id: %w", err)
	}

	now := s.now()
	record.ID = id.String()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now.UTC()
	}

	ttl := record.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	status, err := insertLua.Run(ctx, s.redis,
		[]string{s.recordKey(record.RotationID), s.digestKey(record.CredentialDigest), s.subjectKey(record.SubjectID)},
		record.ID,
		record.SubjectID,
		record.RotationID,
		record.CredentialDigest,
		record.CreatedAt.UnixMilli(),
		record.ExpiresAt.UnixMilli(),
		record.OriginIP,
		record.OriginAgent,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return Record{}, unavailable("insert refresh record", err)
	}

	switch status {
	case insertStatusInserted:
		return record, nil
	case insertStatusDuplicateDigest:
		return Record{}, ErrDuplicateDigest
	case insertStatusDuplicateRotation:
		return Record{}, fmt.Errorf("rotation id %s already recorded", record.RotationID)
	default:
		return Record{}, fmt.Errorf("unexpected insert status %d", status)
	}
}

func (s *RedisStore) FindActiveByRotationID(ctx context.Context, rotationID string) (*Record, error) {
	record, err := s.FindAnyByRotationID(ctx, rotationID)
	if err != nil || record == nil {
		return nil, err
	}
	if !record.Active(s.now()) {
		return nil, nil
	}

	return record, nil
}

// FindAnyByRotationID returns the record regardless of state. A rotation id
// maps to exactly one record, so it is also the most recent one.
func (s *RedisStore) FindAnyByRotationID(ctx context.Context, rotationID string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(rotationID)).Result()
	if err != nil {
		return nil, unavailable("find refresh record", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record, err := decodeRecord(fields)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *RedisStore) RevokeIfActive(ctx context.Context, rotationID, expectedDigest, replacedByDigest string) (RevokeOutcome, error) {
	status, err := revokeIfActiveLua.Run(ctx, s.redis,
		[]string{s.recordKey(rotationID)},
		expectedDigest,
		replacedByDigest,
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return NotFound, unavailable("revoke refresh record", err)
	}

	switch status {
	case revokeStatusRevokedNow:
		return RevokedNow, nil
	case revokeStatusAlreadyRevoked:
		return AlreadyRevoked, nil
	case revokeStatusNotFound:
		return NotFound, nil
	default:
		return NotFound, fmt.Errorf("unexpected revoke status %d", status)
	}
}

func (s *RedisStore) RevokeAllActiveForSubject(ctx context.Context, subjectID string) (int64, error) {
	count, err := revokeSubjectLua.Run(ctx, s.redis,
		[]string{s.subjectKey(subjectID)},
		s.recordPrefix(),
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, unavailable("revoke subject refresh records", err)
	}

	return count, nil
}

func (s *RedisStore) RevokeActiveByDigest(ctx context.Context, digest string) (bool, error) {
	revoked, err := revokeByDigestLua.Run(ctx, s.redis,
		[]string{s.digestKey(digest)},
		s.recordPrefix(),
		digest,
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, unavailable("revoke refresh record by digest", err)
	}

	return revoked == 1, nil
}

func (s *RedisStore) ListActiveForSubject(ctx context.Context, subjectID string) ([]Record, error) {
	ids, err := s.redis.SMembers(ctx, s.subjectKey(subjectID)).Result()
	if err != nil {
		return nil, unavailable("list subject rotation ids", err)
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGetAll(ctx, s.recordKey(id)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("load subject refresh records", err)
	}

	now := s.now()
	records := make([]Record, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		record, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		if record.Active(now) {
			records = append(records, record)
		}
	}

	return records, nil
}

func decodeRecord(fields map[string]string) (Record, error) {
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return Record{}, fmt.Errorf("decode refresh record created_at: %w", err)
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return Record{}, fmt.Errorf("decode refresh record expires_at: %w", err)
	}

	record := Record{
		ID:               fields["id"],
		SubjectID:        fields["subject_id"],
		RotationID:       fields["rotation_id"],
		CredentialDigest: fields["digest"],
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		OriginIP:         fields["origin_ip"],
		OriginAgent:      fields["origin_agent"],
	}

	if value := fields["revoked_at"]; value != "" {
		revokedAt, err := parseMillis(value)
		if err != nil {
			return Record{}, fmt.Errorf("decode refresh record revoked_at: %w", err)
		}
		record.RevokedAt = &revokedAt
	}
	if value := fields["replaced_by"]; value != "" {
		record.ReplacedByDigest = &value
	}

	return record, nil
}

func parseMillis(value string) (time.Time, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
