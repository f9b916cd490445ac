package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix     = "fairledger"
	replyNotFound        = "session_not_found"
	replyExists          = "session_exists"
	replyRevealed        = "session_revealed"
	fieldSessionID       = "session_id"
	fieldUserID          = "user_id"
	fieldServerSeed      = "server_seed"
	fieldClientSeed      = "client_seed"
	fieldNextNonce       = "next_nonce"
	fieldRevealed        = "revealed"
	fieldCreatedUnixUTC  = "created_unix_utc"
	fieldRevealedUnixUTC = "revealed_unix_utc"
	errorOperationStore  = "store"
	errorSubjectSession  = "session"
	errorCodeCreate      = "create"
	errorCodeGet         = "get"
	errorCodeConsume     = "consume_nonce"
	errorCodeUpdate      = "update_client_seed"
	errorCodeReveal      = "reveal"
	errorCodeInvalid     = "invalid"
)

var createSessionScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("EXISTS", key) == 1 then
		return redis.error_reply("session_exists")
	end
	redis.call("HSET", key, unpack(ARGV))
	return "OK"
`)

var consumeNonceScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("EXISTS", key) == 0 then
		return redis.error_reply("session_not_found")
	end
	if redis.call("HGET", key, "revealed") == "1" then
		return redis.error_reply("session_revealed")
	end
	redis.call("HINCRBY", key, "next_nonce", 1)
	return redis.call("HGETALL", key)
`)

var updateClientSeedScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("EXISTS", key) == 0 then
		return redis.error_reply("session_not_found")
	end
	if redis.call("HGET", key, "revealed") == "1" then
		return redis.error_reply("session_revealed")
	end
	redis.call("HSET", key, "client_seed", ARGV[1])
	return "OK"
`)

var markRevealedScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("EXISTS", key) == 0 then
		return redis.error_reply("session_not_found")
	end
	if redis.call("HGET", key, "revealed") ~= "1" then
		redis.call("HSET", key, "revealed", "1", "revealed_unix_utc", ARGV[1])
	end
	return redis.call("HGETALL", key)
`)

// Store implements fairness.SessionStore on Redis hashes. Every mutation is a single Lua script.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if prefix != "" {
			store.keyPrefix = prefix
		}
	}
}

// WithRetention expires revealed sessions after retention. Zero keeps them forever.
func WithRetention(retention time.Duration) Option {
	return func(store *Store) {
		store.retention = retention
	}
}

// New returns a Store using client.
func New(client redis.UniversalClient, options ...Option) *Store {
	store := &Store{client: client, keyPrefix: defaultKeyPrefix}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// Ping checks connectivity.
func (store *Store) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

func (store *Store) CreateSession(ctx context.Context, session fairness.Session) error {
	arguments := []any{
		fieldSessionID, session.ID.String(),
		fieldUserID, session.UserID.String(),
		fieldServerSeed, session.ServerSeed.String(),
		fieldClientSeed, session.ClientSeed.String(),
		fieldNextNonce, strconv.FormatUint(uint64(session.NextNonce), 10),
		fieldRevealed, formatBool(session.Revealed),
		fieldCreatedUnixUTC, strconv.FormatInt(session.CreatedUnixUTC, 10),
		fieldRevealedUnixUTC, strconv.FormatInt(session.RevealedUnixUTC, 10),
	}
	err := createSessionScript.Run(ctx, store.client, []string{store.sessionKey(session.ID)}, arguments...).Err()
	if err != nil {
		return wrapError(errorCodeCreate, mapReply(err))
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID fairness.SessionID) (fairness.Session, error) {
	fields, err := store.client.HGetAll(ctx, store.sessionKey(sessionID)).Result()
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeGet, err)
	}
	if len(fields) == 0 {
		return fairness.Session{}, wrapError(errorCodeGet, fairness.ErrSessionNotFound)
	}
	session, err := sessionFromFields(fields)
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeInvalid, err)
	}
	return session, nil
}

// ConsumeNonce returns the session as it was before the increment.
func (store *Store) ConsumeNonce(ctx context.Context, sessionID fairness.SessionID) (fairness.Session, error) {
	reply, err := consumeNonceScript.Run(ctx, store.client, []string{store.sessionKey(sessionID)}).Slice()
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeConsume, mapReply(err))
	}
	fields, err := pairsToFields(reply)
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeInvalid, err)
	}
	session, err := sessionFromFields(fields)
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeInvalid, err)
	}
	session.NextNonce--
	return session, nil
}

func (store *Store) UpdateClientSeed(ctx context.Context, sessionID fairness.SessionID, clientSeed fairness.ClientSeed) error {
	err := updateClientSeedScript.Run(ctx, store.client, []string{store.sessionKey(sessionID)}, clientSeed.String()).Err()
	if err != nil {
		return wrapError(errorCodeUpdate, mapReply(err))
	}
	return nil
}

// MarkRevealed keeps the first reveal time when called again.
func (store *Store) MarkRevealed(ctx context.Context, sessionID fairness.SessionID, atUnixUTC int64) (fairness.Session, error) {
	key := store.sessionKey(sessionID)
	reply, err := markRevealedScript.Run(ctx, store.client, []string{key}, strconv.FormatInt(atUnixUTC, 10)).Slice()
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeReveal, mapReply(err))
	}
	fields, err := pairsToFields(reply)
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeInvalid, err)
	}
	session, err := sessionFromFields(fields)
	if err != nil {
		return fairness.Session{}, wrapError(errorCodeInvalid, err)
	}
	if store.retention > 0 {
		if err := store.client.Expire(ctx, key, store.retention).Err(); err != nil {
			return fairness.Session{}, wrapError(errorCodeReveal, err)
		}
	}
	return session, nil
}

func (store *Store) sessionKey(sessionID fairness.SessionID) string {
	return fmt.Sprintf("%s:session:%s", store.keyPrefix, sessionID.String())
}

func sessionFromFields(fields map[string]string) (fairness.Session, error) {
	nextNonce, err := strconv.ParseInt(fields[fieldNextNonce], 10, 64)
	if err != nil {
		return fairness.Session{}, fmt.Errorf("%s: %w", fieldNextNonce, err)
	}
	createdUnixUTC, err := parseOptionalInt(fields[fieldCreatedUnixUTC])
	if err != nil {
		return fairness.Session{}, fmt.Errorf("%s: %w", fieldCreatedUnixUTC, err)
	}
	revealedUnixUTC, err := parseOptionalInt(fields[fieldRevealedUnixUTC])
	if err != nil {
		return fairness.Session{}, fmt.Errorf("%s: %w", fieldRevealedUnixUTC, err)
	}
	return fairness.RestoreSession(
		fields[fieldSessionID],
		fields[fieldUserID],
		fields[fieldServerSeed],
		fields[fieldClientSeed],
		nextNonce,
		fields[fieldRevealed] == "1",
		createdUnixUTC,
		revealedUnixUTC,
	)
}

// pairsToFields turns a flat HGETALL reply from a script into a map.
func pairsToFields(reply []any) (map[string]string, error) {
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("odd hash reply length %d", len(reply))
	}
	fields := make(map[string]string, len(reply)/2)
	for index := 0; index < len(reply); index += 2 {
		name, nameOK := reply[index].(string)
		value, valueOK := reply[index+1].(string)
		if !nameOK || !valueOK {
			return nil, fmt.Errorf("unexpected hash reply element at %d", index)
		}
		fields[name] = value
	}
	return fields, nil
}

func parseOptionalInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func formatBool(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

// mapReply converts script error replies into domain errors.
func mapReply(err error) error {
	var replyErr redis.Error
	if !errors.As(err, &replyErr) {
		return err
	}
	switch replyErr.Error() {
	case replyNotFound:
		return fairness.ErrSessionNotFound
	case replyExists:
		return fairness.ErrSessionExists
	case replyRevealed:
		return fairness.ErrSessionRevealed
	default:
		return err
	}
}

func wrapError(code string, err error) error {
	return fairness.WrapError(errorOperationStore, errorSubjectSession, code, err)
}
