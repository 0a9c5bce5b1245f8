package session

import (
    "context"
    "encoding/json"
    "fmt"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

const ttlSession = 24 * time.Hour

type redisStore struct{ rdb *redis.Client }

// NewRedisStore connects to the given redis URL and verifies it with a ping.
func NewRedisStore(redisURL string) (Store, error) {
    if strings.TrimSpace(redisURL) == "" {
        return nil, fmt.Errorf("REDIS_URL required for redis session store")
    }
    opts, err := parseRedisURL(redisURL)
    if err != nil { return nil, err }
    rdb := redis.NewClient(opts)
    if err := rdb.Ping(context.Background()).Err(); err != nil {
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return &redisStore{rdb: rdb}, nil
}

func sessionKey(userID int64) string { return "session:" + strconv.FormatInt(userID, 10) }

func (s *redisStore) Load(ctx context.Context, userID int64) (*Envelope, error) {
    raw, err := s.rdb.Get(ctx, sessionKey(userID)).Bytes()
    if err == redis.Nil { return nil, nil }
    if err != nil { return nil, err }
    var env Envelope
    if err := json.Unmarshal(raw, &env); err != nil { return nil, err }
    return &env, nil
}

func (s *redisStore) Save(ctx context.Context, userID int64, env *Envelope) error {
    raw, err := json.Marshal(env)
    if err != nil { return err }
    return s.rdb.Set(ctx, sessionKey(userID), raw, ttlSession).Err()
}

func (s *redisStore) Delete(ctx context.Context, userID int64) error {
    return s.rdb.Del(ctx, sessionKey(userID)).Err()
}

func parseRedisURL(raw string) (*redis.Options, error) {
    u, err := url.Parse(raw)
    if err != nil { return nil, err }
    if u.Scheme != "redis" && u.Scheme != "rediss" { return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme) }
    db := 0
    if p := strings.TrimPrefix(u.Path, "/"); p != "" { if n, err := strconv.Atoi(p); err == nil { db = n } }
    pass, _ := u.User.Password()
    return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
