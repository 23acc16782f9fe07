package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	xerrors "TaskMesh-Chain/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述制品存储使用的 Redis 连接。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

const labelField = "label:"

// RedisStore 将每一代制品保存为一个 hash，使用计数通过 HINCRBY 原子递增。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 制品存储。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskmesh:artifact:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(member string) string { return s.prefix + member }

func (s *RedisStore) indexKey() string { return s.prefix + "index" }

func (s *RedisStore) latestKey() string { return s.prefix + "latest" }

func member(fp string, generation int) string { return fp + ":" + strconv.Itoa(generation) }

// current 返回指纹最新一代制品的 hash key。
func (s *RedisStore) current(ctx context.Context, fingerprint string) (string, error) {
	gen, err := s.client.HGet(ctx, s.latestKey(), fingerprint).Int()
	if errors.Is(err, redis.Nil) {
		return "", ErrArtifactNotFound
	}
	if err != nil {
		return "", storageFailure(err, "读取制品代数失败")
	}
	return s.key(member(fingerprint, gen)), nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Artifact, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Artifact{}, storageFailure(err, "读取制品失败")
	}
	if len(fields) == 0 {
		return Artifact{}, ErrArtifactNotFound
	}
	return decodeArtifact(fields)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (Artifact, error) {
	key, err := s.current(ctx, fingerprint)
	if err != nil {
		return Artifact{}, err
	}
	return s.load(ctx, key)
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, artifact Artifact) error {
	body := artifact
	body.UsageCount = 0
	body.State = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return storageFailure(err, "序列化制品失败")
	}
	m := member(artifact.Fingerprint, artifact.Generation)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(m),
			"artifact", raw,
			"usage", artifact.UsageCount,
			"state", string(artifact.State),
		)
		pipe.SAdd(ctx, s.indexKey(), m)
		pipe.HSet(ctx, s.latestKey(), artifact.Fingerprint, artifact.Generation)
		return nil
	})
	if err != nil {
		return storageFailure(err, "写入制品失败")
	}
	return nil
}

// IncrementUsage implements Store.
func (s *RedisStore) IncrementUsage(ctx context.Context, fingerprint string, delta int64) (int64, error) {
	key, err := s.current(ctx, fingerprint)
	if err != nil {
		return 0, err
	}
	usage, err := s.client.HIncrBy(ctx, key, "usage", delta).Result()
	if err != nil {
		return 0, storageFailure(err, "更新使用计数失败")
	}
	return usage, nil
}

// SetState implements Store.
func (s *RedisStore) SetState(ctx context.Context, fingerprint string, state State) error {
	key, err := s.current(ctx, fingerprint)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, key, "state", string(state)).Err(); err != nil {
		return storageFailure(err, "更新制品状态失败")
	}
	return nil
}

// AddLabel implements Store. 每个标签值是独立的 hash 字段，并发写入无需合并。
func (s *RedisStore) AddLabel(ctx context.Context, fingerprint, key, value string) error {
	hkey, err := s.current(ctx, fingerprint)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, hkey, labelField+key+":"+value, "1").Err(); err != nil {
		return storageFailure(err, "写入制品标签失败")
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]Artifact, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, storageFailure(err, "读取制品索引失败")
	}
	out := make([]Artifact, 0, len(members))
	for _, m := range members {
		a, err := s.load(ctx, s.key(m))
		if err != nil {
			if errors.Is(err, ErrArtifactNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeArtifact(fields map[string]string) (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal([]byte(fields["artifact"]), &a); err != nil {
		return Artifact{}, storageFailure(err, "解析制品失败")
	}
	if raw := fields["usage"]; raw != "" {
		usage, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Artifact{}, storageFailure(err, "解析使用计数失败")
		}
		a.UsageCount = usage
	}
	for field := range fields {
		rest, ok := strings.CutPrefix(field, labelField)
		if !ok {
			continue
		}
		if key, value, ok := strings.Cut(rest, ":"); ok {
			addLabel(&a, key, value)
		}
	}
	a.State = State(fields["state"])
	if a.State == "" {
		a.State = StateActive
	}
	return a, nil
}

func storageFailure(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
