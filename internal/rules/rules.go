// Package rules loads the machine version rule document that maps host-name
// patterns to versions.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/repository"
)

// DocumentPath is the repository path of the rule document.
const DocumentPath = "vbinConfig/" + model.MachineVersionsKey + ".json"

// Source provides the ordered machine version rules.
type Source interface {
	Rules(ctx context.Context) (model.RuleSet, error)
}

// Decode parses a rule document. An empty document is an empty rule set.
func Decode(data []byte) (model.RuleSet, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return model.RuleSet{}, nil
	}
	var doc model.MachineVersions
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", model.MachineVersionsKey, err)
	}
	if doc.Key != "" && !strings.EqualFold(doc.Key, model.MachineVersionsKey) {
		return nil, fmt.Errorf("unexpected rule document key %q", doc.Key)
	}
	if doc.Value == nil {
		return model.RuleSet{}, nil
	}
	return doc.Value, nil
}

// Encode renders a rule set as a rule document.
func Encode(rs model.RuleSet) ([]byte, error) {
	if rs == nil {
		rs = model.RuleSet{}
	}
	return json.Marshal(model.MachineVersions{Key: model.MachineVersionsKey, Value: rs})
}

// RepositorySource reads the rule document from the artifact repository.
type RepositorySource struct {
	repo repository.Repository
}

func NewRepositorySource(repo repository.Repository) *RepositorySource {
	return &RepositorySource{repo: repo}
}

func (s *RepositorySource) Rules(ctx context.Context) (model.RuleSet, error) {
	p, err := s.repo.Find(ctx, DocumentPath)
	if errors.Is(err, repository.ErrNotFound) {
		return model.RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rule document: %w", err)
	}
	data, err := repository.Read(ctx, s.repo, p)
	if errors.Is(err, repository.ErrNotFound) {
		return model.RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rule document: %w", err)
	}
	return Decode(data)
}

// Put stores rs as the repository rule document.
func Put(ctx context.Context, repo repository.Repository, rs model.RuleSet) error {
	data, err := Encode(rs)
	if err != nil {
		return err
	}
	return repository.WriteBytes(ctx, repo, DocumentPath, data)
}

// RedisSource reads the rule document from a Redis string.
type RedisSource struct {
	client *redis.Client
	key    string
}

// RedisKey returns the Redis key holding the rule document for a database.
func RedisKey(database string) string {
	return fmt.Sprintf("vbin:%s:config:%s", database, model.MachineVersionsKey)
}

func NewRedisSource(client *redis.Client, database string) *RedisSource {
	return &RedisSource{client: client, key: RedisKey(database)}
}

func (s *RedisSource) Rules(ctx context.Context) (model.RuleSet, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return Decode(data)
}

// Put stores rs under the source's key.
func (s *RedisSource) Put(ctx context.Context, rs model.RuleSet) error {
	data, err := Encode(rs)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Cached fetches rules from the wrapped source once. Failed fetches are not
// cached.
type Cached struct {
	src Source

	mu      sync.Mutex
	loaded  bool
	rules   model.RuleSet
	fetches int
}

func NewCached(src Source) *Cached {
	return &Cached{src: src}
}

func (c *Cached) Rules(ctx context.Context) (model.RuleSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.rules, nil
	}
	c.fetches++
	rs, err := c.src.Rules(ctx)
	if err != nil {
		return nil, err
	}
	c.rules = rs
	c.loaded = true
	return rs, nil
}

// Fetches reports how many times the wrapped source was queried.
func (c *Cached) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Open returns the rule source selected by cfg. Repository-backed rules read
// from repo; Redis-backed rules use the configured address.
func Open(cfg config.Config, repo repository.Repository) Source {
	if cfg.RulesSource == config.RulesFromRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisSource(client, cfg.Database)
	}
	return NewRepositorySource(repo)
}
