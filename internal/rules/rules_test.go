package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/repository"
)

func TestDecode(t *testing.T) {
	rs, err := Decode([]byte(`{"Key":"machineVersions","Value":[{"Machine":".*","Version":1},{"Machine":"build-\\d+","Version":4}]}`))
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, ".*", rs[0].Machine)
	assert.Equal(t, model.Version(4), rs[1].Version)

	rs, err = Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, rs)

	_, err = Decode([]byte(`{"Key":"other","Value":[]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestRepositorySource(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryStore()
	src := NewRepositorySource(repo)

	rs, err := src.Rules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs, "missing document is an empty rule set")

	require.NoError(t, Put(ctx, repo, model.RuleSet{
		model.NewRule(".*", 1),
		model.NewRule("workstation-7", 2),
	}))

	rs, err = src.Rules(ctx)
	require.NoError(t, err)
	v, err := rs.Select("WORKSTATION-7", model.DefaultVersion)
	require.NoError(t, err)
	assert.Equal(t, model.Version(2), v)
}

func TestRepositorySourceFindsDocumentIgnoringCase(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryStore()
	repo.Put("VBINCONFIG/MachineVersions.json", []byte(`{"Key":"machineVersions","Value":[{"Machine":"host","Version":9}]}`))

	rs, err := NewRepositorySource(repo).Rules(ctx)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, model.Version(9), rs[0].Version)
}

func TestRedisSource(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := NewRedisSource(client, "artifacts")
	rs, err := src.Rules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs)

	require.NoError(t, src.Put(ctx, model.RuleSet{model.NewRule("^ci-", 7)}))
	assert.True(t, mr.Exists("vbin:artifacts:config:machineVersions"))

	rs, err = src.Rules(ctx)
	require.NoError(t, err)
	v, err := rs.Select("CI-runner-3", 1)
	require.NoError(t, err)
	assert.Equal(t, model.Version(7), v)
}

func TestRedisSourceUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	_, err := NewRedisSource(client, "artifacts").Rules(context.Background())
	assert.Error(t, err)
}

type stubSource struct {
	rules model.RuleSet
	err   error
	calls int
}

func (s *stubSource) Rules(context.Context) (model.RuleSet, error) {
	s.calls++
	return s.rules, s.err
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	stub := &stubSource{err: errors.New("unreachable")}
	cached := NewCached(stub)

	_, err := cached.Rules(ctx)
	assert.Error(t, err)

	stub.err = nil
	stub.rules = model.RuleSet{model.NewRule(".*", 3)}
	for range 3 {
		rs, err := cached.Rules(ctx)
		require.NoError(t, err)
		assert.Len(t, rs, 1)
	}
	assert.Equal(t, 2, stub.calls)
	assert.Equal(t, 2, cached.Fetches())
}

func TestOpen(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database = "artifacts"
	_, ok := Open(cfg, repository.NewMemoryStore()).(*RepositorySource)
	assert.True(t, ok)

	cfg.RulesSource = config.RulesFromRedis
	cfg.RedisAddr = "localhost:6379"
	src, ok := Open(cfg, nil).(*RedisSource)
	require.True(t, ok)
	assert.Equal(t, "vbin:artifacts:config:machineVersions", src.key)
}
