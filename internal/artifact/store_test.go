package artifact

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/modspace"
	"github.com/seantiz/vbin/internal/repository"
)

// repoFetcher reads straight from a repository, optionally slowing every
// read down so concurrent misses overlap.
type repoFetcher struct {
	repo  repository.Repository
	delay time.Duration
	err   error
}

func (f *repoFetcher) FetchBytes(ctx context.Context, p string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	time.Sleep(f.delay)
	return repository.Read(ctx, f.repo, p)
}

var fileLoader = modspace.LoaderFunc(func(_ context.Context, m *modspace.Module) (modspace.Binding, error) {
	return modspace.Binding{Entry: func(context.Context, []string) error { return nil }}, nil
})

func newStore(t *testing.T, f Fetcher, opts Options) (*Store, *modspace.Space) {
	t.Helper()
	space, err := modspace.New(modspace.Options{
		Version:  opts.Version,
		CacheDir: t.TempDir(),
		Loaders:  map[string]modspace.Loader{".so": fileLoader, ".exe": fileLoader},
	})
	require.NoError(t, err)
	t.Cleanup(func() { space.Close() })
	return New(f, space, opts), space
}

func TestGetModuleConcurrentMissFetchesOnce(t *testing.T) {
	repo := repository.NewMemoryStore()
	repo.Put("2/Shared.so", []byte("shared-v2"))
	store, _ := newStore(t, &repoFetcher{repo: repo, delay: 20 * time.Millisecond}, Options{Version: 2})

	const callers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*modspace.Module, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		wg.Go(func() {
			<-start
			results[i], errs[i] = store.GetModule(context.Background(), "shared")
		})
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, repo.ReadCount("2/Shared.so"))
}

func TestGetModuleProbesLibraryBeforeExecutable(t *testing.T) {
	repo := repository.NewMemoryStore()
	repo.Put("5/App.so", []byte("library"))
	repo.Put("5/App.exe", []byte("executable"))
	repo.Put("5/Tool.exe", []byte("tool"))
	store, _ := newStore(t, &repoFetcher{repo: repo}, Options{Version: 5})
	ctx := context.Background()

	m, err := store.GetModule(ctx, "App")
	require.NoError(t, err)
	assert.Equal(t, "5/App.so", m.Path)
	assert.Equal(t, 0, repo.ReadCount("5/App.exe"))

	m, err = store.GetModule(ctx, "Tool, Version=1.0")
	require.NoError(t, err)
	assert.Equal(t, "5/Tool.exe", m.Path)
	data, err := os.ReadFile(m.File)
	require.NoError(t, err)
	assert.Equal(t, "tool", string(data))
}

func TestGetModuleNotFound(t *testing.T) {
	repo := repository.NewMemoryStore()
	store, _ := newStore(t, &repoFetcher{repo: repo}, Options{Version: 1})

	m, err := store.GetModule(context.Background(), "X")
	assert.NoError(t, err)
	assert.Nil(t, m)

	strict, _ := newStore(t, &repoFetcher{repo: repo}, Options{Version: 1, ThrowOnMissing: true})
	m, err = strict.GetModule(context.Background(), "X")
	assert.Nil(t, m)
	assert.True(t, failure.Is(err, failure.ArtifactNotFound), "err = %v", err)
}

func TestGetModuleFetchError(t *testing.T) {
	store, _ := newStore(t, &repoFetcher{err: errors.New("connection reset")}, Options{Version: 1})
	_, err := store.GetModule(context.Background(), "X")
	assert.Error(t, err)
}

func TestGetModuleDebugSymbols(t *testing.T) {
	repo := repository.NewMemoryStore()
	repo.Put("3/WithSyms.so", []byte("code"))
	repo.Put("3/WithSyms.sym", []byte("symbols"))
	repo.Put("3/NoSyms.so", []byte("code"))
	store, _ := newStore(t, &repoFetcher{repo: repo}, Options{Version: 3})
	ctx := context.Background()

	m, err := store.GetModule(ctx, "WithSyms")
	require.NoError(t, err)
	require.True(t, m.HasSymbols())
	data, err := os.ReadFile(m.SymbolsFile)
	require.NoError(t, err)
	assert.Equal(t, "symbols", string(data))

	m, err = store.GetModule(ctx, "NoSyms")
	require.NoError(t, err)
	assert.False(t, m.HasSymbols())
}

func TestHookServesSpaceResolution(t *testing.T) {
	repo := repository.NewMemoryStore()
	repo.Put("4/Dep.so", []byte("dep"))
	store, space := newStore(t, &repoFetcher{repo: repo}, Options{Version: 4})
	space.AddHook(store.Hook())
	ctx := context.Background()

	m, err := space.Resolve(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, model.Version(4), m.Version)

	_, err = space.Resolve(ctx, "Missing")
	assert.ErrorIs(t, err, modspace.ErrModuleNotFound)
	assert.ElementsMatch(t, []string{"dep"}, store.Loaded())
}

func TestPreload(t *testing.T) {
	repo := repository.NewMemoryStore()
	repo.Put("1/A.so", []byte("a"))
	store, _ := newStore(t, &repoFetcher{repo: repo}, Options{Version: 1})

	require.NoError(t, store.Preload(context.Background(), "A"))
	err := store.Preload(context.Background(), "A", "B")
	assert.True(t, failure.Is(err, failure.ArtifactNotFound))
}

func TestUploadRoundTrip(t *testing.T) {
	repo := repository.NewMemoryStore()
	payload := []byte{0x7f, 'E', 'L', 'F', 0, 1, 2, 3}
	require.NoError(t, repository.WriteBytes(context.Background(), repo, `7\Native.exe`, payload))
	store, _ := newStore(t, &repoFetcher{repo: repo}, Options{Version: 7})

	m, err := store.GetModule(context.Background(), "Native")
	require.NoError(t, err)
	data, err := os.ReadFile(m.File)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}


func TestFromRepositoryIgnoresCase(t *testing.T) {
	repo := repository.NewMemoryStore()
	repo.Put("6/MixedCase.so", []byte("mixed"))
	store, _ := newStore(t, FromRepository(repo), Options{Version: 6})

	m, err := store.GetModule(context.Background(), "mixedcase")
	require.NoError(t, err)
	assert.Equal(t, "6/mixedcase.so", m.Path)
	assert.Equal(t, 1, repo.ReadCount("6/MixedCase.so"))

	_, err = FromRepository(repo).FetchBytes(context.Background(), "6/absent.so")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
