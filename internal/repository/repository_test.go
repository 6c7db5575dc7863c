package repository

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/failure"
)

// runContract exercises the Repository behaviour every backend must share.
func runContract(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, WriteBytes(ctx, repo, "3/Billing.so", []byte("billing-v3")))
	require.NoError(t, WriteBytes(ctx, repo, `3\Billing.sym`, []byte("symbols")))
	require.NoError(t, WriteBytes(ctx, repo, "4/Billing.so", []byte("billing-v4")))

	t.Run("exists", func(t *testing.T) {
		ok, err := repo.Exists(ctx, "3/Billing.so")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Exists(ctx, "3/Missing.so")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("find ignores case", func(t *testing.T) {
		got, err := repo.Find(ctx, "3/billing.SO")
		require.NoError(t, err)
		assert.Equal(t, "3/Billing.so", got)

		_, err = repo.Find(ctx, "3/nothing.so")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("read and stat", func(t *testing.T) {
		data, err := Read(ctx, repo, "/3/Billing.so")
		require.NoError(t, err)
		assert.Equal(t, "billing-v3", string(data))

		info, err := repo.Stat(ctx, "3/Billing.so")
		require.NoError(t, err)
		assert.Equal(t, int64(len("billing-v3")), info.Size)
		assert.Equal(t, MD5Hex([]byte("billing-v3")), info.MD5)

		_, err = Read(ctx, repo, "9/Billing.so")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		paths, err := repo.List(ctx, "3/")
		require.NoError(t, err)
		assert.Equal(t, []string{"3/Billing.so", "3/Billing.sym"}, paths)
	})

	t.Run("overwrite and delete", func(t *testing.T) {
		require.NoError(t, repo.Write(ctx, "4/Billing.so", bytes.NewReader([]byte("new")), 3))
		data, err := Read(ctx, repo, "4/Billing.so")
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))

		require.NoError(t, repo.Delete(ctx, "4/Billing.so"))
		require.NoError(t, repo.Delete(ctx, "4/Billing.so"))
		ok, err := repo.Exists(ctx, "4/Billing.so")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects escaping paths", func(t *testing.T) {
		_, err := repo.Exists(ctx, "../outside")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestMemoryStore(t *testing.T) {
	runContract(t, NewMemoryStore())
}

func TestDirStore(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	runContract(t, store)
}

func TestMemoryStoreReadCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put("1/App.exe", []byte("app"))

	assert.Equal(t, 0, store.ReadCount("1/App.exe"))
	for range 3 {
		_, err := Read(ctx, store, "1/App.exe")
		require.NoError(t, err)
	}
	_, err := store.Stat(ctx, "1/App.exe")
	require.NoError(t, err)
	assert.Equal(t, 3, store.ReadCount("1/App.exe"))
}

func TestNewS3StoreValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
	}{
		{"missing endpoint", S3Config{Bucket: "b"}},
		{"missing bucket", S3Config{Endpoint: "localhost:9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3Store(tt.cfg)
			assert.Error(t, err)
		})
	}

	store, err := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "artifacts"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", store.region)
}

func TestObjectMD5(t *testing.T) {
	tests := []struct {
		name string
		info minio.ObjectInfo
		want string
	}{
		{"metadata wins", minio.ObjectInfo{ETag: "0123456789abcdef0123456789abcdef", UserMetadata: minio.StringMap{"Md5": "FFEE"}}, "ffee"},
		{"single part etag", minio.ObjectInfo{ETag: `"0123456789ABCDEF0123456789ABCDEF"`}, "0123456789abcdef0123456789abcdef"},
		{"multipart etag", minio.ObjectInfo{ETag: "0123456789abcdef0123456789abcd-2"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, objectMD5(tt.info))
		})
	}
}

func TestTranslate(t *testing.T) {
	err := translate(minio.ErrorResponse{Code: "NoSuchKey"})
	assert.ErrorIs(t, err, ErrNotFound)

	other := errors.New("boom")
	assert.Equal(t, other, translate(other))
}

func TestNew(t *testing.T) {
	cfg := config.Defaults()
	_, err := New(cfg)
	assert.True(t, failure.Is(err, failure.Configuration))

	cfg.Repository = config.RepositoryDir
	cfg.Server = t.TempDir()
	cfg.Database = "artifacts"
	repo, err := New(cfg)
	require.NoError(t, err)
	_, ok := repo.(*DirStore)
	assert.True(t, ok)

	cfg.Repository = config.RepositoryS3
	cfg.Server = "localhost:9000"
	repo, err = New(cfg)
	require.NoError(t, err)
	_, ok = repo.(*S3Store)
	assert.True(t, ok)
}
