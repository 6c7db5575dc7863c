package artifact

import (
	"context"

	"github.com/seantiz/vbin/internal/repository"
)

type repositoryFetcher struct {
	repo repository.Repository
}

// FromRepository adapts a repository to a Fetcher. Paths are matched
// ignoring case.
func FromRepository(repo repository.Repository) Fetcher {
	return repositoryFetcher{repo: repo}
}

func (f repositoryFetcher) FetchBytes(ctx context.Context, p string) ([]byte, error) {
	found, err := f.repo.Find(ctx, p)
	if err != nil {
		return nil, err
	}
	return repository.Read(ctx, f.repo, found)
}
