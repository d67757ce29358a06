package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nexo-labs/nexo/internal/jobqueue"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/storage"
)

const jobsPrefix = "jobs"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", jobsPrefix, id)
}

func (r *YAMLRepository) Save(ctx context.Context, j *jobqueue.Job) error {
	data, err := yaml.Marshal(j)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal job: %w", err))
	}
	if err := r.storage.Write(ctx, path(j.ID), data); err != nil {
		return cerr.WrapStorageWriteError("job", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*jobqueue.Job, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("job", err)
	}
	var j jobqueue.Job
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal job: %w", err))
	}
	return &j, nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*jobqueue.Job, error) {
	paths, err := r.storage.List(ctx, jobsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("jobs", err)
	}
	sort.Strings(paths)

	jobs := make([]*jobqueue.Job, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("job", err)
		}
		var j jobqueue.Job
		if err := yaml.Unmarshal(data, &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
