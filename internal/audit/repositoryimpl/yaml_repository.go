package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nexo-labs/nexo/internal/audit"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/storage"
)

const auditPrefix = "audit"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", auditPrefix, id)
}

// Object encodes e for inclusion in another repository's batched write.
func Object(e *audit.Entry) (storage.Object, error) {
	data, err := yaml.Marshal(e)
	if err != nil {
		return storage.Object{}, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal audit entry: %w", err))
	}
	return storage.Object{Path: path(e.ID), Data: data}, nil
}

func (r *YAMLRepository) Create(ctx context.Context, e *audit.Entry) error {
	obj, err := Object(e)
	if err != nil {
		return err
	}
	if err := r.storage.Write(ctx, obj.Path, obj.Data); err != nil {
		return cerr.WrapStorageWriteError("audit entry", err)
	}
	return nil
}

func (r *YAMLRepository) List(ctx context.Context, resourceID string, limit, offset int) ([]*audit.Entry, int, error) {
	paths, err := r.storage.List(ctx, auditPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("audit entries", err)
	}
	// ULID file names sort chronologically.
	sort.Strings(paths)

	var all []*audit.Entry
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, 0, cerr.WrapStorageReadError("audit entry", err)
		}
		var e audit.Entry
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		all = append(all, &e)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}
