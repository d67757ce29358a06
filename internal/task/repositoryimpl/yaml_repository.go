package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nexo-labs/nexo/internal/audit"
	auditrepo "github.com/nexo-labs/nexo/internal/audit/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/task"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/storage"
)

const (
	tasksPrefix         = "tasks"
	reassignmentsPrefix = "reassignments"
)

// YAMLRepository keeps one YAML document per task. Revision checks are
// serialized per task id inside this process.
type YAMLRepository struct {
	storage storage.Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		storage: s,
		locks:   make(map[string]*sync.Mutex),
	}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", tasksPrefix, id)
}

func reassignmentPath(taskID, id string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", reassignmentsPrefix, taskID, id)
}

func (r *YAMLRepository) lock(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func marshal(target string, v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal %s: %w", target, err))
	}
	return data, nil
}

func (r *YAMLRepository) Create(ctx context.Context, t *task.Task) error {
	return r.create(ctx, t, nil)
}

func (r *YAMLRepository) CreateAudited(ctx context.Context, t *task.Task, auditEntry *audit.Entry) error {
	return r.create(ctx, t, auditEntry)
}

func (r *YAMLRepository) create(ctx context.Context, t *task.Task, auditEntry *audit.Entry) error {
	defer r.lock(t.ID)()

	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "task already exists", nil)
	}
	data, err := marshal("task", t)
	if err != nil {
		return err
	}
	if auditEntry == nil {
		if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
			return cerr.WrapStorageWriteError("task", err)
		}
		return nil
	}
	auditObj, err := auditrepo.Object(auditEntry)
	if err != nil {
		return err
	}
	if err := r.storage.WriteBatch(ctx, []storage.Object{{Path: path(t.ID), Data: data}, auditObj}); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task", err)
	}
	var t task.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}

func (r *YAMLRepository) ListAll(ctx context.Context) ([]*task.Task, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("tasks", err)
	}
	sort.Strings(paths)

	all := make([]*task.Task, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("task", err)
		}
		var t task.Task
		if err := yaml.Unmarshal(data, &t); err != nil {
			continue
		}
		all = append(all, &t)
	}
	return all, nil
}

func (r *YAMLRepository) List(ctx context.Context, f task.Filter, limit, offset int) ([]*task.Task, int, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, t := range all {
		if f.Match(t) {
			matched = append(matched, t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// checkRevision must be called with the task lock held.
func (r *YAMLRepository) checkRevision(ctx context.Context, t *task.Task) error {
	stored, err := r.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if stored.Revision != t.Revision {
		return cerr.Conflict("task %s was modified concurrently (revision %d, expected %d)", t.ID, stored.Revision, t.Revision)
	}
	return nil
}

func (r *YAMLRepository) Update(ctx context.Context, t *task.Task) error {
	defer r.lock(t.ID)()

	if err := r.checkRevision(ctx, t); err != nil {
		return err
	}
	next := *t
	next.Revision++
	data, err := marshal("task", &next)
	if err != nil {
		return err
	}
	if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	t.Revision = next.Revision
	return nil
}

func (r *YAMLRepository) Reassign(ctx context.Context, t *task.Task, entry *task.ReassignmentEntry, auditEntry *audit.Entry) error {
	defer r.lock(t.ID)()

	if err := r.checkRevision(ctx, t); err != nil {
		return err
	}
	next := *t
	next.Revision++
	taskData, err := marshal("task", &next)
	if err != nil {
		return err
	}
	entryData, err := marshal("reassignment", entry)
	if err != nil {
		return err
	}
	auditObj, err := auditrepo.Object(auditEntry)
	if err != nil {
		return err
	}
	batch := []storage.Object{
		{Path: path(t.ID), Data: taskData},
		{Path: reassignmentPath(t.ID, entry.ID), Data: entryData},
		auditObj,
	}
	if err := r.storage.WriteBatch(ctx, batch); err != nil {
		return cerr.WrapStorageWriteError("task reassignment", err)
	}
	t.Revision = next.Revision
	return nil
}

func (r *YAMLRepository) ListReassignments(ctx context.Context, taskID string) ([]*task.ReassignmentEntry, error) {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", reassignmentsPrefix, taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("reassignments", err)
	}
	sort.Strings(paths)

	entries := make([]*task.ReassignmentEntry, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("reassignment", err)
		}
		var e task.ReassignmentEntry
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
