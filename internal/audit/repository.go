package audit

import "context"

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	// List returns entries oldest first; an empty resourceID lists all.
	List(ctx context.Context, resourceID string, limit, offset int) ([]*Entry, int, error)
}
