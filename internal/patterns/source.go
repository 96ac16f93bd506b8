package patterns

import (
	"context"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Source supplies aggregated agent history for a class.
type Source interface {
	ClassHistory(ctx context.Context, class string) (models.ClassProfile, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, class string) (models.ClassProfile, error)

// ClassHistory implements Source.
func (f SourceFunc) ClassHistory(ctx context.Context, class string) (models.ClassProfile, error) {
	return f(ctx, class)
}
