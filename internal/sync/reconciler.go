package sync

import (
	"github.com/matheus3301/setu/internal/codec"
	"github.com/matheus3301/setu/internal/people"
	"github.com/matheus3301/setu/internal/store"
	"go.uber.org/zap"
)

// Reconciler turns remote persons into store writes.
type Reconciler struct {
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Record renders one person. ok is false for persons that cannot be stored.
func (r *Reconciler) Record(p *people.Person) (store.Record, bool) {
	if p.ResourceName == "" {
		r.logger.Warn("skipping person without resource name")
		return store.Record{}, false
	}
	card, warnings := codec.ToWire(p)
	if len(warnings) > 0 {
		r.logger.Debug("partial vcard",
			zap.String("resource", p.ResourceName),
			zap.Strings("warnings", warnings))
	}
	return store.Record{
		ResourceID:  p.ResourceName,
		VCard:       card,
		DisplayName: p.DisplayName(),
		Phones:      p.PhoneValues(),
	}, true
}

// Reconcile classifies a listing page into upserts and deletes. Malformed
// persons are skipped and counted; they never fail the page.
func (r *Reconciler) Reconcile(persons []people.Person) (page store.Page, skipped int) {
	for i := range persons {
		p := &persons[i]
		if p.Deleted() {
			if p.ResourceName == "" {
				skipped++
				continue
			}
			page.Deletes = append(page.Deletes, p.ResourceName)
			continue
		}
		rec, ok := r.Record(p)
		if !ok {
			skipped++
			continue
		}
		page.Upserts = append(page.Upserts, rec)
	}
	return page, skipped
}
