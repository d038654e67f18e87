// Package reconcile brings the local mirror in line with the remote
// facilities directory: fresh fetch per type, child-before-parent deletes,
// parent-before-child creates.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"placesadmin/internal/logging"
	"placesadmin/internal/mirror"
	"placesadmin/internal/places"
)

// Lister fetches fresh remote entities of one type.
type Lister interface {
	List(ctx context.Context, t places.EntityType) ([]places.PlaceEntity, error)
}

// Mirror is the slice of the mirror store the engine writes through.
// *mirror.Store satisfies it; tests substitute recorders.
type Mirror interface {
	Create(ctx context.Context, e mirror.Entity) (int64, error)
	UpdateAttributes(ctx context.Context, localID int64, fresh places.PlaceEntity) error
	Delete(ctx context.Context, localID int64) error
	GetByExternalID(ctx context.Context, externalID string) (*mirror.Entity, error)
	ListByType(ctx context.Context, t places.EntityType) ([]mirror.Entity, error)
}

// TypeReport tallies what one refresh did to one entity type.
type TypeReport struct {
	Created     int  `json:"created"`
	Removed     int  `json:"removed"`
	Updated     int  `json:"updated"`
	Skipped     int  `json:"skipped"` // unresolved parent, not created
	FetchFailed bool `json:"fetchFailed,omitempty"`
}

// Report is the outcome of one refresh. CompletedStages records how far the
// refresh got so a partial failure never silently corrupts the mirror: the
// caller can see exactly which passes ran.
type Report struct {
	PerType         map[places.EntityType]*TypeReport `json:"perType"`
	CompletedStages []string                          `json:"completedStages"`
	Duration        time.Duration                     `json:"duration"`
}

// Engine is the sole writer of the mirror. Concurrent Refresh calls collapse
// into a single run; the refresh passes themselves are strictly sequential.
type Engine struct {
	remote Lister
	store  Mirror
	group  singleflight.Group
}

// New creates an Engine.
func New(remote Lister, store Mirror) *Engine {
	return &Engine{remote: remote, store: store}
}

// Refresh synchronizes the mirror with a fresh remote fetch. Policy:
//
//   - a failed Building fetch aborts the whole refresh (everything hangs off
//     Buildings, so nothing below is trustworthy);
//   - a failed fetch of any subordinate type skips both the deletion and
//     creation passes for that type only, leaving its mirrored rows
//     untouched — treating the failure as "zero entities" would delete the
//     entire type;
//   - deletes run child-to-parent, creates parent-to-child, so referential
//     integrity holds at every intermediate step;
//   - entities whose parent cannot be resolved locally are skipped with a
//     warning, never created as orphans. (The hierarchy builder adopts
//     orphans for presentation; persistence deliberately does not.)
func (e *Engine) Refresh(ctx context.Context) (*Report, error) {
	// The run is shared by every piggybacked caller and mutates the mirror,
	// so it is detached from the first caller's context: one canceled HTTP
	// request must not abort the passes for everyone else mid-mutation.
	v, err, _ := e.group.Do("refresh", func() (interface{}, error) {
		return e.refresh(context.WithoutCancel(ctx))
	})
	report, _ := v.(*Report)
	return report, err
}

func (e *Engine) refresh(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{PerType: make(map[places.EntityType]*TypeReport)}
	for _, t := range places.AllTypes {
		report.PerType[t] = &TypeReport{}
	}
	defer func() { report.Duration = time.Since(start) }()

	logging.Sync("refresh started")

	// Stage 1: fetch everything up front. Later passes must not interleave
	// with channel traffic, so a half-fetched state never mutates the mirror.
	fresh := make(map[places.EntityType][]places.PlaceEntity)
	for _, t := range places.AllTypes {
		entities, err := e.remote.List(ctx, t)
		if err != nil {
			if t == places.TypeBuilding {
				logging.SyncError("building fetch failed, aborting refresh: %v", err)
				return report, fmt.Errorf("fetching buildings: %w", err)
			}
			logging.SyncWarn("fetch failed for %s, skipping that type this cycle: %v", t, err)
			report.PerType[t].FetchFailed = true
			continue
		}
		fresh[t] = entities
	}
	report.CompletedStages = append(report.CompletedStages, "fetch")

	// Stage 2: deletion pass, child-to-parent order.
	for i := len(places.AllTypes) - 1; i >= 0; i-- {
		t := places.AllTypes[i]
		if report.PerType[t].FetchFailed {
			continue
		}
		removed, err := e.deleteStale(ctx, t, fresh[t])
		if err != nil {
			return report, fmt.Errorf("deletion pass for %s: %w", t, err)
		}
		report.PerType[t].Removed = removed
	}
	report.CompletedStages = append(report.CompletedStages, "delete")

	// Stage 3: creation/update pass, parent-to-child order.
	for _, t := range places.AllTypes {
		if report.PerType[t].FetchFailed {
			continue
		}
		if err := e.createAndUpdate(ctx, t, fresh[t], report.PerType[t]); err != nil {
			return report, fmt.Errorf("creation pass for %s: %w", t, err)
		}
	}
	report.CompletedStages = append(report.CompletedStages, "create")

	logging.Sync("refresh finished in %v", time.Since(start))
	return report, nil
}

// deleteStale removes mirrored rows of type t whose external id is absent
// from the fresh set.
func (e *Engine) deleteStale(ctx context.Context, t places.EntityType, freshSet []places.PlaceEntity) (int, error) {
	freshIDs := make(map[string]bool, len(freshSet))
	for _, f := range freshSet {
		freshIDs[f.ExternalID] = true
	}

	local, err := e.store.ListByType(ctx, t)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range local {
		if freshIDs[row.ExternalID] {
			continue
		}
		if err := e.store.Delete(ctx, row.LocalID); err != nil {
			return removed, err
		}
		logging.Sync("removed %s %s (gone remotely)", t, row.ExternalID)
		removed++
	}
	return removed, nil
}

// createAndUpdate mirrors fresh entities of type t: rows already present get
// an unconditional attribute overwrite, new ones are created if their local
// parent resolves.
func (e *Engine) createAndUpdate(ctx context.Context, t places.EntityType, freshSet []places.PlaceEntity, tr *TypeReport) error {
	for _, f := range freshSet {
		existing, err := e.store.GetByExternalID(ctx, f.ExternalID)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := e.store.UpdateAttributes(ctx, existing.LocalID, f); err != nil {
				return err
			}
			tr.Updated++
			continue
		}

		parentLocalID, ok, err := e.resolveParent(ctx, f)
		if err != nil {
			return err
		}
		if !ok {
			logging.SyncWarn("skipping %s %s: parent %q not resolvable locally",
				t, f.ExternalID, f.ParentExternalID)
			tr.Skipped++
			continue
		}

		row := mirror.Entity{
			ExternalID:      f.ExternalID,
			Type:            f.Type,
			ParentLocalID:   parentLocalID,
			DisplayName:     f.DisplayName,
			Description:     f.Description,
			Street:          f.Street,
			City:            f.City,
			PostalCode:      f.PostalCode,
			CountryOrRegion: f.CountryOrRegion,
			Capacity:        f.Capacity,
			IsBookable:      f.IsBookable,
			ContactAddress:  f.ContactAddress,
		}
		if _, err := e.store.Create(ctx, row); err != nil {
			return err
		}
		logging.Sync("created %s %s", t, f.ExternalID)
		tr.Created++
	}
	return nil
}

// resolveParent finds the local surrogate key of an entity's parent.
// Buildings resolve to no parent. For everything else the parent row must
// already be mirrored and of a type the nesting table permits (which is how
// a Room falls back to a Floor when its Section is gone).
func (e *Engine) resolveParent(ctx context.Context, f places.PlaceEntity) (*int64, bool, error) {
	if f.Type == places.TypeBuilding {
		return nil, true, nil
	}
	if !f.HasParent() {
		return nil, false, nil
	}

	parent, err := e.store.GetByExternalID(ctx, f.ParentExternalID)
	if err != nil {
		return nil, false, err
	}
	if parent == nil || !places.IsValidParent(parent.Type, f.Type) {
		return nil, false, nil
	}
	id := parent.LocalID
	return &id, true, nil
}
