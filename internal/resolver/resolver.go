// Package resolver links Sessions to Jobs from noisy voice data: a spoken
// job tag, the identifying fields of a summary, or both.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/kalambet/sitewalk/internal/storage"
)

// Store is the subset of storage.Store the resolver needs.
type Store interface {
	FindJobByLot(ctx context.Context, subdivision, lot string) (storage.Job, error)
	ListJobsByLot(ctx context.Context, lot string) ([]storage.Job, error)
	CreateJobOrGet(ctx context.Context, j storage.Job) (storage.Job, bool, error)
}

// Resolver finds or lazily creates Jobs.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// New creates a Resolver backed by store.
func New(store Store) *Resolver {
	return &Resolver{store: store, logger: slog.Default()}
}

// MatchTag finds an existing Job for a spoken tag. The lot must match
// exactly (ignoring case); the subdivision may differ by a small edit
// distance to absorb transcription noise. It never creates a Job and
// returns storage.ErrNotFound when nothing matches.
func (r *Resolver) MatchTag(ctx context.Context, tag string) (storage.Job, error) {
	sub, lot, ok := ParseTag(tag)
	if !ok {
		return storage.Job{}, storage.ErrNotFound
	}
	if j, err := r.store.FindJobByLot(ctx, sub, lot); err == nil {
		return j, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, err
	}

	candidates, err := r.store.ListJobsByLot(ctx, lot)
	if err != nil {
		return storage.Job{}, err
	}
	want := normalize(sub)
	best, bestDist := -1, 0
	for i, c := range candidates {
		d := levenshtein.ComputeDistance(want, normalize(c.Subdivision))
		if d <= maxDistance(want) && (best < 0 || d < bestDist) {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return storage.Job{}, storage.ErrNotFound
	}
	r.logger.Debug("fuzzy job match", "tag", tag, "job_id", candidates[best].ID, "distance", bestDist)
	return candidates[best], nil
}

// maxDistance allows roughly one edit per five characters, at least one.
func maxDistance(s string) int {
	if d := len(s) / 5; d > 1 {
		return d
	}
	return 1
}

// Resolve returns the Job described by voiceTag and id, creating one when
// none exists. Fields parsed from the tag take precedence over id. A keyed
// identity (subdivision and lot) is matched case-insensitively before any
// creation. When no identifying field is present at all, Resolve returns
// nil and the Session stays unresolved.
func (r *Resolver) Resolve(ctx context.Context, voiceTag string, id Identity) (*storage.Job, bool, error) {
	id.BuilderName = strings.TrimSpace(id.BuilderName)
	id.Subdivision = strings.TrimSpace(id.Subdivision)
	id.LotNumber = strings.TrimSpace(id.LotNumber)
	voiceTag = strings.TrimSpace(voiceTag)
	if sub, lot, ok := ParseTag(voiceTag); ok {
		id.Subdivision, id.LotNumber = sub, lot
	}

	if id.Keyed() {
		j, err := r.store.FindJobByLot(ctx, id.Subdivision, id.LotNumber)
		if err == nil {
			return &j, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("looking up job: %w", err)
		}
	}

	if id.Empty() && voiceTag == "" {
		return nil, false, nil
	}

	j, created, err := r.store.CreateJobOrGet(ctx, storage.Job{
		Name:        jobName(voiceTag, id),
		BuilderName: id.BuilderName,
		Subdivision: id.Subdivision,
		LotNumber:   id.LotNumber,
		VoiceTag:    voiceTag,
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating job: %w", err)
	}
	if created {
		r.logger.Info("job created", "job_id", j.ID, "name", j.Name)
	}
	return &j, created, nil
}

func jobName(voiceTag string, id Identity) string {
	switch {
	case id.Keyed():
		return fmt.Sprintf("%s Lot %s", id.Subdivision, id.LotNumber)
	case id.Subdivision != "":
		return id.Subdivision
	case voiceTag != "":
		return voiceTag
	case id.LotNumber != "" && id.BuilderName != "":
		return fmt.Sprintf("%s Lot %s", id.BuilderName, id.LotNumber)
	case id.LotNumber != "":
		return "Lot " + id.LotNumber
	default:
		return id.BuilderName
	}
}
