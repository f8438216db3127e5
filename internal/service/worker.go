package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/socialgraph"
)

// Seeder writes dataset records straight into the social graph.
type Seeder struct {
	graph *socialgraph.Client
}

// NewSeeder returns a Seeder over graph.
func NewSeeder(graph *socialgraph.Client) *Seeder {
	return &Seeder{graph: graph}
}

// SeedProfile creates the profile if needed and overwrites its fields with
// the seed. Seeded friends are merged into the existing set.
func (s *Seeder) SeedProfile(ctx context.Context, seed ProfileSeed) error {
	want := seed.ToProfile()
	if !domain.ValidIdentity(want.Identity) {
		return domain.NewValidationError("identity", fmt.Sprintf("malformed identity %q", seed.Identity))
	}
	if _, err := s.graph.CreateProfile(ctx, want.Identity); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return s.graph.Retry(ctx, func(ctx context.Context) error {
		_, err := s.graph.UpdateProfile(ctx, want.Identity, func(p *domain.Profile) {
			p.DisplayName = want.DisplayName
			p.FieldOfStudy = want.FieldOfStudy
			p.YearLabel = want.YearLabel
			p.Bio = want.Bio
			p.Hometown = want.Hometown
			p.Tags = want.Tags
			for _, f := range want.Friends {
				p.AddFriend(f)
			}
		})
		return err
	})
}

// SeedMeetup creates the meetup; an existing one with the same id is left alone.
func (s *Seeder) SeedMeetup(ctx context.Context, seed MeetupSeed) error {
	m := seed.ToMeetup()
	if m.Title == "" || m.Location == "" {
		return domain.NewValidationError("meetup", "title and location are required")
	}
	if len(m.Participants) == 0 {
		return domain.NewValidationError("participants", "a meetup needs at least one participant")
	}
	if _, err := s.graph.CreateMeetup(ctx, m); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

// BulkIngestor processes large seed datasets using worker pools.
type BulkIngestor struct {
	seeder  *Seeder
	workers int
}

// NewBulkIngestor creates a new BulkIngestor instance with the provided concurrency.
func NewBulkIngestor(seeder *Seeder, workers int) *BulkIngestor {
	if workers <= 0 {
		workers = 4
	}
	return &BulkIngestor{
		seeder:  seeder,
		workers: workers,
	}
}

// IngestProfiles processes the provided profile seeds concurrently.
func (bi *BulkIngestor) IngestProfiles(ctx context.Context, seeds []ProfileSeed) error {
	return bi.run(ctx, len(seeds), func(idx int) error {
		if err := bi.seeder.SeedProfile(ctx, seeds[idx]); err != nil {
			return fmt.Errorf("profile %s: %w", seeds[idx].Identity, err)
		}
		return nil
	})
}

// IngestMeetups processes meetup seeds concurrently.
func (bi *BulkIngestor) IngestMeetups(ctx context.Context, seeds []MeetupSeed) error {
	return bi.run(ctx, len(seeds), func(idx int) error {
		if err := bi.seeder.SeedMeetup(ctx, seeds[idx]); err != nil {
			return fmt.Errorf("meetup %q: %w", seeds[idx].Title, err)
		}
		return nil
	})
}

func (bi *BulkIngestor) run(ctx context.Context, total int, workerFn func(idx int) error) error {
	if total == 0 {
		return nil
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			if err := workerFn(idx); err != nil {
				select {
				case errCh <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for i := 0; i < bi.workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	if err := ctx.Err(); err != nil {
		return err
	}
	var errs error
	for err := range errCh {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}
