package versioning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/storage"
	"github.com/JakeFAU/scraper-intel/internal/training"
)

// BranchCollection holds branch snapshots.
const BranchCollection = "training_branches"

// MainBranch names the live training set.
const MainBranch = "main"

var (
	// ErrInvalidBranchName is returned for names outside [a-z0-9_-]{1,64}.
	ErrInvalidBranchName = errors.New("invalid branch name")
	// ErrBranchExists is returned when creating a duplicate branch.
	ErrBranchExists = errors.New("branch already exists")
	// ErrBranchNotFound is returned for unknown branches.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrBranchInactive is returned when editing or merging a merged branch.
	ErrBranchInactive = errors.New("branch is not active")
)

var branchName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Branch is a named snapshot of the training set.
type Branch struct {
	Name        string `json:"name"`
	Parent      string `json:"parent"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	// Patterns is the branch's working copy keyed by pattern id.
	Patterns map[string]training.Pattern `json:"patterns"`
	// BaseVersions records the live version of each pattern when the branch
	// was cut; patterns created on the branch have none.
	BaseVersions map[string]int `json:"base_versions"`
	// Modified marks patterns edited on the branch.
	Modified  map[string]bool `json:"modified,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	MergedAt  time.Time       `json:"merged_at,omitzero"`
}

// Conflict is a pattern changed on both sides since the branch was cut.
type Conflict struct {
	PatternID string   `json:"pattern_id"`
	Fields    []string `json:"fields"`
	Reason    string   `json:"reason"`
}

// MergeResult reports a merge attempt. Nothing is written unless Merged.
type MergeResult struct {
	Branch    string     `json:"branch"`
	Merged    bool       `json:"merged"`
	Applied   []string   `json:"applied,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// CreateBranch snapshots the live set, or the working copy of another
// branch when parent names one. An empty parent means main.
func (s *Service) CreateBranch(ctx context.Context, name, parent, description string) (*Branch, error) {
	if !branchName.MatchString(name) || name == MainBranch {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	if parent == "" {
		parent = MainBranch
	}
	now := s.clock.Now()
	b := Branch{
		Name:         name,
		Parent:       parent,
		Description:  description,
		Active:       true,
		Patterns:     make(map[string]training.Pattern),
		BaseVersions: make(map[string]int),
		Modified:     make(map[string]bool),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if parent == MainBranch {
		live, err := s.repo.List(ctx, training.ListFilter{})
		if err != nil {
			return nil, err
		}
		for _, p := range live {
			b.Patterns[p.ID] = *p
			b.BaseVersions[p.ID] = p.Version
		}
	} else {
		src, err := s.GetBranch(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("parent %s: %w", parent, err)
		}
		for id, p := range src.Patterns {
			b.Patterns[id] = *p.Clone()
		}
		for id, v := range src.BaseVersions {
			b.BaseVersions[id] = v
		}
		for id, m := range src.Modified {
			b.Modified[id] = m
		}
	}

	err := s.repo.Store().RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return storage.CreateJSON(ctx, tx, BranchCollection, name, b)
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("%s: %w", name, ErrBranchExists)
	}
	if err != nil {
		return nil, fmt.Errorf("create branch %s: %w", name, err)
	}
	s.logger.Info("branch created",
		zap.String("branch", name),
		zap.String("parent", parent),
		zap.Int("patterns", len(b.Patterns)),
	)
	return &b, nil
}

// GetBranch loads a branch.
func (s *Service) GetBranch(ctx context.Context, name string) (*Branch, error) {
	return s.getBranch(ctx, s.repo.Store(), name)
}

func (s *Service) getBranch(ctx context.Context, g storage.Getter, name string) (*Branch, error) {
	b, err := storage.GetJSON[Branch](ctx, g, BranchCollection, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", name, ErrBranchNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load branch %s: %w", name, err)
	}
	return &b, nil
}

// ListBranches returns every branch ordered by name.
func (s *Service) ListBranches(ctx context.Context) ([]Branch, error) {
	out, err := storage.QueryJSON[Branch](ctx, s.repo.Store(), BranchCollection, storage.Query{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return out, nil
}

// UpdateBranchPattern edits a pattern inside the branch working copy. A
// pattern id absent from the branch starts from an empty pattern, which
// adds it on merge.
func (s *Service) UpdateBranchPattern(ctx context.Context, name, id string, fn func(p *training.Pattern) error) (*training.Pattern, error) {
	var out training.Pattern
	err := s.repo.Store().RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := s.getBranch(ctx, tx, name)
		if err != nil {
			return err
		}
		if !b.Active {
			return fmt.Errorf("%s: %w", name, ErrBranchInactive)
		}
		p, ok := b.Patterns[id]
		if !ok {
			p = training.Pattern{ID: id, Version: 1, CreatedAt: s.clock.Now()}
		}
		if err := fn(&p); err != nil {
			return err
		}
		if p.ID != id {
			return fmt.Errorf("%w: id cannot change", training.ErrInvalid)
		}
		if err := ValidateIntegrity(&p); err != nil {
			return err
		}
		p.UpdatedAt = s.clock.Now()
		b.Patterns[id] = p
		if b.Modified == nil {
			b.Modified = make(map[string]bool)
		}
		b.Modified[id] = true
		b.UpdatedAt = p.UpdatedAt
		out = p
		return storage.PutJSON(ctx, tx, BranchCollection, name, b)
	})
	if err != nil {
		return nil, fmt.Errorf("update %s on branch %s: %w", id, name, err)
	}
	return &out, nil
}

var errConflicts = errors.New("merge conflicts")

// MergeBranch reconciles every pattern in the branch snapshot with the live
// set. A pattern conflicts when its live version moved past the version the
// branch was cut from and the live and branch variants differ, or when it was
// deleted live after the cut. This holds whether or not the branch edited the
// pattern: a snapshot left behind by main would otherwise roll it back. The merge commits in one transaction only when there are no
// conflicts; the branch is then deactivated.
func (s *Service) MergeBranch(ctx context.Context, name string) (MergeResult, error) {
	res := MergeResult{Branch: name}
	err := s.repo.Store().RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res.Applied, res.Conflicts = nil, nil
		b, err := s.getBranch(ctx, tx, name)
		if err != nil {
			return err
		}
		if !b.Active {
			return fmt.Errorf("%s: %w", name, ErrBranchInactive)
		}

		ids := make([]string, 0, len(b.Patterns))
		for id := range b.Patterns {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		var pending []*training.Pattern
		for _, id := range ids {
			branchP := b.Patterns[id]
			live, err := s.repo.GetTx(ctx, tx, id)
			base, wasLive := b.BaseVersions[id]
			switch {
			case errors.Is(err, training.ErrNotFound):
				if wasLive {
					res.Conflicts = append(res.Conflicts, Conflict{PatternID: id, Reason: "deleted on main"})
					continue
				}
				created := branchP.Clone()
				created.Version = 0
				pending = append(pending, created)
				continue
			case err != nil:
				return err
			}
			d := DiffPatterns(live, &branchP)
			if d.Empty() {
				continue
			}
			if live.Version > base {
				res.Conflicts = append(res.Conflicts, Conflict{
					PatternID: id,
					Fields:    d.Fields(),
					Reason:    fmt.Sprintf("main at version %d, branch cut at %d", live.Version, base),
				})
				continue
			}
			pending = append(pending, branchP.Clone())
		}
		if len(res.Conflicts) > 0 {
			return errConflicts
		}

		reason := "merge branch " + name
		for _, p := range pending {
			if err := s.repo.Save(ctx, tx, p, training.ChangeMerged, reason); err != nil {
				return fmt.Errorf("apply %s: %w", p.ID, err)
			}
			res.Applied = append(res.Applied, p.ID)
		}
		now := s.clock.Now()
		b.Active = false
		b.MergedAt = now
		b.UpdatedAt = now
		return storage.PutJSON(ctx, tx, BranchCollection, name, b)
	})
	if errors.Is(err, errConflicts) {
		s.logger.Warn("merge blocked by conflicts",
			zap.String("branch", name),
			zap.Int("conflicts", len(res.Conflicts)),
		)
		return res, nil
	}
	if err != nil {
		return MergeResult{Branch: name}, fmt.Errorf("merge branch %s: %w", name, err)
	}
	res.Merged = true
	s.logger.Info("branch merged", zap.String("branch", name), zap.Int("applied", len(res.Applied)))
	return res, nil
}
