package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
)

// RoleResolver maps a role name to a user for a client.
type RoleResolver interface {
	ResolveRole(ctx context.Context, firmID, clientID uint, roleName string) (userID uint, found bool, err error)
}

// ClientRegistry reports whether a client exists for a firm.
type ClientRegistry interface {
	ClientExists(ctx context.Context, firmID, clientID uint) (bool, error)
}

// StatusCatalog lists a firm's statuses for one scope, ordered by position.
type StatusCatalog interface {
	Statuses(ctx context.Context, firmID uint, scope string) ([]wfDB.Status, error)
}

// GormRoleResolver prefers a client specific assignment and falls back to the firm wide one.
type GormRoleResolver struct {
	DB *gorm.DB
}

func (r *GormRoleResolver) ResolveRole(ctx context.Context, firmID, clientID uint, roleName string) (uint, bool, error) {
	if roleName == "" {
		return 0, false, nil
	}
	var ra wfDB.RoleAssignment
	err := r.DB.WithContext(ctx).
		Where("firm_id = ? AND role_name = ? AND client_id IN ?", firmID, roleName, []uint{clientID, 0}).
		Order("client_id DESC").
		First(&ra).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve role %q: %w", roleName, err)
	}
	return ra.UserID, true, nil
}

type GormClientRegistry struct {
	DB *gorm.DB
}

func (r *GormClientRegistry) ClientExists(ctx context.Context, firmID, clientID uint) (bool, error) {
	var n int64
	if err := r.DB.WithContext(ctx).Model(&wfDB.Client{}).
		Where("id = ? AND firm_id = ?", clientID, firmID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to look up client %d: %w", clientID, err)
	}
	return n > 0, nil
}

type GormStatusCatalog struct {
	DB *gorm.DB
}

func (c *GormStatusCatalog) Statuses(ctx context.Context, firmID uint, scope string) ([]wfDB.Status, error) {
	var statuses []wfDB.Status
	if err := c.DB.WithContext(ctx).Where("firm_id = ? AND scope = ?", firmID, scope).
		Order("position, id").Find(&statuses).Error; err != nil {
		return nil, fmt.Errorf("failed to load %s statuses for firm %d: %w", scope, firmID, err)
	}
	return statuses, nil
}

// StatusSet indexes one scope of a firm's catalog.
type StatusSet struct {
	Default wfDB.Status
	byID    map[uint]wfDB.Status
	byName  map[string]wfDB.Status
}

// LoadStatusSet reads a catalog scope. The default is the row flagged is_default, or the first
// by position when none is flagged.
func LoadStatusSet(ctx context.Context, catalog StatusCatalog, firmID uint, scope string) (*StatusSet, error) {
	statuses, err := catalog.Statuses(ctx, firmID, scope)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("%w: firm %d has no %s statuses", ErrUnknownStatus, firmID, scope)
	}
	sort.SliceStable(statuses, func(i, j int) bool { return statuses[i].Position < statuses[j].Position })

	set := &StatusSet{
		Default: statuses[0],
		byID:    make(map[uint]wfDB.Status, len(statuses)),
		byName:  make(map[string]wfDB.Status, len(statuses)),
	}
	found := false
	for _, s := range statuses {
		set.byID[s.ID] = s
		set.byName[strings.ToLower(s.Name)] = s
		if s.IsDefault && !found {
			set.Default, found = s, true
		}
	}
	return set, nil
}

// Lookup finds a status by case-insensitive name.
func (s *StatusSet) Lookup(name string) (wfDB.Status, error) {
	st, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return wfDB.Status{}, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
	}
	return st, nil
}

func (s *StatusSet) ByID(id uint) (wfDB.Status, bool) {
	st, ok := s.byID[id]
	return st, ok
}

func (s *StatusSet) IsTerminal(id uint) bool {
	return s.byID[id].IsTerminal
}

// Name returns the status name for id, or its numeric form when it is not in the catalog.
func (s *StatusSet) Name(id uint) string {
	if st, ok := s.byID[id]; ok {
		return st.Name
	}
	return fmt.Sprintf("#%d", id)
}

// FirmStatuses bundles a firm's task and work item status sets.
type FirmStatuses struct {
	Task *StatusSet
	Work *StatusSet
}

func LoadFirmStatuses(ctx context.Context, catalog StatusCatalog, firmID uint) (*FirmStatuses, error) {
	task, err := LoadStatusSet(ctx, catalog, firmID, wfDB.StatusScopeTask)
	if err != nil {
		return nil, err
	}
	work, err := LoadStatusSet(ctx, catalog, firmID, wfDB.StatusScopeWork)
	if err != nil {
		return nil, err
	}
	return &FirmStatuses{Task: task, Work: work}, nil
}
