package organization

import (
	"context"
	"errors"
	"strings"
	"time"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const zoneCacheSize = 4096

type Service struct {
	node   *snowflake.Node
	config *config.Config
	repo   repository.Repository[Organization]
	zones  *lru.Cache[string, *time.Location]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) (*Service, error) {
	zones, err := lru.New[string, *time.Location](zoneCacheSize)
	if err != nil {
		return nil, err
	}

	return &Service{
		node:   p.Node,
		config: p.Config,
		repo:   repository.ProvideStore[Organization](p.DB),
		zones:  zones,
	}, nil
}

type CreateRequest struct {
	Name     string `json:"name" yaml:"name"`
	Slug     string `json:"slug" yaml:"slug"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Organization, error) {
	zapLog := zap.L().With(zap.String("name", req.Name))

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errutil.ValidationFailed("invalid organization", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "is required"}))
	}

	slugName := req.Slug
	if slugName == "" {
		slugName = slug.Make(name)
	} else {
		slugName = slug.Make(slugName)
	}

	tz := req.Timezone
	if tz == "" {
		tz = s.config.Platform.Timezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errutil.ValidationFailed("invalid organization", err,
			errutil.WithDetails(errutil.Detail{Field: "timezone", Message: "unknown IANA zone"}))
	}

	exist, err := s.repo.FindOne(ctx, &Organization{Slug: slugName})
	if err != nil {
		zapLog.Error("failed query organization by slug", zap.Error(err))
		return nil, errutil.Internal("failed to check existing organization", err)
	}
	if exist != nil {
		zapLog.Warn("organization already exists", zap.String("slug", slugName))
		return nil, errutil.Conflict("organization already exists", nil)
	}

	org := &Organization{
		ID:       s.node.Generate().String(),
		Name:     name,
		Slug:     slugName,
		Timezone: tz,
		Status:   Active,
	}
	if err := s.repo.Create(ctx, org); err != nil {
		zapLog.Error("failed to create organization", zap.Error(err))
		return nil, errutil.Internal("failed to create organization", err)
	}

	zapLog.Info("organization created", zap.String("organization_id", org.ID), zap.String("slug", org.Slug))
	return org, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Organization, error) {
	org, err := s.repo.FindOne(ctx, &Organization{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to get organization", err)
	}
	if org == nil {
		return nil, errutil.NotFound("organization not found", nil)
	}
	return org, nil
}

func (s *Service) GetBySlug(ctx context.Context, slugName string) (*Organization, error) {
	org, err := s.repo.FindOne(ctx, &Organization{Slug: slug.Make(slugName)})
	if err != nil {
		return nil, errutil.Internal("failed to get organization", err)
	}
	if org == nil {
		return nil, errutil.NotFound("organization not found", nil)
	}
	return org, nil
}

func (s *Service) List(ctx context.Context, p pagination.Pagination) ([]*Organization, *pagination.PageInfo, error) {
	orgs, err := s.repo.Find(ctx, nil, option.ApplyPagination(p))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}
	if err != nil {
		return nil, nil, errutil.Internal("failed to list organizations", err)
	}

	orgs, info := pagination.BuildCursorPageInfo(orgs, option.NormalizeLimit(p.Limit), func(o *Organization) pagination.Cursor {
		return pagination.NewCursor(o.CreatedAt, o.ID)
	})
	return orgs, info, nil
}

func (s *Service) UpdateTimezone(ctx context.Context, id, tz string) (*Organization, error) {
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return nil, errutil.ValidationFailed("invalid timezone", err,
			errutil.WithDetails(errutil.Detail{Field: "timezone", Message: "unknown IANA zone"}))
	}

	if err := s.repo.Update(ctx, id, map[string]any{"timezone": tz}); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("organization not found", err)
		}
		return nil, errutil.Internal("failed to update organization", err)
	}
	s.zones.Remove(id)

	return s.Get(ctx, id)
}

// Location resolves the organization's timezone. Unknown organizations and
// unparsable zones fall back to the platform timezone.
func (s *Service) Location(ctx context.Context, organizationID string) *time.Location {
	if loc, ok := s.zones.Get(organizationID); ok {
		return loc
	}

	fallback := s.config.Location()

	org, err := s.repo.FindOne(ctx, &Organization{ID: organizationID})
	if err != nil {
		zap.L().Warn("failed to resolve organization timezone", zap.String("organization_id", organizationID), zap.Error(err))
		return fallback
	}
	if org == nil || org.Timezone == "" {
		return fallback
	}

	loc, err := time.LoadLocation(org.Timezone)
	if err != nil {
		zap.L().Warn("invalid organization timezone", zap.String("organization_id", organizationID), zap.String("timezone", org.Timezone))
		return fallback
	}

	s.zones.Add(organizationID, loc)
	return loc
}
