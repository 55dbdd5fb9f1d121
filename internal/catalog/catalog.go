// Package catalog is the read-only contract to the map/team catalog
// collaborator. The engine consumes it only at session start (pool
// snapshot) and during asset sweeps (referenced-asset inventory);
// catalog CRUD lives elsewhere.
package catalog

import (
	"context"

	"gorm.io/gorm"
)

// Map is an active catalog map as offered for session pools.
type Map struct {
	ID       string
	Name     string
	ImageURL string
}

type Catalog interface {
	// ActiveMaps returns the maps eligible for a new session pool, in
	// catalog order.
	ActiveMaps(ctx context.Context) ([]Map, error)
	// ReferencedAssetIDs returns every asset id a current catalog map
	// or team still references.
	ReferencedAssetIDs(ctx context.Context) ([]string, error)
}

// catalogMap mirrors the collaborator's map table. Read-only here.
type catalogMap struct {
	ID       string `gorm:"primaryKey;size:36"`
	Name     string
	ImageURL string
	AssetID  string
	Active   bool
	Position int
}

func (catalogMap) TableName() string { return "catalog_maps" }

// catalogTeam mirrors the collaborator's team table. Read-only here.
type catalogTeam struct {
	ID      string `gorm:"primaryKey;size:36"`
	Name    string
	AssetID string
}

func (catalogTeam) TableName() string { return "catalog_teams" }

// GormCatalog reads the collaborator's tables directly. It never
// writes.
type GormCatalog struct {
	db *gorm.DB
}

func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

func (c *GormCatalog) ActiveMaps(ctx context.Context) ([]Map, error) {
	var rows []catalogMap
	err := c.db.WithContext(ctx).
		Where("active = ?", true).
		Order("position").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Map, 0, len(rows))
	for _, r := range rows {
		out = append(out, Map{ID: r.ID, Name: r.Name, ImageURL: r.ImageURL})
	}
	return out, nil
}

func (c *GormCatalog) ReferencedAssetIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.db.WithContext(ctx).
		Model(&catalogMap{}).
		Where("asset_id <> ''").
		Pluck("asset_id", &ids).Error
	if err != nil {
		return nil, err
	}
	var teamIDs []string
	err = c.db.WithContext(ctx).
		Model(&catalogTeam{}).
		Where("asset_id <> ''").
		Pluck("asset_id", &teamIDs).Error
	if err != nil {
		return nil, err
	}
	return append(ids, teamIDs...), nil
}
