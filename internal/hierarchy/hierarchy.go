// Package hierarchy derives figures from a project's Building -> Floor -> Unit
// tree and expands bulk-create patterns into tree rows.
package hierarchy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"sitetrack/internal/domain"
)

// Stats is the derived summary attached to a project response.
type Stats struct {
	TotalFloors          int `json:"totalFloors"`
	TotalUnits           int `json:"totalUnits"`
	CompletionPercentage int `json:"completionPercentage"`
}

// ComputeStats sums floors and units over a fully materialized project tree.
// CompletionPercentage is not derived here and is always 0; callers that opt
// in use CompletionPercentage with counts from the store.
func ComputeStats(p domain.Project) Stats {
	var s Stats
	for _, b := range p.Buildings {
		s.TotalFloors += len(b.Floors)
		for _, f := range b.Floors {
			s.TotalUnits += len(f.Units)
		}
	}
	return s
}

// CompletionPercentage returns completed/total as a whole percentage, rounded
// down. Zero units yields 0.
func CompletionPercentage(completedUnits, totalUnits int) int {
	if totalUnits <= 0 || completedUnits <= 0 {
		return 0
	}
	if completedUnits >= totalUnits {
		return 100
	}
	return completedUnits * 100 / totalUnits
}

const (
	MaxBuildings     = 100
	MaxFloors        = 200
	MaxUnitsPerFloor = 100
	MaxTotalUnits    = 20000
)

// Pattern describes a uniform block of buildings to create in one request.
type Pattern struct {
	Buildings         int
	FloorsPerBuilding int
	UnitsPerFloor     int
	BuildingPrefix    string
	FloorPrefix       string
	UnitPrefix        string
	UnitType          string
}

func (p *Pattern) normalize() {
	p.BuildingPrefix = strings.TrimSpace(p.BuildingPrefix)
	p.FloorPrefix = strings.TrimSpace(p.FloorPrefix)
	p.UnitPrefix = strings.TrimSpace(p.UnitPrefix)
	p.UnitType = strings.TrimSpace(p.UnitType)
	if p.BuildingPrefix == "" {
		p.BuildingPrefix = "Building"
	}
	if p.FloorPrefix == "" {
		p.FloorPrefix = "Floor"
	}
	if p.UnitType == "" {
		p.UnitType = "APARTMENT"
	}
}

// Validate checks counts against the bulk-create limits.
func (p Pattern) Validate() error {
	switch {
	case p.Buildings < 1 || p.Buildings > MaxBuildings:
		return domain.Validationf("buildings must be between 1 and %d", MaxBuildings)
	case p.FloorsPerBuilding < 1 || p.FloorsPerBuilding > MaxFloors:
		return domain.Validationf("floorsPerBuilding must be between 1 and %d", MaxFloors)
	case p.UnitsPerFloor < 1 || p.UnitsPerFloor > MaxUnitsPerFloor:
		return domain.Validationf("unitsPerFloor must be between 1 and %d", MaxUnitsPerFloor)
	case p.Buildings*p.FloorsPerBuilding*p.UnitsPerFloor > MaxTotalUnits:
		return domain.Validationf("pattern creates more than %d units", MaxTotalUnits)
	}
	return nil
}

// Expand builds the rows for pattern under projectID. Names are zero padded so
// that lexicographic order follows numeric order.
func Expand(projectID string, pattern Pattern) ([]domain.Building, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, domain.Validationf("project id is required")
	}
	pattern.normalize()
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	bWidth := digits(pattern.Buildings)
	fWidth := digits(pattern.FloorsPerBuilding)
	uWidth := max(2, digits(pattern.UnitsPerFloor))
	buildings := make([]domain.Building, 0, pattern.Buildings)
	for b := 1; b <= pattern.Buildings; b++ {
		building := domain.Building{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Name:      fmt.Sprintf("%s %0*d", pattern.BuildingPrefix, bWidth, b),
			Floors:    make([]domain.Floor, 0, pattern.FloorsPerBuilding),
		}
		for f := 1; f <= pattern.FloorsPerBuilding; f++ {
			floor := domain.Floor{
				ID:         uuid.NewString(),
				BuildingID: building.ID,
				Name:       fmt.Sprintf("%s %0*d", pattern.FloorPrefix, fWidth, f),
				Units:      make([]domain.Unit, 0, pattern.UnitsPerFloor),
			}
			for u := 1; u <= pattern.UnitsPerFloor; u++ {
				floor.Units = append(floor.Units, domain.Unit{
					ID:      uuid.NewString(),
					FloorID: floor.ID,
					Name:    fmt.Sprintf("%s%0*d%0*d", pattern.UnitPrefix, fWidth, f, uWidth, u),
					Type:    pattern.UnitType,
				})
			}
			building.Floors = append(building.Floors, floor)
		}
		buildings = append(buildings, building)
	}
	return buildings, nil
}

func digits(n int) int {
	return len(strconv.Itoa(n))
}
