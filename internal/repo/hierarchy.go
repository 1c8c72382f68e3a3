package repo

import (
	"context"
	"database/sql"
	"errors"

	"sitetrack/internal/domain"
)

// InsertBuildings writes buildings with their floors and units.
func (r Repo) InsertBuildings(ctx context.Context, tx *sql.Tx, buildings []domain.Building) error {
	c := r.conn(tx)
	for _, b := range buildings {
		if _, err := c.ExecContext(ctx, `INSERT INTO buildings(id,project_id,name) VALUES (?,?,?)`, b.ID, b.ProjectID, b.Name); err != nil {
			return err
		}
		for _, f := range b.Floors {
			if _, err := c.ExecContext(ctx, `INSERT INTO floors(id,building_id,name) VALUES (?,?,?)`, f.ID, b.ID, f.Name); err != nil {
				return err
			}
			for _, u := range f.Units {
				if _, err := c.ExecContext(ctx, `INSERT INTO units(id,floor_id,name,type) VALUES (?,?,?,?)`, u.ID, f.ID, u.Name, u.Type); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// LoadTree materializes every building, floor and unit of a project, each
// level ordered by name.
func (r Repo) LoadTree(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Building, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `
SELECT b.id, b.name, f.id, f.name, u.id, u.name, u.type
FROM buildings b
LEFT JOIN floors f ON f.building_id=b.id
LEFT JOIN units u ON u.floor_id=f.id
WHERE b.project_id=?
ORDER BY b.name, b.id, f.name, f.id, u.name, u.id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	buildings := []domain.Building{}
	for rows.Next() {
		var (
			bID, bName                    string
			fID, fName, uID, uName, uType sql.NullString
		)
		if err := rows.Scan(&bID, &bName, &fID, &fName, &uID, &uName, &uType); err != nil {
			return nil, err
		}
		if n := len(buildings); n == 0 || buildings[n-1].ID != bID {
			buildings = append(buildings, domain.Building{ID: bID, ProjectID: projectID, Name: bName, Floors: []domain.Floor{}})
		}
		b := &buildings[len(buildings)-1]
		if !fID.Valid {
			continue
		}
		if n := len(b.Floors); n == 0 || b.Floors[n-1].ID != fID.String {
			b.Floors = append(b.Floors, domain.Floor{ID: fID.String, BuildingID: bID, Name: fName.String, Units: []domain.Unit{}})
		}
		f := &b.Floors[len(b.Floors)-1]
		if !uID.Valid {
			continue
		}
		f.Units = append(f.Units, domain.Unit{ID: uID.String, FloorID: fID.String, Name: uName.String, Type: uType.String})
	}
	return buildings, rows.Err()
}

// GetBuilding returns a building row without its floors.
func (r Repo) GetBuilding(ctx context.Context, tx *sql.Tx, id string) (domain.Building, error) {
	var b domain.Building
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id, project_id, name FROM buildings WHERE id=?`, id).Scan(&b.ID, &b.ProjectID, &b.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return b, domain.NotFoundf("building %s not found", id)
	}
	return b, err
}

// CountUnits returns the number of units in a project.
func (r Repo) CountUnits(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `
SELECT COUNT(*) FROM units u
JOIN floors f ON f.id=u.floor_id
JOIN buildings b ON b.id=f.building_id
WHERE b.project_id=?`, projectID).Scan(&n)
	return n, err
}
