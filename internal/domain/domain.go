package domain

// Role is a user's global role. Ranked roles form a total order; ADMIN sits
// outside of it.
type Role string

const (
	RoleWorker           Role = "WORKER"
	RoleQualityInspector Role = "QUALITY_INSPECTOR"
	RoleSupervisor       Role = "SUPERVISOR"
	RoleSiteManager      Role = "SITE_MANAGER"
	RoleExecutive        Role = "EXECUTIVE"
	RoleAdmin            Role = "ADMIN"
)

var roleRanks = map[Role]int{
	RoleWorker:           1,
	RoleQualityInspector: 2,
	RoleSupervisor:       3,
	RoleSiteManager:      4,
	RoleExecutive:        5,
}

// Roles lists every role, ranked ones first in ascending order.
func Roles() []Role {
	return []Role{RoleWorker, RoleQualityInspector, RoleSupervisor, RoleSiteManager, RoleExecutive, RoleAdmin}
}

// Rank returns the position of r in the role hierarchy. ADMIN and unknown
// roles report ok=false.
func (r Role) Rank() (int, bool) {
	n, ok := roleRanks[r]
	return n, ok
}

func (r Role) Valid() bool {
	if r == RoleAdmin {
		return true
	}
	_, ok := roleRanks[r]
	return ok
}

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", Validationf("unknown role %q", s)
	}
	return r, nil
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
)

type WorkStatus string

const (
	WorkNotStarted WorkStatus = "NOT_STARTED"
	WorkInProgress WorkStatus = "IN_PROGRESS"
	WorkCompleted  WorkStatus = "COMPLETED"
)

// ParseWorkStatus validates a raw work record status.
func ParseWorkStatus(s string) (WorkStatus, error) {
	switch ws := WorkStatus(s); ws {
	case WorkNotStarted, WorkInProgress, WorkCompleted:
		return ws, nil
	}
	return "", Validationf("unknown work status %q", s)
}

type ProjectCounts struct {
	Buildings              int `json:"buildings"`
	Teams                  int `json:"teams"`
	ConstructionActivities int `json:"constructionActivities"`
}

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	CreatedAt   string        `json:"createdAt" format:"date-time"`
	Buildings   []Building    `json:"buildings,omitempty"`
	Counts      ProjectCounts `json:"_count"`
}

type Building struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Name      string  `json:"name"`
	Floors    []Floor `json:"floors"`
}

type Floor struct {
	ID         string `json:"id"`
	BuildingID string `json:"buildingId"`
	Name       string `json:"name"`
	Units      []Unit `json:"units"`
}

type Unit struct {
	ID      string `json:"id"`
	FloorID string `json:"floorId"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

type Team struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type ConstructionActivity struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED"`
	AssigneeID  *string    `json:"assigneeId,omitempty"`
	StartDate   *string    `json:"startDate,omitempty" format:"date-time"`
	CompletedAt *string    `json:"completedAt,omitempty" format:"date-time"`
	CreatedAt   string     `json:"createdAt" format:"date-time"`
	UpdatedAt   string     `json:"updatedAt" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role" enum:"WORKER,QUALITY_INSPECTOR,SUPERVISOR,SITE_MANAGER,EXECUTIVE,ADMIN"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type ProjectAssignment struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type WorkRecord struct {
	ID         string     `json:"id"`
	UnitID     string     `json:"unitId"`
	ActivityID string     `json:"activityId"`
	WeekStart  string     `json:"weekStart"`
	Status     WorkStatus `json:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED"`
	Progress   int        `json:"progress"`
	UpdatedAt  string     `json:"updatedAt" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"projectId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payloadJson"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}
