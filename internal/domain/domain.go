package domain

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	StatusAbierta    IncidentStatus = "abierta"
	StatusEnProceso  IncidentStatus = "en_proceso"
	StatusEnEspera   IncidentStatus = "en_espera"
	StatusResuelta   IncidentStatus = "resuelta"
	StatusCerrada    IncidentStatus = "cerrada"
	StatusDescartada IncidentStatus = "descartada"
)

// IncidentStatuses lists every valid incident status.
var IncidentStatuses = []IncidentStatus{
	StatusAbierta, StatusEnProceso, StatusEnEspera, StatusResuelta, StatusCerrada, StatusDescartada,
}

func (s IncidentStatus) Valid() bool {
	for _, v := range IncidentStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s IncidentStatus) Terminal() bool {
	return s == StatusCerrada || s == StatusDescartada
}

type Category string

const (
	CategoryElectrica   Category = "electrica"
	CategoryPlomeria    Category = "plomeria"
	CategoryEstructural Category = "estructural"
	CategoryOtra        Category = "otra"
)

var Categories = []Category{CategoryElectrica, CategoryPlomeria, CategoryEstructural, CategoryOtra}

func (c Category) Valid() bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityAlta  Priority = "alta"
	PriorityMedia Priority = "media"
	PriorityBaja  Priority = "baja"
)

var Priorities = []Priority{PriorityAlta, PriorityMedia, PriorityBaja}

func (p Priority) Valid() bool {
	return p == PriorityAlta || p == PriorityMedia || p == PriorityBaja
}

type Severity string

const (
	SeverityMayor Severity = "mayor"
	SeverityMedia Severity = "media"
	SeverityMenor Severity = "menor"
)

func (s Severity) Valid() bool {
	return s == SeverityMayor || s == SeverityMedia || s == SeverityMenor
}

type FormStatus string

const (
	FormBorrador FormStatus = "borrador"
	FormEnviada  FormStatus = "enviada"
	FormRevisada FormStatus = "revisada"
)

type EventType string

const (
	EventCreated          EventType = "created"
	EventStatusChange     EventType = "status_change"
	EventComment          EventType = "comment"
	EventMediaAdded       EventType = "media_added"
	EventAssignmentChange EventType = "assignment_change"
	EventItemUpdated      EventType = "item_updated"
	EventEdited           EventType = "edited"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventStatusChange, EventComment, EventMediaAdded,
		EventAssignmentChange, EventItemUpdated, EventEdited:
		return true
	}
	return false
}

const (
	EntityIncident = "incident"
	EntityForm     = "form"
)

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RawRole   string `json:"raw_role"`
	Role      string `json:"role" enum:"administrador,tecnico,tecnico_campo,beneficiario"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Address   string   `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type HousingUnit struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	BeneficiaryID *string  `json:"beneficiary_id,omitempty"`
	Address       string   `json:"address,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	HandoverAt    *string  `json:"handover_at,omitempty" format:"date-time"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type Incident struct {
	ID            string         `json:"id"`
	HousingUnitID string         `json:"housing_unit_id"`
	ReporterID    string         `json:"reporter_id"`
	Description   string         `json:"description"`
	Category      *Category      `json:"category"`
	Priority      Priority       `json:"priority" enum:"alta,media,baja"`
	Status        IncidentStatus `json:"status" enum:"abierta,en_proceso,en_espera,resuelta,cerrada,descartada"`
	AssigneeID    *string        `json:"assignee_id"`
	SourceFormID  *string        `json:"source_form_id,omitempty"`
	SourceItemID  *string        `json:"source_item_id,omitempty"`
	Version       int            `json:"version"`
	ReportedAt    string         `json:"reported_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	ResolvedAt    *string        `json:"resolved_at,omitempty" format:"date-time"`
	ClosedAt      *string        `json:"closed_at,omitempty" format:"date-time"`
	Media         []Media        `json:"media,omitempty"`
	// Deadlines is filled on the detail view only.
	Deadlines *Deadlines `json:"deadlines,omitempty"`
}

type Media struct {
	ID          string `json:"id"`
	IncidentID  string `json:"incident_id"`
	Position    int    `json:"position"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Deadlines are derived from the incident and its housing unit; never stored.
type Deadlines struct {
	RespondBy        string  `json:"respond_by" format:"date-time"`
	RespondDaysLeft  int     `json:"respond_days_left"`
	WarrantyUntil    *string `json:"warranty_until,omitempty" format:"date-time"`
	WarrantyDaysLeft *int    `json:"warranty_days_left,omitempty"`
}

type ChecklistForm struct {
	ID              string          `json:"id"`
	BeneficiaryID   string          `json:"beneficiary_id"`
	HousingUnitID   string          `json:"housing_unit_id"`
	Status          FormStatus      `json:"status" enum:"borrador,enviada,revisada"`
	TemplateVersion string          `json:"template_version"`
	Version         int             `json:"version"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	SubmittedAt     *string         `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedAt      *string         `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewerID      *string         `json:"reviewer_id,omitempty"`
	Items           []ChecklistItem `json:"items"`
}

type ChecklistItem struct {
	ID             string    `json:"id"`
	FormID         string    `json:"form_id"`
	Position       int       `json:"position"`
	Code           string    `json:"code"`
	Room           string    `json:"room"`
	Label          string    `json:"label"`
	Category       string    `json:"category,omitempty"`
	OK             *bool     `json:"ok"`
	Severity       *Severity `json:"severity"`
	Comment        string    `json:"comment,omitempty"`
	Photos         []string  `json:"photos"`
	CreateIncident *bool     `json:"create_incident"`
	IncidentID     *string   `json:"incident_id,omitempty"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
}

// Answered reports whether the beneficiary set ok explicitly.
func (i ChecklistItem) Answered() bool {
	return i.OK != nil
}

// SpawnsIncident reports whether review should create an incident for the item.
func (i ChecklistItem) SpawnsIncident() bool {
	if i.OK == nil || *i.OK {
		return false
	}
	return i.CreateIncident == nil || *i.CreateIncident
}

type HistoryEvent struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	EntityKind string         `json:"entity_kind" enum:"incident,form"`
	EntityID   string         `json:"entity_id"`
	Type       EventType      `json:"type"`
	FromState  *string        `json:"from,omitempty"`
	ToState    *string        `json:"to,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Technician struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Role                string `json:"role"`
	ActiveIncidentCount int    `json:"active_incident_count"`
	Workload            string `json:"workload" enum:"libre,baja,media,alta"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
