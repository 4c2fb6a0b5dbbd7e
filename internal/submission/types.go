package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studio-intake/internal/util"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("submission not found")
)

type ProjectType string

const (
	ProjectTypeWebApp    ProjectType = "web-app"
	ProjectTypeMobileApp ProjectType = "mobile-app"
	ProjectTypeBranding  ProjectType = "branding"
	ProjectTypeAIML      ProjectType = "ai-ml"
	ProjectTypeECommerce ProjectType = "ecommerce"
	ProjectTypeOther     ProjectType = "other"
)

func (p ProjectType) Valid() bool {
	switch p {
	case ProjectTypeWebApp, ProjectTypeMobileApp, ProjectTypeBranding,
		ProjectTypeAIML, ProjectTypeECommerce, ProjectTypeOther:
		return true
	}
	return false
}

// ProjectTypeForService derives the project type from the service the
// visitor picked on the site.
func ProjectTypeForService(serviceType string) ProjectType {
	s := strings.ToLower(serviceType)
	switch {
	case strings.Contains(s, "commerce"), strings.Contains(s, "shop"):
		return ProjectTypeECommerce
	case strings.Contains(s, "mobile"):
		return ProjectTypeMobileApp
	case strings.Contains(s, "web"):
		return ProjectTypeWebApp
	case strings.Contains(s, "brand"), strings.Contains(s, "identity"):
		return ProjectTypeBranding
	case hasWord(s, "ai"), strings.Contains(s, "machine learning"), strings.Contains(s, "automation"):
		return ProjectTypeAIML
	default:
		return ProjectTypeOther
	}
}

func hasWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '/' || r == '-' || r == '&' }) {
		if f == word {
			return true
		}
	}
	return false
}

type Budget string

const (
	BudgetUnder5k  Budget = "under-5k"
	Budget5kTo10k  Budget = "5k-10k"
	Budget10kTo50k Budget = "10k-50k"
	Budget50kPlus  Budget = "50k-plus"
	BudgetFlexible Budget = "flexible"
)

func (b Budget) Valid() bool {
	switch b {
	case BudgetUnder5k, Budget5kTo10k, Budget10kTo50k, Budget50kPlus, BudgetFlexible:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

type PreferredTimeline string

const (
	Timeline1To2Weeks  PreferredTimeline = "1-2 weeks"
	Timeline2To4Weeks  PreferredTimeline = "2-4 weeks"
	Timeline1To2Months PreferredTimeline = "1-2 months"
	Timeline2To3Months PreferredTimeline = "2-3 months"
	TimelineFlexible   PreferredTimeline = "flexible"
)

func (t PreferredTimeline) Valid() bool {
	switch t {
	case Timeline1To2Weeks, Timeline2To4Weeks, Timeline1To2Months, Timeline2To3Months, TimelineFlexible:
		return true
	}
	return false
}

// Team size is optional; zero means the visitor left it blank.
const (
	MinTeamSize = 1
	MaxTeamSize = 50
)

// ProjectDetails are the fields every submission carries.
type ProjectDetails struct {
	ServiceType    string      `json:"serviceType" validate:"required,max=100"`
	ProjectName    string      `json:"projectName" validate:"required,max=200"`
	Email          string      `json:"email" validate:"required,email,max=255"`
	Phone          string      `json:"phone,omitempty" validate:"omitempty,max=40"`
	Description    string      `json:"description" validate:"required,max=5000"`
	KeyFeatures    string      `json:"keyFeatures" validate:"required,max=5000"`
	ProjectType    ProjectType `json:"projectType,omitempty" validate:"omitempty,project_type"`
	TechStack      []string    `json:"techStack,omitempty" validate:"max=30,dive,max=60"`
	Integrations   string      `json:"integrations,omitempty" validate:"max=2000"`
	Requirements   string      `json:"requirements,omitempty" validate:"max=5000"`
	TimelinePhases string      `json:"timelinePhases,omitempty" validate:"max=5000"`
	Deadline       Deadline    `json:"deadline" validate:"required,datetime=2006-01-02T15:04:05.000Z"`
	Budget         Budget      `json:"budget" validate:"required,budget"`
	TeamSize       int         `json:"teamSize,omitempty" validate:"omitempty,min=1,max=50"`
	PortfolioFocus bool        `json:"portfolioFocus,omitempty"`
}

// ResolvedProjectType falls back to the service-derived type.
func (d *ProjectDetails) ResolvedProjectType() ProjectType {
	if d.ProjectType != "" {
		return d.ProjectType
	}
	return ProjectTypeForService(d.ServiceType)
}

func (d *ProjectDetails) clean() {
	d.ServiceType = util.CleanText(d.ServiceType)
	d.ProjectName = util.CleanText(d.ProjectName)
	d.Email = strings.ToLower(util.CleanText(d.Email))
	d.Phone = util.CleanText(d.Phone)
	d.Description = util.CleanText(d.Description)
	d.KeyFeatures = util.CleanText(d.KeyFeatures)
	d.Integrations = util.CleanText(d.Integrations)
	d.Requirements = util.CleanText(d.Requirements)
	d.TimelinePhases = util.CleanText(d.TimelinePhases)

	stack := d.TechStack[:0]
	for _, s := range d.TechStack {
		if s = util.CleanText(s); s != "" {
			stack = append(stack, s)
		}
	}
	d.TechStack = stack
}

// Submission is one project request, either a StandardSubmission or a
// StudentSubmission. The set is closed.
type Submission interface {
	Details() *ProjectDetails
	IsStudent() bool
	// Clean trims free text and drops control characters in place.
	Clean()

	identityLine() string
	variantLines() []string
	fillRow(row *Row)
}

// StandardSubmission comes from a company or individual client.
type StandardSubmission struct {
	ProjectDetails
	Company string  `json:"company" validate:"required,max=200"`
	Urgency Urgency `json:"urgency" validate:"required,urgency"`
}

func (s *StandardSubmission) Details() *ProjectDetails { return &s.ProjectDetails }
func (s *StandardSubmission) IsStudent() bool          { return false }

func (s *StandardSubmission) Clean() {
	if s == nil {
		return
	}
	s.ProjectDetails.clean()
	s.Company = util.CleanText(s.Company)
}

// StudentSubmission comes from the student programme form.
type StudentSubmission struct {
	ProjectDetails
	StudentName       string            `json:"studentName" validate:"required,max=200"`
	University        string            `json:"university" validate:"required,max=200"`
	PreferredTimeline PreferredTimeline `json:"preferredTimeline" validate:"required,timeline"`
}

func (s *StudentSubmission) Details() *ProjectDetails { return &s.ProjectDetails }
func (s *StudentSubmission) IsStudent() bool          { return true }

func (s *StudentSubmission) Clean() {
	if s == nil {
		return
	}
	s.ProjectDetails.clean()
	s.StudentName = util.CleanText(s.StudentName)
	s.University = util.CleanText(s.University)
}

// IsNil reports a missing submission, including a typed nil variant.
func IsNil(sub Submission) bool {
	switch v := sub.(type) {
	case nil:
		return true
	case *StandardSubmission:
		return v == nil
	case *StudentSubmission:
		return v == nil
	}
	return false
}

// Receipt confirms a stored submission without exposing its contents.
type Receipt struct {
	ID          string    `json:"id"`
	FormName    string    `json:"form_name"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Decode reads a form payload and picks the variant from isStudent.
func Decode(data []byte) (Submission, error) {
	var envelope struct {
		IsStudent bool `json:"isStudent"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var sub Submission
	if envelope.IsStudent {
		sub = &StudentSubmission{}
	} else {
		sub = &StandardSubmission{}
	}
	if err := json.Unmarshal(data, sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return sub, nil
}
