package submission

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	StatusPending = "pending"

	DefaultDeepLinkHost = "wa.me"
	notProvided         = "Not provided"
	// Matches the en-US toLocaleDateString rendering, e.g. 1/15/2025.
	messageDateLayout = "1/2/2006"
)

// Row is the storage-ready shape of a submission. Optional fields are
// pointers so they encode as explicit nulls. ID and FormName are stamped
// by the caller.
type Row struct {
	ID                string   `json:"id,omitempty"`
	FormName          string   `json:"form_name,omitempty"`
	ServiceType       string   `json:"service_type"`
	ProjectName       string   `json:"project_name"`
	Company           *string  `json:"company"`
	StudentName       *string  `json:"student_name"`
	University        *string  `json:"university"`
	Email             string   `json:"email"`
	Phone             *string  `json:"phone"`
	Description       string   `json:"description"`
	KeyFeatures       string   `json:"key_features"`
	ProjectType       string   `json:"project_type"`
	TechStack         []string `json:"tech_stack"`
	Integrations      *string  `json:"integrations"`
	Requirements      *string  `json:"requirements"`
	TimelinePhases    *string  `json:"timeline_phases"`
	Deadline          string   `json:"deadline"`
	Budget            string   `json:"budget"`
	Urgency           *string  `json:"urgency"`
	PreferredTimeline *string  `json:"preferred_timeline"`
	TeamSize          *int     `json:"team_size"`
	PortfolioFocus    bool     `json:"portfolio_focus"`
	IsStudent         bool     `json:"is_student"`
	SubmittedAt       string   `json:"submitted_at"`
	Status            string   `json:"status"`
}

// Formatter turns submissions into rows and chat messages. It has no side
// effects; the clock is only read to stamp submitted_at.
type Formatter struct {
	now      func() time.Time
	location *time.Location
	host     string
}

type FormatterOption func(*Formatter)

func WithClock(now func() time.Time) FormatterOption {
	return func(f *Formatter) { f.now = now }
}

// WithLocation sets the zone deadlines are rendered in for messages.
func WithLocation(loc *time.Location) FormatterOption {
	return func(f *Formatter) {
		if loc != nil {
			f.location = loc
		}
	}
}

func WithDeepLinkHost(host string) FormatterOption {
	return func(f *Formatter) {
		if h := strings.Trim(strings.TrimSpace(host), "/"); h != "" {
			f.host = h
		}
	}
}

func NewFormatter(opts ...FormatterOption) *Formatter {
	f := &Formatter{
		now:      time.Now,
		location: time.UTC,
		host:     DefaultDeepLinkHost,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ToRecord maps a submission onto the persistence row.
func (f *Formatter) ToRecord(sub Submission) (*Row, error) {
	if err := checkContract(sub); err != nil {
		return nil, err
	}
	d := sub.Details()

	deadline, err := d.Deadline.ISO()
	if err != nil {
		return nil, err
	}

	row := &Row{
		ServiceType:    d.ServiceType,
		ProjectName:    d.ProjectName,
		Email:          d.Email,
		Phone:          optional(d.Phone),
		Description:    d.Description,
		KeyFeatures:    d.KeyFeatures,
		ProjectType:    string(d.ResolvedProjectType()),
		Integrations:   optional(d.Integrations),
		Requirements:   optional(d.Requirements),
		TimelinePhases: optional(d.TimelinePhases),
		Deadline:       deadline,
		Budget:         string(d.Budget),
		PortfolioFocus: d.PortfolioFocus,
		IsStudent:      sub.IsStudent(),
		SubmittedAt:    f.now().UTC().Format(isoMillis),
		Status:         StatusPending,
	}
	if len(d.TechStack) > 0 {
		row.TechStack = append([]string(nil), d.TechStack...)
	}
	if d.TeamSize != 0 {
		size := d.TeamSize
		row.TeamSize = &size
	}
	sub.fillRow(row)
	return row, nil
}

// ToMessage renders the labelled chat message. Line order is fixed.
func (f *Formatter) ToMessage(sub Submission) (string, error) {
	if err := checkContract(sub); err != nil {
		return "", err
	}
	d := sub.Details()

	deadline, err := d.Deadline.Time()
	if err != nil {
		return "", err
	}

	phone := d.Phone
	if phone == "" {
		phone = notProvided
	}

	lines := []string{
		fmt.Sprintf("*New Project Request: %s*", d.ServiceType),
		"",
		label("Project Name", d.ProjectName),
		sub.identityLine(),
		label("Email", d.Email),
		label("Phone", phone),
		label("Project Type", string(d.ResolvedProjectType())),
		label("Budget", string(d.Budget)),
	}
	if std, ok := sub.(*StandardSubmission); ok {
		lines = append(lines, label("Urgency", string(std.Urgency)))
	}
	lines = append(lines,
		label("Deadline", deadline.In(f.deadlineLocation(d.Deadline, deadline)).Format(messageDateLayout)),
		"",
		"*Description:*",
		d.Description,
		"",
		"*Key Features:*",
		d.KeyFeatures,
	)

	var extra []string
	if len(d.TechStack) > 0 {
		extra = append(extra, label("Tech Stack", strings.Join(d.TechStack, ", ")))
	}
	if d.Integrations != "" {
		extra = append(extra, label("Integrations", d.Integrations))
	}
	extra = append(extra, sub.variantLines()...)
	if len(extra) > 0 {
		lines = append(lines, "")
		lines = append(lines, extra...)
	}

	return strings.Join(lines, "\n"), nil
}

// deadlineLocation keeps the day the visitor picked: a deadline sent with a
// numeric offset renders in that offset, anything else in the configured
// location.
func (f *Formatter) deadlineLocation(d Deadline, t time.Time) *time.Location {
	if d.hasOffset() {
		return t.Location()
	}
	return f.location
}

// BuildDeepLink returns https://<host>/<destination>?text=<message>.
// The destination is reduced to digits, as chat deep links expect.
func (f *Formatter) BuildDeepLink(message, destination string) string {
	text := strings.ReplaceAll(url.QueryEscape(message), "+", "%20")
	return fmt.Sprintf("https://%s/%s?text=%s", f.host, url.PathEscape(NormalizePhone(destination)), text)
}

// NormalizePhone strips formatting characters from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *StandardSubmission) identityLine() string {
	return label("Company", s.Company)
}

func (s *StandardSubmission) variantLines() []string { return nil }

func (s *StandardSubmission) fillRow(row *Row) {
	row.Company = optional(s.Company)
	row.Urgency = optional(string(s.Urgency))
}

func (s *StudentSubmission) identityLine() string {
	return label("Student Name", s.StudentName)
}

func (s *StudentSubmission) variantLines() []string {
	lines := []string{
		label("University", s.University),
		label("Preferred Timeline", string(s.PreferredTimeline)),
	}
	if s.PortfolioFocus {
		lines = append(lines, label("Portfolio Project", "Yes"))
	}
	return lines
}

func (s *StudentSubmission) fillRow(row *Row) {
	row.StudentName = optional(s.StudentName)
	row.University = optional(s.University)
	row.PreferredTimeline = optional(string(s.PreferredTimeline))
}

// checkContract rejects inputs that form validation should already have
// caught.
func checkContract(sub Submission) error {
	if IsNil(sub) {
		return fmt.Errorf("%w: nil submission", ErrInvalidInput)
	}
	d := sub.Details()
	if d.TeamSize != 0 && (d.TeamSize < MinTeamSize || d.TeamSize > MaxTeamSize) {
		return fmt.Errorf("%w: team size %d outside [%d, %d]", ErrInvalidInput, d.TeamSize, MinTeamSize, MaxTeamSize)
	}
	if _, err := d.Deadline.Time(); err != nil {
		return err
	}
	return nil
}

func label(name, value string) string {
	return "*" + name + ":* " + value
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
