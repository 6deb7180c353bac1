package account

import "time"

// Region is the sales territory a company is assigned to.
type Region string

const (
	RegionNAM  Region = "NAM"
	RegionEMEA Region = "EMEA"
	RegionAPAC Region = "APAC"
)

// Company is an imported prospect record. It is never mutated after import.
type Company struct {
	ID                 string   `json:"id" yaml:"id" validate:"required"`
	Name               string   `json:"name" yaml:"name" validate:"required"`
	URL                string   `json:"url,omitempty" yaml:"url,omitempty"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	Industry           string   `json:"industry" yaml:"industry"`
	EmployeeCount      int      `json:"employeeCount" yaml:"employeeCount" validate:"gte=0"`
	FundingStage       string   `json:"fundingStage,omitempty" yaml:"fundingStage,omitempty"`
	FundingAmount      string   `json:"fundingAmount,omitempty" yaml:"fundingAmount,omitempty"`
	ARREstimate        string   `json:"arrEstimate,omitempty" yaml:"arrEstimate,omitempty"`
	Headquarters       string   `json:"headquarters,omitempty" yaml:"headquarters,omitempty"`
	Region             Region   `json:"region" yaml:"region" validate:"required,oneof=NAM EMEA APAC"`
	Products           []string `json:"products" yaml:"products"`
	DemoPageURL        string   `json:"demoPageUrl,omitempty" yaml:"demoPageUrl,omitempty"`
	TechStack          []string `json:"techStack,omitempty" yaml:"techStack,omitempty"`
	BuyerPersonas      []string `json:"buyerPersonas,omitempty" yaml:"buyerPersonas,omitempty"`
	HiringSignals      []string `json:"hiringSignals,omitempty" yaml:"hiringSignals,omitempty"`
	PainSignals        []string `json:"painSignals,omitempty" yaml:"painSignals,omitempty"`
	IsExistingCustomer bool     `json:"isExistingCustomer,omitempty" yaml:"isExistingCustomer,omitempty"`
}

func (c Company) HasDemoPage() bool { return c.DemoPageURL != "" }
func (c Company) ProductCount() int { return len(c.Products) }
func (c Company) HiringSignalCount() int { return len(c.HiringSignals) }

// Reasoning holds the model's one or two sentence rationale per DRIVE signal.
type Reasoning struct {
	Demo             string `json:"demo"`
	RealAdSpend      string `json:"realAdSpend"`
	IntricateRouting string `json:"intricateRouting"`
	Velocity         string `json:"velocity"`
	Evidence         string `json:"evidence"`
}

// DriveScore is the five-signal judgment for a company. Total is always the
// sum of the five components and each component lies in [1,10].
type DriveScore struct {
	Demo             int       `json:"demo"`
	RealAdSpend      int       `json:"realAdSpend"`
	IntricateRouting int       `json:"intricateRouting"`
	Velocity         int       `json:"velocity"`
	Evidence         int       `json:"evidence"`
	Total            int       `json:"total"`
	Reasoning        Reasoning `json:"reasoning"`
	TopPainSignal    string    `json:"topPainSignal"`
	Summary          string    `json:"summary"`

	// Estimated marks a heuristic stand-in that no model has verified.
	Estimated bool `json:"estimated,omitempty"`
}

// Components returns the five sub-scores in DRIVE order.
func (s DriveScore) Components() [5]int {
	return [5]int{s.Demo, s.RealAdSpend, s.IntricateRouting, s.Velocity, s.Evidence}
}

// OutboundEmail is a drafted cold email for one company.
type OutboundEmail struct {
	Subject              string `json:"subject"`
	Body                 string `json:"body"`
	Angle                string `json:"angle"`
	PersonalizationNotes string `json:"personalizationNotes"`
}

// Status is the outreach state of an account.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusContacted     Status = "contacted"
	StatusReplied       Status = "replied"
	StatusMeetingBooked Status = "meeting_booked"
	StatusSkipped       Status = "skipped"
)

// Statuses lists every status in pipeline-board column order.
var Statuses = []Status{StatusQueued, StatusContacted, StatusReplied, StatusMeetingBooked, StatusSkipped}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// AccountStatus is the latest outreach state for a company. A company with no
// record is implicitly queued.
type AccountStatus struct {
	ID         string    `json:"id,omitempty"`
	CompanyID  string    `json:"companyId"`
	Status     Status    `json:"status"`
	LastAction string    `json:"lastAction,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// StatusOf returns the recorded status for id, or queued when none exists.
func StatusOf(statuses map[string]AccountStatus, id string) Status {
	if st, ok := statuses[id]; ok && st.Status != "" {
		return st.Status
	}
	return StatusQueued
}
