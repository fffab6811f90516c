package domain

import (
	"fmt"
	"strings"
	"time"
)

type TaskType string

const (
	TaskDataRefresh   TaskType = "data-refresh"
	TaskReminderCheck TaskType = "reminder-check"
	TaskCleanup       TaskType = "cleanup"
)

// ScheduledTask is one row of the scheduler's task table. Schedule is
// one of "HH:MM", "<weekday> HH:MM" or "@every <duration>".
type ScheduledTask struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	LastRun  *time.Time `json:"lastRun"`
	NextRun  time.Time  `json:"nextRun"`
	IsActive bool       `json:"isActive"`
	TaskType TaskType   `json:"taskType"`
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

func ParseSeverity(v string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(v, name) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type ForecastRecord struct {
	Region     string    `json:"region,omitempty"`
	Date       time.Time `json:"date"`
	Condition  string    `json:"condition"`
	Summary    string    `json:"summary"`
	TempMaxC   *float64  `json:"tempMaxC,omitempty"`
	TempMinC   *float64  `json:"tempMinC,omitempty"`
	RainfallMM *float64  `json:"rainfallMm,omitempty"`
	Baseline   bool      `json:"baseline,omitempty"`
}

type CautionRecord struct {
	ID         string    `json:"id"`
	Hazard     string    `json:"hazard"`
	Region     string    `json:"region,omitempty"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	IssuedAt   time.Time `json:"issuedAt"`
	ValidUntil time.Time `json:"validUntil"`
}

// Expired reports whether the caution must no longer be dispatched.
func (c CautionRecord) Expired(now time.Time) bool {
	return now.After(c.ValidUntil)
}

type CachedDataset struct {
	Forecasts     []ForecastRecord `json:"forecasts"`
	Cautions      []CautionRecord  `json:"cautions"`
	BulletinLabel string           `json:"bulletinLabel"`
	FetchedAt     time.Time        `json:"fetchedAt"`
	Regions       []string         `json:"regions"`
}

type NotificationRequest struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Category string            `json:"category"`
	Payload  map[string]string `json:"payload,omitempty"`
}

type Reminder struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Type          string     `json:"type"`
	Category      string     `json:"category"`
	ScheduledDate time.Time  `json:"scheduledDate"`
	IsSent        bool       `json:"isSent"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	IsActive      bool       `json:"isActive"`
	RelatedItemID string     `json:"relatedItemId"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CropSchedule is the minimal crop record the reminder engine needs.
type CropSchedule struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	CropName     string    `json:"cropName"`
	PlantingDate time.Time `json:"plantingDate"`
	HarvestDate  time.Time `json:"harvestDate"`
}
