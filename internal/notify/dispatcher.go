package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"agrisync/internal/domain"
)

var (
	ErrUnknownCategory   = errors.New("unknown notification category")
	ErrRateLimited       = errors.New("notification window already used")
	ErrNativeUnavailable = errors.New("native notifications unavailable")

	// ErrPermissionDenied means the native channel refused delivery for good.
	ErrPermissionDenied = errors.New("notification permission denied")
)

// Dispatcher delivers a notification through one strategy.
type Dispatcher interface {
	Send(ctx context.Context, req domain.NotificationRequest) error
	Strategy() string
}

type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	PriorityHighest
)

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "highest"
	case PriorityHigh:
		return "high"
	default:
		return "default"
	}
}

const (
	CategoryWeatherAlerts    = "weather-alerts"
	CategoryTaskReminders    = "task-reminders"
	CategoryFarmingReminders = "farming-reminders"
)

type Channel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
}

var channels = map[string]Channel{
	CategoryWeatherAlerts:    {ID: CategoryWeatherAlerts, Name: "Weather alerts", Priority: PriorityHighest},
	CategoryTaskReminders:    {ID: CategoryTaskReminders, Name: "Task reminders", Priority: PriorityHigh},
	CategoryFarmingReminders: {ID: CategoryFarmingReminders, Name: "Farming reminders", Priority: PriorityHigh},
}

func LookupChannel(category string) (Channel, error) {
	ch, ok := channels[category]
	if !ok {
		return Channel{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return ch, nil
}

// Channels lists the registered channels ordered by id.
func Channels() []Channel {
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
