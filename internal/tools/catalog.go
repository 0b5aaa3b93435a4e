package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/approval"
)

// WeatherProvider supplies current conditions for a city.
type WeatherProvider interface {
	Current(ctx context.Context, city string) (string, error)
}

// Notifier pushes a message to the operator's notification channel.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// ScheduledTask is the catalog's view of a pending scheduled task.
type ScheduledTask struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	NextRun     time.Time     `json:"next_run"`
	Every       time.Duration `json:"every,omitempty"`
}

// TaskScheduler manages deferred task execution.
type TaskScheduler interface {
	Schedule(ctx context.Context, description string, at time.Time, every time.Duration) (string, error)
	Tasks(ctx context.Context) ([]ScheduledTask, error)
	Cancel(ctx context.Context, id string) error
}

// CatalogDeps carries the collaborators the builtin tools need. A nil
// collaborator disables the tools that depend on it, so a deployment
// without MQTT simply never advertises sendNotification.
type CatalogDeps struct {
	Weather   WeatherProvider
	Notifier  Notifier
	Scheduler TaskScheduler
	Now       func() time.Time
	Logger    *slog.Logger
}

// BuildCatalog registers the builtin tools and their approval
// resolvers. Confirmation-required tools (weather lookup, operator
// notification) get resolvers; auto-execute tools get Execute funcs.
func BuildCatalog(deps CatalogDeps) (*Registry, *approval.Resolvers, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	reg := NewRegistry(deps.Logger)
	res := approval.NewResolvers()

	if deps.Weather != nil {
		reg.MustRegister(&Descriptor{
			Name:        "getWeatherInformation",
			Description: "Show the current weather in a given city to the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{
						"type":        "string",
						"description": "City to look up, e.g. Berlin",
					},
				},
				"required": []string{"city"},
			},
		})
		err := res.Register("getWeatherInformation", func(ctx context.Context, args map[string]any, _ approval.Call) (string, error) {
			d, _ := reg.Lookup("getWeatherInformation")
			if err := ValidateArgs(d, args); err != nil {
				return "", err
			}
			city, _ := args["city"].(string)
			return deps.Weather.Current(ctx, city)
		})
		if err != nil {
			return nil, nil, err
		}
	}

	reg.MustRegister(&Descriptor{
		Name:        "getLocalTime",
		Description: "Get the current local time, optionally in a named IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name such as Europe/Berlin. Defaults to the server timezone.",
				},
			},
		},
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			now := deps.Now()
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q: %w", tz, err)
				}
				now = now.In(loc)
			}
			return now.Format("Monday, 2 January 2006 15:04:05 MST"), nil
		},
	})

	if deps.Notifier != nil {
		reg.MustRegister(&Descriptor{
			Name:        "sendNotification",
			Description: "Send a push notification to the operator's devices.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Short notification title",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Notification body text",
					},
				},
				"required": []string{"message"},
			},
		})
		err := res.Register("sendNotification", func(ctx context.Context, args map[string]any, _ approval.Call) (string, error) {
			d, _ := reg.Lookup("sendNotification")
			if err := ValidateArgs(d, args); err != nil {
				return "", err
			}
			title, _ := args["title"].(string)
			body, _ := args["message"].(string)
			if err := deps.Notifier.Notify(ctx, title, body); err != nil {
				return "", err
			}
			return "notification sent", nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	if deps.Scheduler != nil {
		registerSchedulerTools(reg, deps)
	}

	return reg, res, nil
}

func registerSchedulerTools(reg *Registry, deps CatalogDeps) {
	reg.MustRegister(&Descriptor{
		Name:        "scheduleTask",
		Description: "Schedule a task to run later, once or on a repeating interval.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"description": "What the task should do when it fires",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "RFC3339 timestamp or a relative duration like 10m or 2h",
				},
				"every": map[string]any{
					"type":        "string",
					"description": "Optional repeat interval as a duration, e.g. 24h",
				},
			},
			"required": []string{"description", "when"},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			d, _ := reg.Lookup("scheduleTask")
			if err := ValidateArgs(d, args); err != nil {
				return "", err
			}
			description, _ := args["description"].(string)
			when, _ := args["when"].(string)

			at, err := parseWhen(when, deps.Now())
			if err != nil {
				return "", err
			}
			var every time.Duration
			if rawEvery, ok := args["every"].(string); ok && rawEvery != "" {
				every, err = time.ParseDuration(rawEvery)
				if err != nil {
					return "", fmt.Errorf("invalid repeat interval %q: %w", rawEvery, err)
				}
			}

			id, err := deps.Scheduler.Schedule(ctx, description, at, every)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("scheduled task %s for %s", id, at.Format(time.RFC3339)), nil
		},
	})

	reg.MustRegister(&Descriptor{
		Name:        "getScheduledTasks",
		Description: "List all pending scheduled tasks.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, _ map[string]any) (string, error) {
			list, err := deps.Scheduler.Tasks(ctx)
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return "no tasks scheduled", nil
			}
			b, err := json.Marshal(list)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	})

	reg.MustRegister(&Descriptor{
		Name:        "cancelScheduledTask",
		Description: "Cancel a pending scheduled task by its id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Task id as returned by scheduleTask",
				},
			},
			"required": []string{"id"},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			d, _ := reg.Lookup("cancelScheduledTask")
			if err := ValidateArgs(d, args); err != nil {
				return "", err
			}
			id, _ := args["id"].(string)
			if err := deps.Scheduler.Cancel(ctx, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("cancelled task %s", id), nil
		},
	})
}

// parseWhen interprets a scheduling target as either an absolute
// RFC3339 timestamp or a duration relative to now.
func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return time.Time{}, fmt.Errorf("empty schedule time")
	}
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(when); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("schedule duration must be positive, got %s", when)
		}
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse schedule time %q: want RFC3339 or a duration", when)
}
