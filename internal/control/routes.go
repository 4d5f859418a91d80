package control

import (
	"context"
	"net/http"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/monitor"
	"github.com/Christopher-Hayes/deskmon/internal/tasks"
	"github.com/danielgtaylor/huma/v2"
)

// Request and response bodies.
type (
	// OKResponse acknowledges a command.
	OKResponse struct {
		OK bool `json:"ok"`
	}

	IdleThresholdRequest struct {
		Seconds int64 `json:"seconds" minimum:"1" doc:"Idle threshold in seconds"`
	}

	AppRequest struct {
		Name  string `json:"name,omitempty" doc:"Application name"`
		Title string `json:"title,omitempty" doc:"Window title"`
		URL   string `json:"url,omitempty" doc:"Domain or url"`
		Type  string `json:"type" enum:"productive,non-productive,neutral"`
	}

	FilterRequest struct {
		From string `json:"from" doc:"First local date, YYYY-MM-DD"`
		To   string `json:"to" doc:"Last local date, YYYY-MM-DD"`
	}

	LoginRequest struct {
		Login    string `json:"login" doc:"Email or username"`
		Password string `json:"password"`
	}

	LoginResponse struct {
		User    domain.User `json:"user"`
		Offline bool        `json:"offline"`
	}
)

type okOutput struct {
	Body OKResponse
}

var ok = &okOutput{Body: OKResponse{OK: true}}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*okOutput, error) {
		return ok, nil
	})
}

func registerStatus(api huma.API, t Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Current tracker state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body monitor.Status
	}, error) {
		return &struct {
			Body monitor.Status
		}{Body: t.Status(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-idle-threshold",
		Method:      http.MethodPut,
		Path:        "/idle-threshold",
		Summary:     "Set the idle threshold",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body IdleThresholdRequest
	}) (*okOutput, error) {
		if err := t.SetIdleThreshold(ctx, input.Body.Seconds); err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/refresh",
		Summary:     "Sync tasks and rules with the server",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*okOutput, error) {
		if err := t.Refresh(); err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})
}

func registerTasks(api huma.API, t Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List the user's tasks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []tasks.TaskView
	}, error) {
		views, err := t.TaskList(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if views == nil {
			views = []tasks.TaskView{}
		}
		return &struct {
			Body []tasks.TaskView
		}{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/activate",
		Summary:     "Make a task the active one",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*okOutput, error) {
		if err := t.SetActiveTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/finish",
		Summary:     "Complete a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*okOutput, error) {
		if err := t.FinishTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-pause",
		Method:      http.MethodPost,
		Path:        "/pause",
		Summary:     "Pause or resume the active task",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*okOutput, error) {
		if err := t.TogglePause(ctx); err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})
}

func registerApps(api huma.API, t Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "add-app",
		Method:      http.MethodPost,
		Path:        "/apps",
		Summary:     "Request a productivity classification",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AppRequest
	}) (*okOutput, error) {
		b := input.Body
		if b.Name == "" && b.Title == "" && b.URL == "" {
			return nil, huma.Error400BadRequest("name, title or url is required")
		}
		err := t.AddProductivityApp(ctx, b.Name, b.Title, b.URL, domain.ParseRuleType(b.Type))
		if err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-apps",
		Method:      http.MethodGet,
		Path:        "/apps/pending",
		Summary:     "Classification requests awaiting a decision",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Rule
	}, error) {
		rules, err := t.PendingApps(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Rule
		}{Body: nonNil(rules)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/apps/rules",
		Summary:     "Decided rules of one type",
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" enum:"productive,non-productive" default:"productive"`
	}) (*struct {
		Body []domain.Rule
	}, error) {
		rules, err := t.Rules(ctx, domain.ParseRuleType(input.Type))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Rule
		}{Body: nonNil(rules)}, nil
	})
}

func registerLog(api huma.API, t Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "activity-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Activity log, filtered or the most recent entries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" doc:"Most recent entries; 0 applies the date filter"`
	}) (*struct {
		Body []domain.ActivityEvent
	}, error) {
		evs, err := t.Log(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if evs == nil {
			evs = []domain.ActivityEvent{}
		}
		return &struct {
			Body []domain.ActivityEvent
		}{Body: evs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-log-filter",
		Method:      http.MethodPut,
		Path:        "/log/filter",
		Summary:     "Restrict the log and statistics to a date range",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body FilterRequest
	}) (*okOutput, error) {
		if err := t.SetLogFilter(input.Body.From, input.Body.To); err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return ok, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-log-filter",
		Method:      http.MethodDelete,
		Path:        "/log/filter",
		Summary:     "Remove the date filter",
	}, func(ctx context.Context, _ *struct{}) (*okOutput, error) {
		t.ClearLogFilter()
		return ok, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "daily-usage",
		Method:      http.MethodGet,
		Path:        "/usage",
		Summary:     "Per-application usage of one day",
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" doc:"Local date, YYYY-MM-DD; today when empty"`
	}) (*struct {
		Body []domain.UsageEntry
	}, error) {
		usage, err := t.Usage(ctx, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		if usage == nil {
			usage = []domain.UsageEntry{}
		}
		return &struct {
			Body []domain.UsageEntry
		}{Body: usage}, nil
	})
}

func registerSession(api huma.API, t Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Sign in, online or with stored credentials",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*struct {
		Body LoginResponse
	}, error) {
		u, err := t.Login(ctx, input.Body.Login, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse
		}{Body: LoginResponse{User: u, Offline: t.Status(ctx).Offline}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/logout",
		Summary:     "Sign out and close the active task",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*okOutput, error) {
		if err := t.Logout(ctx); err != nil {
			return nil, handleError(err)
		}
		return ok, nil
	})
}

func nonNil(rules []domain.Rule) []domain.Rule {
	if rules == nil {
		return []domain.Rule{}
	}
	return rules
}
