package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boardflow/internal/domain"
	"boardflow/internal/engine"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func (h *handlers) registerProjects(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*bodyOutput[ProjectResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Sections:    input.Body.Sections,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]ProjectResponse], error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapProjects(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[ProjectResponse], error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*bodyOutput[ProjectResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := e.UpdateProject(ctx, input.ProjectID, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(projectResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project with its sections, tasks and rules",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func (h *handlers) registerSections(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "create-section",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sections",
		Summary:       "Create section",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreateSectionRequest `json:"body"`
	}) (*bodyOutput[SectionResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		sec, err := e.CreateSection(ctx, engine.SectionCreateOptions{
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Order:     input.Body.Order,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		res := sectionResponse(sec)
		res.Notices = e.Notices()
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sections",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sections",
		Summary:     "List sections in board order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]SectionResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		items, err := e.ListSections(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapSections(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-section",
		Method:      http.MethodPatch,
		Path:        "/sections/{section_id}",
		Summary:     "Rename or reorder section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		SectionID string               `path:"section_id"`
		Body      UpdateSectionRequest `json:"body"`
	}) (*bodyOutput[SectionResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		sec, err := e.UpdateSection(ctx, engine.SectionUpdateOptions{
			ID:    input.SectionID,
			Name:  input.Body.Name,
			Order: input.Body.Order,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		res := sectionResponse(sec)
		res.Notices = e.Notices()
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-section",
		Method:      http.MethodDelete,
		Path:        "/sections/{section_id}",
		Summary:     "Delete section",
		Description: "Cards of the section are unfiled. Rules that referenced the section are returned marked broken.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SectionID string `path:"section_id"`
	}) (*bodyOutput[DeleteSectionResponse], error) {
		broken, err := e.DeleteSection(ctx, input.SectionID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(DeleteSectionResponse{BrokenRules: mapRules(broken), Notices: e.Notices()}), nil
	})
}

func (h *handlers) registerTasks(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*bodyOutput[TaskResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:           input.Body.ID,
			ProjectID:    input.ProjectID,
			SectionID:    input.Body.SectionID,
			ParentTaskID: input.Body.ParentTaskID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DueDate:      input.Body.DueDate,
			Top:          input.Body.Top,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return h.taskReply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		SectionID string `query:"section_id" doc:"Only cards filed under this section"`
	}) (*bodyOutput[[]TaskResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		items, err := e.ListTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		out := mapTasks(items)
		if input.SectionID != "" {
			filtered := out[:0]
			for _, t := range out {
				if t.SectionID == input.SectionID {
					filtered = append(filtered, t)
				}
			}
			out = filtered
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*bodyOutput[TaskResponse], error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*bodyOutput[TaskResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		b := input.Body
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:           input.TaskID,
			Title:        b.Title,
			Description:  b.Description,
			SectionID:    b.SectionID,
			Completed:    b.Completed,
			DueDate:      b.DueDate,
			ClearDueDate: b.ClearDueDate,
			Order:        b.Order,
			Top:          b.Top,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return h.taskReply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/move",
		Summary:     "Move task to a section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   MoveTaskRequest `json:"body"`
	}) (*bodyOutput[TaskResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		t, err := e.MoveTask(ctx, input.TaskID, input.Body.SectionID, input.Body.Top)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.taskReply(t), nil
	})

	for _, op := range []struct {
		id, path, summary string
		completed         bool
	}{
		{"complete-task", "/tasks/{task_id}/complete", "Mark task complete", true},
		{"reopen-task", "/tasks/{task_id}/reopen", "Mark task incomplete", false},
	} {
		completed := op.completed
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			TaskID string `path:"task_id"`
		}) (*bodyOutput[TaskResponse], error) {
			t, err := e.SetTaskCompleted(ctx, input.TaskID, completed)
			if err != nil {
				return nil, h.fail(err)
			}
			return h.taskReply(t), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task and its subtasks",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.TaskID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

// taskReply attaches the automation notices raised by the mutation.
func (h *handlers) taskReply(t domain.Task) *bodyOutput[TaskResponse] {
	res := taskResponse(t)
	res.Notices = h.e.Notices()
	return reply(res)
}
