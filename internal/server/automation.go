package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
	"boardflow/internal/repo"
)

func (h *handlers) registerAutomation(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/automation/tick",
		Summary:     "Evaluate scheduled rules once",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[TickResponse], error) {
		rep, err := e.Tick(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(TickResponse{
			Evaluated: rep.Evaluated,
			Fired:     rep.Fired,
			Executed:  rep.Executed,
			Notices:   e.Notices(),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-undo",
		Method:      http.MethodGet,
		Path:        "/automation/undo",
		Summary:     "Automation actions that can still be undone, newest first",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]domain.UndoSnapshot], error) {
		return reply(nonNilSlice(e.UndoCandidates())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo",
		Method:      http.MethodPost,
		Path:        "/automation/undo",
		Summary:     "Undo an automation action",
		Description: "Without an id the newest action is reversed. Actions expire after the undo window.",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `query:"id" doc:"Undo entry id; defaults to the newest"`
	}) (*bodyOutput[domain.UndoSnapshot], error) {
		snap, err := e.Undo(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-notices",
		Method:      http.MethodPost,
		Path:        "/automation/notices",
		Summary:     "Collect pending automation notices",
		Description: "Notices raised outside a request, such as by the scheduler, queue until collected.",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[[]automation.Notice], error) {
		return reply(nonNilSlice(e.Notices())), nil
	})
}

func (h *handlers) registerEvents(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,section,task,rule,schedule"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		cursor, cerr := parseCursor(input.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		items, err := e.Events(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}
