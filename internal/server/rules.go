package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boardflow/internal/automation"
	"boardflow/internal/domain"
)

func (h *handlers) ruleReply(r domain.AutomationRule) *bodyOutput[RuleResponse] {
	res := ruleResponse(r)
	res.Notices = h.e.Notices()
	return reply(res)
}

func (h *handlers) registerRules(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      RuleRequest `json:"body"`
	}) (*bodyOutput[RuleResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		r, err := e.CreateRule(ctx, input.Body.toRule("", input.ProjectID))
		if err != nil {
			return nil, h.fail(err)
		}
		return h.ruleReply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rules",
		Summary:     "List rules in evaluation order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]RuleResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		items, err := e.ListRules(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapRules(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get rule with its recent executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*bodyOutput[RuleResponse], error) {
		r, err := e.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(ruleResponse(r)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{rule_id}",
		Summary:     "Replace the editable parts of a rule",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string      `path:"rule_id"`
		Body   RuleRequest `json:"body"`
	}) (*bodyOutput[RuleResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		cur, err := e.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, h.fail(err)
		}
		next := input.Body.toRule(cur.ID, cur.ProjectID)
		if input.Body.Enabled == nil {
			next.Enabled = cur.Enabled
		}
		if input.Body.Order == nil {
			next.Order = cur.Order
		}
		r, err := e.UpdateRule(ctx, next)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.ruleReply(r), nil
	})

	for _, op := range []struct {
		id, path, summary string
		enabled           bool
	}{
		{"enable-rule", "/rules/{rule_id}/enable", "Enable rule", true},
		{"disable-rule", "/rules/{rule_id}/disable", "Disable rule", false},
	} {
		enabled := op.enabled
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			RuleID string `path:"rule_id"`
		}) (*bodyOutput[RuleResponse], error) {
			r, err := e.SetRuleEnabled(ctx, input.RuleID, enabled)
			if err != nil {
				return nil, h.fail(err)
			}
			return h.ruleReply(r), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		if err := e.DeleteRule(ctx, input.RuleID); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "duplicate-rule",
		Method:        http.MethodPost,
		Path:          "/rules/{rule_id}/duplicate",
		Summary:       "Copy rule into a project",
		Description:   "Section references are matched by name in the target project. Unmatched references leave the copy broken.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string               `path:"rule_id"`
		Body   DuplicateRuleRequest `json:"body"`
	}) (*bodyOutput[RuleResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		r, err := e.DuplicateRule(ctx, input.RuleID, input.Body.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return h.ruleReply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "find-duplicate-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/rules/duplicates",
		Summary:     "Find rules with the same trigger, filters and action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[[]automation.DuplicatePair], error) {
		pairs, err := e.FindDuplicateRules(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(nonNilSlice(pairs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-rules",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rules/pause",
		Summary:     "Disable every enabled rule of the project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[BulkRulesResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		n, err := e.PauseRules(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(BulkRulesResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-rules",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rules/resume",
		Summary:     "Re-enable rules turned off by pause",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*bodyOutput[BulkRulesResponse], error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		n, err := e.ResumeRules(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(BulkRulesResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-rules",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/rules/order",
		Summary:     "Set rule evaluation order",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      ReorderRulesRequest `json:"body"`
	}) (*bodyOutput[[]RuleResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if err := e.ReorderRules(ctx, input.ProjectID, input.Body.RuleIDs); err != nil {
			return nil, h.fail(err)
		}
		items, err := e.ListRules(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(mapRules(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dry-run-draft-rule",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rules/dry-run",
		Summary:     "Preview an unsaved rule against the board",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		Body      RuleRequest `json:"body"`
	}) (*bodyOutput[automation.DryRunResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, h.fail(err)
		}
		res, err := e.DryRun(ctx, input.Body.toRule("", input.ProjectID))
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dry-run-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/dry-run",
		Summary:     "Preview a stored rule against the board",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*bodyOutput[automation.DryRunResult], error) {
		res, err := e.DryRunRule(ctx, input.RuleID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/run",
		Summary:     "Run rule now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*bodyOutput[RunRuleResponse], error) {
		results, err := e.RunRule(ctx, input.RuleID)
		if err != nil {
			return nil, h.fail(err)
		}
		return reply(RunRuleResponse{Results: nonNilSlice(results), Notices: e.Notices()}), nil
	})
}
