package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plannerly/engram/internal/capability"
)

// RegisterCapabilities exposes the plan store to the model.
func RegisterCapabilities(reg *capability.Registry, store *Store) {
	reg.Register(capability.Capability{
		Name:        "create_lesson_plan",
		Description: "Create a new lesson plan for the user.",
		InputSchema: capability.ObjectSchema(map[string]any{
			"title":       capability.StringProperty("Short title of the plan."),
			"subject":     capability.StringProperty("Subject area, e.g. math."),
			"grade_level": capability.IntegerProperty("Grade level the plan targets."),
			"body":        capability.StringProperty("The plan content, markdown allowed."),
		}, "title"),
		Execute: func(ctx context.Context, args map[string]any, cc capability.Context) (string, error) {
			plan, err := store.Create(ctx, &Plan{
				UserID:     cc.Identity.UserID,
				Title:      stringArg(args, "title"),
				Subject:    stringArg(args, "subject"),
				GradeLevel: intArg(args, "grade_level"),
				Body:       stringArg(args, "body"),
			})
			if err != nil {
				return "", err
			}
			return marshal(plan)
		},
	})

	reg.Register(capability.Capability{
		Name:        "list_lesson_plans",
		Description: "List the user's lesson plans, newest first.",
		InputSchema: capability.ObjectSchema(map[string]any{}),
		Execute: func(ctx context.Context, args map[string]any, cc capability.Context) (string, error) {
			plans, err := store.List(ctx, cc.Identity.UserID)
			if err != nil {
				return "", err
			}
			return marshal(plans)
		},
	})

	reg.Register(capability.Capability{
		Name:        "get_lesson_plan",
		Description: "Fetch one lesson plan by id.",
		InputSchema: capability.ObjectSchema(map[string]any{
			"plan_id": capability.StringProperty("Id of the plan to fetch."),
		}, "plan_id"),
		Execute: func(ctx context.Context, args map[string]any, cc capability.Context) (string, error) {
			plan, err := store.Get(ctx, stringArg(args, "plan_id"))
			if err != nil {
				return "", err
			}
			if plan.UserID != cc.Identity.UserID {
				return "", fmt.Errorf("plan %s does not belong to this user", plan.ID)
			}
			return marshal(plan)
		},
	})

	reg.Register(capability.Capability{
		Name:        "update_lesson_plan",
		Description: "Rewrite an existing lesson plan.",
		InputSchema: capability.ObjectSchema(map[string]any{
			"plan_id":     capability.StringProperty("Id of the plan to update."),
			"title":       capability.StringProperty("New title."),
			"subject":     capability.StringProperty("New subject area."),
			"grade_level": capability.IntegerProperty("New grade level."),
			"body":        capability.StringProperty("New plan content."),
		}, "plan_id", "title"),
		Execute: func(ctx context.Context, args map[string]any, cc capability.Context) (string, error) {
			id := stringArg(args, "plan_id")
			existing, err := store.Get(ctx, id)
			if err != nil {
				return "", err
			}
			if existing.UserID != cc.Identity.UserID {
				return "", fmt.Errorf("plan %s does not belong to this user", id)
			}
			if err := store.Update(ctx, id, stringArg(args, "title"),
				stringArg(args, "subject"), intArg(args, "grade_level"),
				stringArg(args, "body")); err != nil {
				return "", err
			}
			updated, err := store.Get(ctx, id)
			if err != nil {
				return "", err
			}
			return marshal(updated)
		},
	})
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg tolerates both JSON numbers and native ints.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
