// Package access decides which viewer role may perform which action.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gridview/internal/domain"
)

// Actions gated by the policy.
const (
	ActionSend            = "send"
	ActionRequestOperator = "request_operator"
	ActionListSessions    = "list_sessions"
	ActionJoin            = "join"
	ActionViewTelemetry   = "view_telemetry"
	ActionListAllDevices  = "list_all_devices"
)

// ErrForbidden is returned when the policy denies an action.
var ErrForbidden = errors.New("action not permitted for role")

// Engine evaluates the access policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent. An empty policy selects DefaultPolicy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query("data.gridview.access.allow"),
		rego.Module("access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Allow reports whether role may perform action.
func (e *Engine) Allow(ctx context.Context, role domain.Role, action string) (bool, error) {
	input := map[string]any{
		"role":   string(role),
		"action": action,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}

// Check is Allow returning ErrForbidden on denial.
func (e *Engine) Check(ctx context.Context, role domain.Role, action string) error {
	ok, err := e.Allow(ctx, role, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s as %s: %w", action, role, ErrForbidden)
	}
	return nil
}

// DefaultPolicy grants conversation actions to both roles and keeps
// session discovery and the full device catalog for operators.
const DefaultPolicy = `
package gridview.access

import rego.v1

default allow := false

shared := {"send", "view_telemetry"}

customer_only := {"request_operator"}

operator_only := {"list_sessions", "join", "list_all_devices"}

allow if input.action in shared

allow if {
	input.role == "customer"
	input.action in customer_only
}

allow if {
	input.role == "operator"
	input.action in operator_only
}
`
