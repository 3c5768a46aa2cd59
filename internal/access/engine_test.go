package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gridview/internal/domain"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "")
	require.NoError(t, err)

	tests := []struct {
		role   domain.Role
		action string
		want   bool
	}{
		{domain.RoleCustomer, ActionSend, true},
		{domain.RoleOperator, ActionSend, true},
		{domain.RoleCustomer, ActionRequestOperator, true},
		{domain.RoleOperator, ActionRequestOperator, false},
		{domain.RoleCustomer, ActionListSessions, false},
		{domain.RoleOperator, ActionListSessions, true},
		{domain.RoleCustomer, ActionJoin, false},
		{domain.RoleOperator, ActionJoin, true},
		{domain.RoleCustomer, ActionViewTelemetry, true},
		{domain.RoleCustomer, ActionListAllDevices, false},
		{domain.RoleOperator, "drop_tables", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+tt.action, func(t *testing.T) {
			got, err := engine.Allow(ctx, tt.role, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckWrapsForbidden(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "")
	require.NoError(t, err)

	err = engine.Check(ctx, domain.RoleCustomer, ActionJoin)
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.NoError(t, engine.Check(ctx, domain.RoleOperator, ActionJoin))
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	policy := `
package gridview.access

import rego.v1

default allow := false

allow if input.role == "operator"
`
	engine, err := NewEngine(ctx, policy)
	require.NoError(t, err)

	ok, err := engine.Allow(ctx, domain.RoleCustomer, ActionSend)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.Allow(ctx, domain.RoleOperator, ActionSend)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\nallow if {")
	assert.Error(t, err)
}
