package config

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/outbound_backend/appctx"
	"gorm.io/gorm/clause"
)

func TestExprHasBusinessID(t *testing.T) {
	cases := []struct {
		name string
		expr clause.Expression
		want bool
	}{
		{"eq string column", clause.Eq{Column: "business_id", Value: "b1"}, true},
		{"eq clause column", clause.Eq{Column: clause.Column{Name: "Business_ID"}, Value: "b1"}, true},
		{"eq other column", clause.Eq{Column: "warehouse_id", Value: 1}, false},
		{"in", clause.IN{Column: "business_id", Values: []any{"b1"}}, true},
		{"raw expr", clause.Expr{SQL: "business_id = ?", Vars: []any{"b1"}}, true},
		{"raw expr other", clause.Expr{SQL: "product_id = ?", Vars: []any{1}}, false},
		{"nested and", clause.AndConditions{Exprs: []clause.Expression{
			clause.Eq{Column: "id", Value: 1},
			clause.Eq{Column: "business_id", Value: "b1"},
		}}, true},
		{"nested or without", clause.OrConditions{Exprs: []clause.Expression{
			clause.Eq{Column: "id", Value: 1},
		}}, false},
	}
	for _, c := range cases {
		if got := exprHasBusinessID(c.expr); got != c.want {
			t.Errorf("%s: exprHasBusinessID = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestWhereHasBusinessID(t *testing.T) {
	withFilter := clause.Clause{Expression: clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: "business_id", Value: "b1"},
	}}}
	if !whereHasBusinessID(withFilter) {
		t.Error("explicit tenant filter not detected")
	}
	withoutFilter := clause.Clause{Expression: clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: "id", Value: 1},
	}}}
	if whereHasBusinessID(withoutFilter) {
		t.Error("tenant filter detected where none exists")
	}
	if whereHasBusinessID(clause.Clause{}) {
		t.Error("empty clause must not report a tenant filter")
	}
}

func TestShouldBypassTenantScope(t *testing.T) {
	ctx := context.Background()
	if shouldBypassTenantScope(ctx) {
		t.Error("plain context must not bypass tenant scope")
	}
	if !shouldBypassTenantScope(context.WithValue(ctx, appctx.ContextKeySkipTenantScope, true)) {
		t.Error("SkipTenantScope flag must bypass tenant scope")
	}
	if !shouldBypassTenantScope(context.WithValue(ctx, appctx.ContextKeyIsAdmin, true)) {
		t.Error("admin flag must bypass tenant scope")
	}
	if shouldBypassTenantScope(context.WithValue(ctx, appctx.ContextKeyIsAdmin, false)) {
		t.Error("false admin flag must not bypass tenant scope")
	}
}

func TestBusinessIdFromContext(t *testing.T) {
	if got := businessIdFromContext(context.Background()); got != "" {
		t.Errorf("empty context returned business id %q", got)
	}
	ctx := context.WithValue(context.Background(), appctx.ContextKeyBusinessId, "b1")
	if got := businessIdFromContext(ctx); got != "b1" {
		t.Errorf("business id = %q, want b1", got)
	}
}
