package infrastructure

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/domain"
)

// StaticPolicy 对所有预占使用同一个有效期
type StaticPolicy int

func (p StaticPolicy) DefaultMinutes(int64, domain.Origin, int64, bool) int {
	if p <= 0 {
		return domain.DefaultMinutes
	}
	return int(p)
}

// CELExpirationPolicy 用一条 CEL 表达式按来源计算默认有效期（分钟），例如：
//
//	origin_type == "quote" ? 1440 : (origin_type == "appointment" ? 120 : 15)
//
// 可用变量：tenant_id, origin_type, origin_id, quantity, branch_scoped。
// 表达式求值失败或结果不为正数时回退到 fallback。
type CELExpirationPolicy struct {
	program  cel.Program
	source   string
	fallback int
}

func NewCELExpirationPolicy(expr string, fallback int) (*CELExpirationPolicy, error) {
	if fallback <= 0 {
		fallback = domain.DefaultMinutes
	}
	env, err := cel.NewEnv(
		cel.Variable("tenant_id", cel.IntType),
		cel.Variable("origin_type", cel.StringType),
		cel.Variable("origin_id", cel.IntType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("branch_scoped", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile expiration expression: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.IntType) {
		return nil, fmt.Errorf("expiration expression must return int, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}
	return &CELExpirationPolicy{program: prg, source: expr, fallback: fallback}, nil
}

func (p *CELExpirationPolicy) DefaultMinutes(tenantID int64, origin domain.Origin, quantity int64, branchScoped bool) int {
	out, _, err := p.program.Eval(map[string]interface{}{
		"tenant_id":     tenantID,
		"origin_type":   string(origin.Type),
		"origin_id":     origin.ID,
		"quantity":      quantity,
		"branch_scoped": branchScoped,
	})
	if err != nil {
		logger.Ctx(context.Background()).Warn().Err(err).Str("expr", p.source).Msg("expiration expression failed, using fallback")
		return p.fallback
	}
	minutes, ok := out.Value().(int64)
	if !ok || minutes <= 0 {
		logger.Ctx(context.Background()).Warn().Interface("result", out.Value()).Str("expr", p.source).Msg("expiration expression returned non-positive minutes, using fallback")
		return p.fallback
	}
	return int(minutes)
}
