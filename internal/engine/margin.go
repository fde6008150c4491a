package engine

import (
	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/execution"
	"github.com/BB13/algobot-public/internal/infra"
)

// openParams is the margin decision for a new position.
type openParams struct {
	Leverage   int
	MarginType domain.MarginType
	Options    *execution.MarginOptions
}

// deriveOpenMarginParams decides the margin setup for an entry order from
// current policy. SHORT entries borrow with auto-repay; LONG entries use
// margin only when policy opts in; everything else is plain spot.
func deriveOpenMarginParams(direction domain.Direction, policy infra.PolicyProvider) openParams {
	marginType := policy.MarginType()
	isolated := marginType == domain.MarginIsolated

	if direction == domain.Short {
		return openParams{
			Leverage:   policy.DefaultLeverage(),
			MarginType: marginType,
			Options: &execution.MarginOptions{
				IsIsolated:     isolated,
				SideEffectType: execution.SideEffectAutoBorrowRepay,
			},
		}
	}

	if policy.UseMarginForLongs() {
		return openParams{
			Leverage:   policy.DefaultLeverage(),
			MarginType: marginType,
			Options: &execution.MarginOptions{
				IsIsolated:     isolated,
				SideEffectType: execution.SideEffectMarginBuy,
			},
		}
	}

	return openParams{Leverage: 1}
}

// deriveReduceMarginParams decides the margin options for an order that
// reduces an existing position, from the position's own stored leverage
// and margin type. Spot longs get no margin options.
func deriveReduceMarginParams(p *domain.Position) *execution.MarginOptions {
	isMargin := p.Leverage > 1 || p.Direction == domain.Short
	if !isMargin {
		return nil
	}
	return &execution.MarginOptions{
		IsIsolated:     p.MarginType == domain.MarginIsolated,
		SideEffectType: execution.SideEffectAutoRepay,
	}
}
