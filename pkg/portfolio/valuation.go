package portfolio

import (
	"context"
	"math"
	"sync"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/market"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/worker"
)

// pricer 给单个合约定价
type pricer func(ctx context.Context, m pricing.Model, inst instrument.Instrument, mkt market.Context) (pricing.Result, error)

// inlinePrice 在当前 Goroutine 直接定价 (已经在计算池里时使用，避免嵌套提交)
func inlinePrice(ctx context.Context, m pricing.Model, inst instrument.Instrument, mkt market.Context) (pricing.Result, error) {
	return m.Value(ctx, inst, mkt)
}

// pooledPrice 蒙特卡洛提交到计算池，解析解直接算
func (e *Engine) pooledPrice(ctx context.Context, m pricing.Model, inst instrument.Instrument, mkt market.Context) (pricing.Result, error) {
	if m.Kind != pricing.KindMonteCarlo {
		return m.Value(ctx, inst, mkt)
	}
	return worker.Do(ctx, e.pool, func(ctx context.Context) (pricing.Result, error) {
		return m.Value(ctx, inst, mkt)
	})
}

// valuationOpts 一次估值的参数
type valuationOpts struct {
	model      pricing.Model
	american   pricing.MonteCarloConfig // 解析模型遇到美式期权时使用
	price      pricer
	concurrent bool // false: 顺序定价 (调用方已经在计算池内)
}

// snapshotOpts 发布快照和 TotalValue 使用的参数
func (e *Engine) snapshotOpts() valuationOpts {
	return valuationOpts{
		model:      e.cfg.Model,
		american:   e.cfg.americanMC(),
		price:      e.pooledPrice,
		concurrent: true,
	}
}

// modelFor 选择合约使用的模型
// - 股票只看现价，用解析模型
// - 解析模型不支持美式期权，退回蒙特卡洛 (LSM)
func (o valuationOpts) modelFor(inst instrument.Instrument) pricing.Model {
	switch {
	case inst.Kind == instrument.KindStock:
		return pricing.BlackScholesModel()
	case inst.Kind == instrument.KindOption && inst.Option.Style == instrument.American && o.model.Kind == pricing.KindBlackScholes:
		return pricing.MonteCarloModel(o.american)
	}
	return o.model
}

type priced struct {
	res pricing.Result
	err error
}

// valuate 对状态拷贝做一次完整估值
//
// 单个合约失败 (未定价、模型错误、计算池满) 只会让对应仓位变成 stale，
// 不影响其他仓位。只有 ctx 取消才会让整体失败。
// 组合价值按仓位顺序逐个累加，结果与逐项相加完全一致。
func (e *Engine) valuate(ctx context.Context, seq uint64, st state, o valuationOpts) (Snapshot, error) {
	// 1. 收集需要定价的合约 (去重，保持顺序)
	var order []string
	seen := make(map[string]bool)
	for _, p := range st.positions {
		if p.Quantity == 0 || seen[p.InstrumentID] {
			continue
		}
		seen[p.InstrumentID] = true
		order = append(order, p.InstrumentID)
	}

	// 2. 定价；衍生品并发
	// 每个合约写自己的下标，不共享 map
	results := make([]priced, len(order))
	var wg sync.WaitGroup
	for i, id := range order {
		inst, ok := st.instruments[id]
		if !ok {
			results[i] = priced{err: errs.ErrInstrumentNotFound}
			continue
		}
		if inst.Currency != e.cfg.BaseCurrency {
			results[i] = priced{err: errs.Upstream("no fx rate for %s/%s", inst.Currency, e.cfg.BaseCurrency)}
			continue
		}
		m := o.modelFor(inst)
		if !inst.IsDerivative() || !o.concurrent {
			res, err := o.price(ctx, m, inst, st.mkt)
			results[i] = priced{res: res, err: err}
			continue
		}
		wg.Add(1)
		go func(i int, inst instrument.Instrument) {
			defer wg.Done()
			res, err := o.price(ctx, m, inst, st.mkt)
			results[i] = priced{res: res, err: err}
		}(i, inst)
	}
	wg.Wait()

	byID := make(map[string]priced, len(order))
	for i, id := range order {
		byID[id] = results[i]
	}

	if err := errs.FromContext(ctx); err != nil {
		return Snapshot{}, err
	}

	// 3. 逐仓位汇总
	snap := Snapshot{
		Seq:         seq,
		PortfolioID: e.id,
		Name:        e.cfg.Name,
		Currency:    e.cfg.BaseCurrency,
		Timestamp:   st.mkt.AsOf,
		Positions:   make([]PositionView, 0, len(st.positions)),
		Exposures: Exposures{
			ByKind:       make(map[instrument.Kind]float64),
			ByUnderlying: make(map[string]float64),
		},
		Rate: st.mkt.Rate,
	}

	for _, p := range st.positions {
		if p.Quantity == 0 {
			continue
		}
		inst := st.instruments[p.InstrumentID]
		view := PositionView{
			PositionID:   p.ID,
			InstrumentID: p.InstrumentID,
			Symbol:       inst.Symbol,
			Underlying:   inst.PricingSymbol(),
			Kind:         inst.Kind,
			Quantity:     p.Quantity,
			AverageCost:  p.AverageCost,
			Volatility:   effectiveVol(inst, st.mkt),
		}

		r := byID[p.InstrumentID]
		if r.err == nil && !isFinite(r.res.Value) {
			r.err = errs.Computation("non-finite value for %s", inst.Symbol)
		}
		if r.err != nil {
			view.Stale = true
			view.StaleReason = r.err.Error()
			snap.StaleCount++
			snap.Positions = append(snap.Positions, view)
			continue
		}

		view.Price = r.res.Value
		view.Value = p.Quantity * r.res.Value
		view.Model = r.res.Model
		view.StdError = r.res.StdError * math.Abs(p.Quantity)
		if r.res.Greeks != nil {
			g := r.res.Greeks.Scale(p.Quantity)
			view.Greeks = &g
			snap.Greeks = snap.Greeks.Add(g)
		}
		if p.AverageCost != nil {
			cost := p.Quantity * *p.AverageCost
			view.PnL = view.Value - cost
			if cost != 0 {
				view.PnLPercent = view.PnL / math.Abs(cost) * 100
			}
		}

		snap.PortfolioValue += view.Value
		snap.Exposures.ByKind[inst.Kind] += view.Value
		snap.Exposures.ByUnderlying[inst.PricingSymbol()] += view.Value
		snap.Exposures.Gross += math.Abs(view.Value)
		snap.Positions = append(snap.Positions, view)
	}
	snap.Exposures.Net = snap.PortfolioValue

	// 4. 权重
	if snap.PortfolioValue != 0 {
		for i := range snap.Positions {
			if !snap.Positions[i].Stale {
				snap.Positions[i].Weight = snap.Positions[i].Value / snap.PortfolioValue * 100
			}
		}
	}
	return snap, nil
}

// effectiveVol 合约定价使用的波动率
func effectiveVol(inst instrument.Instrument, mkt market.Context) float64 {
	own := 0.0
	if inst.Kind == instrument.KindOption {
		own = inst.Option.Volatility
	}
	v, _ := mkt.ResolveVol(inst.PricingSymbol(), own)
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
