package main

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"valuation.com/pkg/instrument"
	"valuation.com/pkg/market"
	"valuation.com/pkg/portfolio"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/wal"
)

// =============================================================================
// price
// =============================================================================

type priceFlags struct {
	spot, strike, rate, vol, dividend, years float64
	kind, style, model                      string
	paths, steps                            int
	seed                                    int64
}

func priceCmd() *cobra.Command {
	var f priceFlags
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Price a single option with Black-Scholes or Monte Carlo",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := priceOption(cmd, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Float64Var(&f.spot, "spot", 100, "underlying price")
	cmd.Flags().Float64Var(&f.strike, "strike", 100, "strike price")
	cmd.Flags().Float64Var(&f.rate, "rate", market.DefaultRate, "risk-free rate (continuous, annual)")
	cmd.Flags().Float64Var(&f.vol, "vol", 0.2, "annual volatility")
	cmd.Flags().Float64Var(&f.dividend, "dividend", 0, "continuous dividend yield")
	cmd.Flags().Float64Var(&f.years, "years", 1, "time to expiry in years")
	cmd.Flags().StringVar(&f.kind, "type", "call", "call or put")
	cmd.Flags().StringVar(&f.style, "style", "european", "european or american")
	cmd.Flags().StringVar(&f.model, "model", "black_scholes", "black_scholes or monte_carlo")
	cmd.Flags().IntVar(&f.paths, "paths", pricing.DefaultMonteCarloConfig().Paths, "Monte Carlo paths")
	cmd.Flags().IntVar(&f.steps, "steps", pricing.DefaultMonteCarloConfig().Steps, "Monte Carlo time steps")
	cmd.Flags().Int64Var(&f.seed, "seed", 42, "Monte Carlo seed (0 = random)")
	return cmd
}

func priceOption(cmd *cobra.Command, f priceFlags) (pricing.Result, error) {
	const underlying = "SPOT"
	now := time.Now().UTC()
	expiry := now.Add(time.Duration(f.years * float64(365.25*24*time.Hour)))

	inst, err := instrument.NewOption("CLI", "USD", now, instrument.OptionTerms{
		Underlying: underlying,
		OptionKind: instrument.OptionKind(strings.ToLower(f.kind)),
		Strike:     f.strike,
		Expiry:     expiry,
		Style:      instrument.Style(strings.ToLower(f.style)),
	})
	if err != nil {
		return pricing.Result{}, err
	}

	if err := market.ValidateRate(f.rate); err != nil {
		return pricing.Result{}, err
	}
	mkt := market.NewContext(f.rate, now)
	if err := market.ValidatePrice(f.spot); err != nil {
		return pricing.Result{}, err
	}
	mkt.SetPrice(underlying, f.spot)
	mkt.SetVol(underlying, f.vol)
	mkt.SetDividend(underlying, f.dividend)

	var model pricing.Model
	switch pricing.ModelKind(f.model) {
	case pricing.KindBlackScholes:
		model = pricing.BlackScholesModel()
	case pricing.KindMonteCarlo:
		model = pricing.MonteCarloModel(pricing.MonteCarloConfig{Paths: f.paths, Steps: f.steps, Seed: f.seed})
	default:
		return pricing.Result{}, fmt.Errorf("unknown model %q", f.model)
	}
	return model.Value(cmd.Context(), inst, mkt)
}

// =============================================================================
// var
// =============================================================================

func varCmd() *cobra.Command {
	var (
		value, vol, drift float64
		simulations       int
		seed              int64
		confidences       []float64
		horizons          []int
	)
	cmd := &cobra.Command{
		Use:   "var",
		Short: "Monte Carlo VaR / expected shortfall for a value and volatility",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := risk.DefaultConfig()
			cfg.Confidences = confidences
			cfg.HorizonDays = horizons
			cfg.Drift = drift
			m, err := risk.NewEngine(cfg).Metrics(cmd.Context(), risk.MetricsInput{
				PortfolioValue: value,
				Volatility:     vol,
				Simulations:    simulations,
				Seed:           seed,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().Float64Var(&value, "value", 1_000_000, "portfolio value")
	cmd.Flags().Float64Var(&vol, "vol", 0.2, "annual portfolio volatility")
	cmd.Flags().Float64Var(&drift, "drift", 0, "annual drift")
	cmd.Flags().IntVar(&simulations, "simulations", 10000, "number of simulations")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed (0 = random)")
	cmd.Flags().Float64SliceVar(&confidences, "confidence", []float64{0.95, 0.99}, "confidence levels")
	cmd.Flags().IntSliceVar(&horizons, "horizon", []int{1, 10}, "horizons in trading days")
	return cmd
}

// =============================================================================
// simulate
// =============================================================================

// simulationSummary 期末价值分布的摘要
type simulationSummary struct {
	InitialValue float64            `json:"initial_value"`
	HorizonDays  int                `json:"horizon_days"`
	Paths        int                `json:"paths"`
	Mean         float64            `json:"mean"`
	StdDev       float64            `json:"std_dev"`
	Min          float64            `json:"min"`
	Max          float64            `json:"max"`
	Percentiles  map[string]float64 `json:"percentiles"`
	ProbLoss     float64            `json:"prob_loss"`
}

func simulateCmd() *cobra.Command {
	in := risk.SimulationInput{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate the terminal portfolio value distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := risk.NewEngine(risk.DefaultConfig()).SimulateTerminalValues(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summarize(in, values))
		},
	}
	cmd.Flags().Float64Var(&in.InitialValue, "value", 1_000_000, "initial portfolio value")
	cmd.Flags().Float64Var(&in.Volatility, "vol", 0.2, "annual volatility")
	cmd.Flags().Float64Var(&in.Drift, "drift", 0.05, "annual drift")
	cmd.Flags().IntVar(&in.HorizonDays, "days", 252, "horizon in trading days")
	cmd.Flags().IntVar(&in.N, "paths", 10000, "number of paths")
	cmd.Flags().Int64Var(&in.Seed, "seed", 42, "random seed (0 = random)")
	return cmd
}

func summarize(in risk.SimulationInput, values []float64) simulationSummary {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	out := simulationSummary{
		InitialValue: in.InitialValue,
		HorizonDays:  in.HorizonDays,
		Paths:        len(sorted),
		Percentiles:  make(map[string]float64),
	}
	if len(sorted) == 0 {
		return out
	}
	out.Min, out.Max = sorted[0], sorted[len(sorted)-1]
	out.Mean = risk.Mean(sorted)

	var ss float64
	losses := 0
	for _, v := range sorted {
		d := v - out.Mean
		ss += d * d
		if v < in.InitialValue {
			losses++
		}
	}
	if len(sorted) > 1 {
		out.StdDev = math.Sqrt(ss / float64(len(sorted)-1))
	}
	out.ProbLoss = float64(losses) / float64(len(sorted))

	for _, p := range []int{1, 5, 25, 50, 75, 95, 99} {
		idx := int(math.Round(float64(p) / 100 * float64(len(sorted)-1)))
		out.Percentiles[fmt.Sprintf("p%d", p)] = sorted[idx]
	}
	return out
}

// =============================================================================
// journal
// =============================================================================

func journalCmd() *cobra.Command {
	var (
		dir   string
		since uint64
		op    string
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Replay mutation events recorded in the local WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := wal.ReadFile(filepath.Join(dir, "wal.log"))
			if err != nil {
				return err
			}
			events, err := wal.Events(entries)
			if err != nil {
				return err
			}
			out := make([]portfolio.Event, 0, len(events))
			for _, ev := range events {
				if ev.Seq < since || (op != "" && ev.Op != op) {
					continue
				}
				out = append(out, ev)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data/wal", "WAL directory")
	cmd.Flags().Uint64Var(&since, "since", 0, "only events with seq >= since")
	cmd.Flags().StringVar(&op, "op", "", "only events of this operation (e.g. add_position)")
	return cmd
}
