package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation.com/pkg/portfolio"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/wal"
)

func TestSummarize(t *testing.T) {
	in := risk.SimulationInput{InitialValue: 100, HorizonDays: 1}
	s := summarize(in, []float64{104, 96, 100, 102, 98})

	assert.Equal(t, 5, s.Paths)
	assert.Equal(t, 96.0, s.Min)
	assert.Equal(t, 104.0, s.Max)
	assert.InDelta(t, 100.0, s.Mean, 1e-12)
	assert.Equal(t, 100.0, s.Percentiles["p50"])
	assert.InDelta(t, 0.4, s.ProbLoss, 1e-12)
}

func TestPriceCommand(t *testing.T) {
	cmd := priceCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--spot", "100", "--strike", "100", "--rate", "0.05", "--vol", "0.2", "--years", "1"})
	require.NoError(t, cmd.Execute())

	var res pricing.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	// 平值一年期看涨 (r=5%, σ=20%) 约 10.45
	assert.InDelta(t, 10.45, res.Value, 0.05)
	assert.NotNil(t, res.Greeks)

	cmd = priceCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--model", "binomial"})
	assert.Error(t, cmd.Execute())
}

func TestVarCommand(t *testing.T) {
	cmd := varCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--value", "1000", "--simulations", "5000", "--confidence", "0.95", "--horizon", "1"})
	require.NoError(t, cmd.Execute())

	var m risk.Metrics
	require.NoError(t, json.Unmarshal(out.Bytes(), &m))
	require.Len(t, m.VaR, 1)
	assert.Greater(t, m.VaR[0].Amount, 0.0)
	assert.GreaterOrEqual(t, m.ExpectedShortfall[0].Amount, m.VaR[0].Amount)
}

func TestJournalCommand(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.DefaultConfig(dir), nil)
	require.NoError(t, err)
	now := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	w.Record(portfolio.Event{Seq: 1, Op: "update_price", Symbol: "AAPL", Price: 175.5, Time: now})
	w.Record(portfolio.Event{Seq: 2, Op: "add_position", Symbol: "AAPL", Quantity: 10, Time: now})
	w.Record(portfolio.Event{Seq: 3, Op: "update_price", Symbol: "AAPL", Price: 176, Time: now})
	require.NoError(t, w.Close())

	cmd := journalCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dir", dir, "--op", "update_price", "--since", "2"})
	require.NoError(t, cmd.Execute())

	var events []portfolio.Event
	require.NoError(t, json.Unmarshal(out.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, 176.0, events[0].Price)
}
