// Package monitor turns a price series into scored, deduplicated signals:
// indicator computation, crossover detection, confidence scoring and the
// repeat filter.
package monitor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rewired-gh/sigwatch/internal/indicator"
	"github.com/rewired-gh/sigwatch/internal/models"
)

var ErrEmptySeries = errors.New("empty price series")

// Result is the outcome of evaluating one cycle.
type Result struct {
	Snapshot  models.IndicatorSnapshot
	Events    []models.CandidateEvent
	Candidate *models.Signal
}

type Evaluator struct {
	params  indicator.Params
	weights Weights
}

func NewEvaluator(params indicator.Params, weights Weights) *Evaluator {
	return &Evaluator{params: params, weights: weights}
}

// Evaluate computes the current snapshot from bars and scores the events
// against the previous one. The previous snapshot is state.LastSnapshot when
// it falls inside the fetched window; otherwise it is recomputed from bars
// without the latest one. Evaluate never mutates state.
func (e *Evaluator) Evaluate(state models.InstrumentState, bars []models.PriceBar) (Result, error) {
	if len(bars) == 0 {
		return Result{}, ErrEmptySeries
	}
	if err := models.ValidateSeries(bars); err != nil {
		return Result{}, fmt.Errorf("invalid series for %s: %w", state.Instrument, err)
	}

	curr := indicator.Compute(bars, e.params)
	prev := e.previous(state, bars)

	res := Result{
		Snapshot: curr,
		Events:   Detect(state.Instrument, prev, curr, bars, e.params),
	}

	sig, ok := Score(res.Events, e.weights)
	if !ok {
		return res, nil
	}
	sig.ID = uuid.New().String()
	sig.Price = curr.Close
	res.Candidate = &sig
	return res, nil
}

func (e *Evaluator) previous(state models.InstrumentState, bars []models.PriceBar) models.IndicatorSnapshot {
	last := bars[len(bars)-1].Timestamp
	if s := state.LastSnapshot; s != nil && !s.BarTime.Before(bars[0].Timestamp) && !s.BarTime.After(last) {
		return *s
	}
	return indicator.Compute(bars[:len(bars)-1], e.params)
}
