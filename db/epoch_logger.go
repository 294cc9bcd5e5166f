package db

import (
	"context"
	"math"
	"time"

	"modelkit/ml"
)

// EpochLogger writes each completed epoch to the training log
type EpochLogger struct {
	Catalog *Catalog
	Run     string
}

func (l *EpochLogger) OnEpochStart(context.Context, *ml.State) error { return nil }

func (l *EpochLogger) OnEpochComplete(ctx context.Context, state *ml.State) error {
	r := EpochRecord{
		Run:       l.Run,
		ModelName: state.Model.Name(),
		Epoch:     state.Epoch,
		LoggedAt:  time.Now(),
	}
	r.TrainLoss = metric(state.Metrics, "train_loss")
	r.ValLoss = metric(state.Metrics, "val_loss")
	r.ValAccuracy = metric(state.Metrics, "val_accuracy")
	r.LR = metric(state.Metrics, "lr")
	return l.Catalog.LogEpoch(ctx, r)
}

// metric NaN 和无穷大记为 NULL
func metric(metrics map[string]float64, key string) *float64 {
	v, ok := metrics[key]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
