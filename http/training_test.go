package http

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"modelkit/db"
	"modelkit/ml"
	"modelkit/ml/nn"
	"modelkit/monitoring"
)

func TestTrainingCallbacksNonFiniteLoss(t *testing.T) {
	catalog, err := db.Open(filepath.Join(t.TempDir(), "catalog.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })

	stream := monitoring.NewTrainingStream(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go stream.Run(ctx)

	alerts := monitoring.NewAlertSystem(monitoring.DefaultAlertConfig(), nil)
	api := NewAPI(APIConfig{Catalog: catalog, Stream: stream, Alerts: alerts})
	t.Cleanup(api.Close)

	class := &ml.ModelClass{
		Name: "DivergingModel",
		NNModule: map[string]ml.NNModuleFactory{
			"linear": func(nn.Kwargs) (nn.Module, error) {
				return nn.NewLinear(1, 1, rand.New(rand.NewSource(1))), nil
			},
		},
	}
	m, err := ml.NewModel(class, ml.Params{
		ml.KeyNNModule:  map[string]interface{}{},
		ml.KeyOptimizer: "SGD",
		ml.KeyLoss:      "MSELoss",
	})
	if err != nil {
		t.Fatal(err)
	}
	loader := &ml.SliceLoader{
		Inputs:  mat.NewDense(2, 1, []float64{1, 2}),
		Targets: mat.NewDense(2, 1, []float64{math.NaN(), 2}),
	}

	cfg := ml.FitConfig{Epochs: 5, Callbacks: api.trainingCallbacks("nan-run", false, 2)}
	history, err := m.Fit(ctx, loader, nil, cfg)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("training ran %d epochs, want 1", len(history))
	}

	active := alerts.GetActiveAlerts()
	if len(active) != 1 || active[0].Level != monitoring.Critical || active[0].Run != "nan-run" {
		t.Fatalf("active alerts = %+v", active)
	}

	records, err := catalog.TrainingLog(ctx, "nan-run")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].TrainLoss != nil {
		t.Fatalf("training log = %+v", records)
	}
}

func TestSplitDatasetRatio(t *testing.T) {
	inputs := mat.NewDense(10, 1, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	targets := mat.NewDense(10, 1, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})

	tests := []struct {
		ratio     float64
		trainRows int
		valRows   int
	}{
		{0, 10, 0},
		{0.2, 8, 2},
		{0.25, 8, 2}, // 7.5 四舍五入为 8
		{0.99, 10, 0},
	}
	for _, tt := range tests {
		trainX, trainY, valX, valY := splitDataset(inputs, targets, tt.ratio, 1)
		if r, _ := trainX.Dims(); r != tt.trainRows {
			t.Errorf("ratio %v: train rows = %d, want %d", tt.ratio, r, tt.trainRows)
		}
		if tt.valRows == 0 {
			if valX != nil || valY != nil {
				t.Errorf("ratio %v: expected no validation split", tt.ratio)
			}
			continue
		}
		if r, _ := valX.Dims(); r != tt.valRows {
			t.Errorf("ratio %v: val rows = %d, want %d", tt.ratio, r, tt.valRows)
		}
		// 输入和目标按同一顺序抽取
		for i := 0; i < tt.trainRows; i++ {
			if trainX.At(i, 0) != trainY.At(i, 0) {
				t.Fatalf("ratio %v: row %d inputs and targets misaligned", tt.ratio, i)
			}
		}
	}
}
