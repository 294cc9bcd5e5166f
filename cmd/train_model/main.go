package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"modelkit/config"
	"modelkit/db"
	"modelkit/hub"
	"modelkit/logging"
	"modelkit/ml"
	"modelkit/ml/zoo"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	dataPath := flag.String("data", "", "CSV file: feature columns followed by an integer label column")
	name := flag.String("name", "", "checkpoint name in the hub")
	className := flag.String("class", "TimmModel", "model class name")
	arch := flag.String("arch", "mlp_small", "network architecture")
	epochs := flag.Int("epochs", 50, "number of epochs")
	lr := flag.Float64("lr", 0.01, "Adam learning rate")
	batchSize := flag.Int("batch_size", 32, "batch size")
	testRatio := flag.Float64("test_ratio", 0.2, "test ratio")
	positive := flag.Int("positive", 1, "label treated as positive for precision and recall")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *dataPath == "" || *name == "" {
		logger.Fatal("data and name are required")
	}

	features, labels, err := readDataset(*dataPath)
	if err != nil {
		logger.Fatal("failed to read training data", zap.Error(err))
	}
	numClasses := 0
	for _, l := range labels {
		if l+1 > numClasses {
			numClasses = l + 1
		}
	}
	trainX, trainY, testX, testY := splitDataset(features, labels, *testRatio)
	logger.Info("dataset loaded",
		zap.Int("train", len(trainX)), zap.Int("test", len(testX)),
		zap.Int("features", len(features[0])), zap.Int("classes", numClasses))

	ml.MustRegister(zoo.ModelClass(*className))
	model, err := ml.New(*className, ml.Params{
		ml.KeyNNModule: map[string]interface{}{
			"model_name":  *arch,
			"in_chans":    len(features[0]),
			"num_classes": numClasses,
			"seed":        *seed,
		},
		ml.KeyOptimizer: ml.Component("Adam", map[string]interface{}{"lr": *lr}),
		ml.KeyLoss:      "CrossEntropyLoss",
		"num_epochs":    *epochs,
	}, ml.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create model", zap.Error(err))
	}

	catalog, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("failed to open catalog", zap.Error(err))
	}
	defer catalog.Close()
	cfg.Hub.Watch = false
	h, err := hub.New(cfg.Hub, catalog, logger)
	if err != nil {
		logger.Fatal("failed to open hub", zap.Error(err))
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	train := &ml.SliceLoader{Inputs: toDense(trainX), Targets: labelColumn(trainY), BatchSize: *batchSize, Shuffle: true, Seed: *seed}
	var val ml.DataLoader
	if len(testX) > 0 {
		val = &ml.SliceLoader{Inputs: toDense(testX), Targets: labelColumn(testY), BatchSize: *batchSize}
	}
	_, err = model.Fit(ctx, train, val, ml.FitConfig{
		Epochs:    *epochs,
		Callbacks: []ml.Callback{&db.EpochLogger{Catalog: catalog, Run: *name}},
	})
	if err != nil {
		logger.Fatal("failed to train model", zap.Error(err))
	}

	if len(testX) > 0 {
		accuracy, precision, recall, err := evaluateModel(model, testX, testY, *positive)
		if err != nil {
			logger.Fatal("failed to evaluate model", zap.Error(err))
		}
		logger.Info("evaluation",
			zap.Float64("accuracy", accuracy), zap.Float64("precision", precision), zap.Float64("recall", recall))
	}

	entry, err := h.Save(ctx, *name, model, ml.WithOptimizerState())
	if err != nil {
		logger.Fatal("failed to save model", zap.Error(err))
	}
	fmt.Printf("model saved to %s\n", entry.Path)
}

// readDataset 读取 CSV，最后一列为标签，首行不是数字时视为表头
func readDataset(path string) ([][]float64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	var features [][]float64
	var labels []int
	for line := 1; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if len(record) < 2 {
			return nil, nil, fmt.Errorf("line %d: need at least one feature and a label", line)
		}
		row := make([]float64, len(record)-1)
		var parseErr error
		for i, v := range record[:len(record)-1] {
			if row[i], parseErr = strconv.ParseFloat(v, 64); parseErr != nil {
				break
			}
		}
		label, labelErr := strconv.Atoi(record[len(record)-1])
		if parseErr != nil || labelErr != nil {
			if line == 1 {
				continue
			}
			return nil, nil, fmt.Errorf("line %d: %w", line, multierr.Combine(parseErr, labelErr))
		}
		if label < 0 {
			return nil, nil, fmt.Errorf("line %d: negative label %d", line, label)
		}
		features = append(features, row)
		labels = append(labels, label)
	}
	if len(features) == 0 {
		return nil, nil, errors.New("no rows")
	}
	return features, labels, nil
}

func splitDataset(features [][]float64, labels []int, testRatio float64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}

	split := int(float64(len(features)) * (1 - testRatio))
	for i := range features {
		if i < split {
			trainX = append(trainX, features[i])
			trainY = append(trainY, labels[i])
		} else {
			testX = append(testX, features[i])
			testY = append(testY, labels[i])
		}
	}
	return trainX, trainY, testX, testY
}

func evaluateModel(model *ml.Model, testX [][]float64, testY []int, positive int) (accuracy, precision, recall float64, err error) {
	if len(testX) == 0 {
		return 0, 0, 0, nil
	}
	out, err := model.Predict(toDense(testX))
	if err != nil {
		return 0, 0, 0, err
	}

	var correct int
	var truePositive int
	var predictedPositive int
	var actualPositive int

	for i := range testX {
		label := mat.Row(nil, i, out)
		predicted := argmax(label)
		if predicted == testY[i] {
			correct++
		}
		if predicted == positive {
			predictedPositive++
		}
		if testY[i] == positive {
			actualPositive++
			if predicted == positive {
				truePositive++
			}
		}
	}

	accuracy = float64(correct) / float64(len(testX))
	if predictedPositive > 0 {
		precision = float64(truePositive) / float64(predictedPositive)
	}
	if actualPositive > 0 {
		recall = float64(truePositive) / float64(actualPositive)
	}
	return accuracy, precision, recall, nil
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func toDense(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}

func labelColumn(labels []int) *mat.Dense {
	m := mat.NewDense(len(labels), 1, nil)
	for i, l := range labels {
		m.Set(i, 0, float64(l))
	}
	return m
}
