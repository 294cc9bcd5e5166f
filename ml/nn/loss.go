package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Loss 损失函数，返回平均损失和对输出的梯度
type Loss interface {
	Compute(output, target *mat.Dense) (float64, *mat.Dense, error)
}

// CrossEntropyLoss 交叉熵，target 为 n x 1 的类别下标
type CrossEntropyLoss struct {
	LabelSmoothing float64
}

// NewCrossEntropyLoss kwargs: label_smoothing
func NewCrossEntropyLoss(kw Kwargs) (*CrossEntropyLoss, error) {
	if err := kw.CheckKnown("label_smoothing"); err != nil {
		return nil, fmt.Errorf("CrossEntropyLoss: %w", err)
	}
	eps, err := kw.Float("label_smoothing", 0)
	if err != nil {
		return nil, err
	}
	if eps < 0 || eps >= 1 {
		return nil, fmt.Errorf("CrossEntropyLoss: label_smoothing must be in [0, 1), got %v", eps)
	}
	return &CrossEntropyLoss{LabelSmoothing: eps}, nil
}

func (l *CrossEntropyLoss) Compute(output, target *mat.Dense) (float64, *mat.Dense, error) {
	n, k := output.Dims()
	tr, tc := target.Dims()
	if tr != n || tc != 1 {
		return 0, nil, fmt.Errorf("CrossEntropyLoss: target shape [%d %d], expected [%d 1]", tr, tc, n)
	}
	probs := Softmax(output)
	grad := mat.NewDense(n, k, nil)
	total := 0.0
	for i := 0; i < n; i++ {
		class := target.At(i, 0)
		if class != math.Trunc(class) || class < 0 || int(class) >= k {
			return 0, nil, fmt.Errorf("CrossEntropyLoss: target %v out of range [0, %d)", class, k)
		}
		row := probs.RawRowView(i)
		g := grad.RawRowView(i)
		for j := 0; j < k; j++ {
			q := l.LabelSmoothing / float64(k)
			if j == int(class) {
				q += 1 - l.LabelSmoothing
			}
			if q > 0 {
				total -= q * math.Log(math.Max(row[j], 1e-300))
			}
			g[j] = (row[j] - q) / float64(n)
		}
	}
	return total / float64(n), grad, nil
}

// MSELoss 均方误差
type MSELoss struct{}

func (MSELoss) Compute(output, target *mat.Dense) (float64, *mat.Dense, error) {
	if err := sameDims("MSELoss", output, target); err != nil {
		return 0, nil, err
	}
	n, k := output.Dims()
	var diff mat.Dense
	diff.Sub(output, target)
	total := 0.0
	for i := 0; i < n; i++ {
		row := diff.RawRowView(i)
		total += floats.Dot(row, row)
	}
	count := float64(n * k)
	diff.Scale(2/count, &diff)
	return total / count, &diff, nil
}

// BCEWithLogitsLoss 带 logits 的二元交叉熵，target 取值 0/1
type BCEWithLogitsLoss struct{}

func (BCEWithLogitsLoss) Compute(output, target *mat.Dense) (float64, *mat.Dense, error) {
	if err := sameDims("BCEWithLogitsLoss", output, target); err != nil {
		return 0, nil, err
	}
	n, k := output.Dims()
	count := float64(n * k)
	total := 0.0
	var grad mat.Dense
	grad.Apply(func(i, j int, x float64) float64 {
		t := target.At(i, j)
		total += math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
		return (sigmoid(x) - t) / count
	}, output)
	return total / count, &grad, nil
}

func sameDims(name string, a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("%s: output shape [%d %d] does not match target shape [%d %d]", name, ar, ac, br, bc)
	}
	return nil
}
