package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Transform 预测结果变换
type Transform func(output *mat.Dense) *mat.Dense

// Identity 原样返回
func Identity(output *mat.Dense) *mat.Dense { return output }

// Softmax 按行计算 softmax
func Softmax(output *mat.Dense) *mat.Dense {
	r, c := output.Dims()
	probs := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := output.RawRowView(i)
		dst := probs.RawRowView(i)
		maxVal := floats.Max(src)
		sum := 0.0
		for j, v := range src {
			dst[j] = math.Exp(v - maxVal)
			sum += dst[j]
		}
		floats.Scale(1/sum, dst)
	}
	return probs
}

// Sigmoid 逐元素 sigmoid
func Sigmoid(output *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, output)
	return &y
}

// Argmax 返回 n x 1 的类别下标
func Argmax(output *mat.Dense) *mat.Dense {
	r, _ := output.Dims()
	idx := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		idx.Set(i, 0, float64(floats.MaxIdx(output.RawRowView(i))))
	}
	return idx
}
