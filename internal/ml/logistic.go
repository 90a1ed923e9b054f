package ml

import "math"

// logisticBaseRate is the initial SGD step size; the effective rate
// decays as alpha/(1 + n*1e-4) over the sample count n.
const (
	logisticBaseRate = 0.05
	logisticL2       = 1e-3
)

// logisticModel is an online logistic regression over the normalized
// feature vector. Not safe for concurrent use; the ensemble serializes
// access.
type logisticModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Samples int64     `json:"samples"`
}

func newLogisticModel(dim int) *logisticModel {
	return &logisticModel{Weights: make([]float64, dim)}
}

func sigmoid(x float64) float64 {
	if x > 500 {
		x = 500
	} else if x < -500 {
		x = -500
	}
	return 1 / (1 + math.Exp(-x))
}

func (m *logisticModel) predict(x []float64) float64 {
	z := m.Bias
	for i, w := range m.Weights {
		if i >= len(x) {
			break
		}
		z += w * x[i]
	}
	return sigmoid(z)
}

// update runs one SGD step with L2 shrinkage toward the label
// (1 price up, 0 price down).
func (m *logisticModel) update(x []float64, label float64) {
	p := m.predict(x)
	grad := p - label
	rate := logisticBaseRate / (1 + float64(m.Samples)*1e-4)

	for i := range m.Weights {
		if i >= len(x) {
			break
		}
		m.Weights[i] -= rate * (grad*x[i] + logisticL2*m.Weights[i])
	}
	m.Bias -= rate * grad
	m.Samples++
}

// clone returns an independent copy for snapshotting.
func (m *logisticModel) clone() *logisticModel {
	w := make([]float64, len(m.Weights))
	copy(w, m.Weights)
	return &logisticModel{Weights: w, Bias: m.Bias, Samples: m.Samples}
}

// weightNorm is the L2 norm of the weight vector, used to watch for
// divergence.
func (m *logisticModel) weightNorm() float64 {
	var sq float64
	for _, w := range m.Weights {
		sq += w * w
	}
	return math.Sqrt(sq)
}
