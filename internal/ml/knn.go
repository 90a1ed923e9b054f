package ml

import (
	"math"
	"sort"
)

const (
	knnK    = 7
	knnRing = 150
)

// knnSample is one labeled feature vector in the ring.
type knnSample struct {
	X []float64 `json:"x"`
	Y float64   `json:"y"` // 1 up, 0 down
}

// knnModel votes by inverse-distance weighting over the k nearest of
// the last knnRing samples.
type knnModel struct {
	Samples []knnSample `json:"samples"`
}

func (m *knnModel) update(x []float64, label float64) {
	xc := make([]float64, len(x))
	copy(xc, x)
	m.Samples = append(m.Samples, knnSample{X: xc, Y: label})
	if len(m.Samples) > knnRing {
		m.Samples = m.Samples[1:]
	}
}

// clone returns an independent copy for snapshotting.
func (m *knnModel) clone() *knnModel {
	c := &knnModel{Samples: make([]knnSample, len(m.Samples))}
	for i, s := range m.Samples {
		x := make([]float64, len(s.X))
		copy(x, s.X)
		c.Samples[i] = knnSample{X: x, Y: s.Y}
	}
	return c
}

func (m *knnModel) predict(x []float64) float64 {
	if len(m.Samples) == 0 {
		return 0.5
	}

	type scored struct {
		dist  float64
		label float64
	}
	neighbors := make([]scored, len(m.Samples))
	for i, s := range m.Samples {
		neighbors[i] = scored{dist: euclidean(x, s.X), label: s.Y}
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].dist < neighbors[j].dist })

	k := knnK
	if k > len(neighbors) {
		k = len(neighbors)
	}
	var num, den float64
	for _, n := range neighbors[:k] {
		w := 1 / (n.dist + 1e-6)
		num += w * n.label
		den += w
	}
	return num / den
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sq float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sq += d * d
	}
	return math.Sqrt(sq)
}
