package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	vectorHeaderSize = 4
	vectorValueSize  = 4
)

// EncodeVector packs a vector as a little-endian uint32 dimension followed by
// little-endian float32 values.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}

	blob := make([]byte, vectorHeaderSize+len(vector)*vectorValueSize)
	binary.LittleEndian.PutUint32(blob[:vectorHeaderSize], uint32(len(vector)))

	offset := vectorHeaderSize
	for i, value := range vector {
		if !isFinite(float64(value)) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[offset:], math.Float32bits(value))
		offset += vectorValueSize
	}

	return blob, nil
}

func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderSize {
		return nil, fmt.Errorf("decode vector: blob too short: %d", len(blob))
	}

	dim := int(binary.LittleEndian.Uint32(blob[:vectorHeaderSize]))
	if dim <= 0 || len(blob) != vectorHeaderSize+dim*vectorValueSize {
		return nil, fmt.Errorf("decode vector: dimension %d does not match payload %d", dim, len(blob)-vectorHeaderSize)
	}

	vector := make([]float32, dim)
	offset := vectorHeaderSize
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[offset:]))
		offset += vectorValueSize
	}

	return vector, nil
}

// CosineSimilarity is clamped to [-1, 1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, score)), nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
