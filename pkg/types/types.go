// Package types defines the shared types used across all Huntmaster packages.
//
// These types form the lingua franca between the feature extractor, the
// aligner, the master-call library and the session engine. Each package
// defines its own domain types; cross-cutting data structures live here to
// avoid circular imports.
package types

// FeatureVector is the spectral feature representation of a single analysis
// frame: an ordered sequence of cepstral coefficients. When energy is enabled
// the first element is the log frame energy instead of c0.
type FeatureVector []float32

// Clone returns a copy of v that shares no memory with it.
func (v FeatureVector) Clone() FeatureVector {
	if v == nil {
		return nil
	}
	out := make(FeatureVector, len(v))
	copy(out, v)
	return out
}

// FeatureMatrix is an ordered sequence of [FeatureVector] values. Insertion
// order is temporal order: row i is frame i. All rows share the same length.
type FeatureMatrix []FeatureVector

// Frames returns the number of rows in m.
func (m FeatureMatrix) Frames() int { return len(m) }

// Dim returns the length of the rows in m, or 0 for an empty matrix.
func (m FeatureMatrix) Dim() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Uniform reports whether every row of m has the same, non-zero length.
// An empty matrix is uniform.
func (m FeatureMatrix) Uniform() bool {
	if len(m) == 0 {
		return true
	}
	d := len(m[0])
	if d == 0 {
		return false
	}
	for _, row := range m[1:] {
		if len(row) != d {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m FeatureMatrix) Clone() FeatureMatrix {
	if m == nil {
		return nil
	}
	out := make(FeatureMatrix, len(m))
	for i, row := range m {
		out[i] = row.Clone()
	}
	return out
}
