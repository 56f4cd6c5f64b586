package geocube

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIsStableAcrossParamOrder(t *testing.T) {
	a := OperatorNode{Type: "ndvi", Params: map[string]any{"red": "B4", "nir": "B8"}}
	b := OperatorNode{Type: "ndvi", Params: map[string]any{"nir": "B8", "red": "B4"}}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDiffersOnType(t *testing.T) {
	a := OperatorNode{Type: "ndvi"}
	b := OperatorNode{Type: "evi"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDiffersOnSources(t *testing.T) {
	leaf1 := OperatorNode{Type: "load", Params: map[string]any{"band": "B4"}}
	leaf2 := OperatorNode{Type: "load", Params: map[string]any{"band": "B8"}}
	a := OperatorNode{Type: "ndvi", Sources: []OperatorNode{leaf1}}
	b := OperatorNode{Type: "ndvi", Sources: []OperatorNode{leaf2}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintRecursesIntoSourceOrder(t *testing.T) {
	leaf1 := OperatorNode{Type: "load", Params: map[string]any{"band": "B4"}}
	leaf2 := OperatorNode{Type: "load", Params: map[string]any{"band": "B8"}}
	a := OperatorNode{Type: "stack", Sources: []OperatorNode{leaf1, leaf2}}
	b := OperatorNode{Type: "stack", Sources: []OperatorNode{leaf2, leaf1}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b), "source order is part of the graph's semantics")
}
