package audit

import "github.com/agentmesh/agentmesh/internal/crypto"

// Proof step positions: which side the node of interest sat on.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// ProofStep is one level of a membership proof: the sibling hash and the
// side the proven node occupied at that level.
type ProofStep struct {
	SiblingHash string `json:"sibling_hash"`
	Position    string `json:"position"`
}

// nodeHash combines two child hashes into their parent.
func nodeHash(left, right string) string {
	return crypto.SHA256Hex([]byte(left + right))
}

// buildLevels constructs the full tree bottom-up. levels[0] is the leaf
// row; the last level holds the single root. A lone leaf at the end of a
// row pairs with itself.
func buildLevels(leaves []string) [][]string {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][]string{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]string, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			left := cur[i]
			right := left
			if i+1 < len(cur) {
				right = cur[i+1]
			}
			next = append(next, nodeHash(left, right))
		}
		levels = append(levels, next)
		cur = next
	}
	return levels
}

// proofFromLevels collects the sibling path for the leaf at index i.
func proofFromLevels(levels [][]string, i int) []ProofStep {
	proof := make([]ProofStep, 0, len(levels)-1)
	idx := i
	for _, level := range levels[:len(levels)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			// Odd row: the node pairs with itself.
			sib = idx
		}
		pos := PositionLeft
		if idx%2 == 1 {
			pos = PositionRight
		}
		proof = append(proof, ProofStep{SiblingHash: level[sib], Position: pos})
		idx /= 2
	}
	return proof
}

// VerifyProof recomputes the root from a leaf hash and its proof path and
// compares it with the claimed root. A failed comparison or malformed step
// reports "proof path invalid".
func VerifyProof(leafHash string, proof []ProofStep, root string) (bool, error) {
	cur := leafHash
	for _, step := range proof {
		switch step.Position {
		case PositionLeft:
			cur = nodeHash(cur, step.SiblingHash)
		case PositionRight:
			cur = nodeHash(step.SiblingHash, cur)
		default:
			return false, &Error{Msg: "proof path invalid"}
		}
	}
	if cur != root {
		return false, &Error{Msg: "proof path invalid"}
	}
	return true, nil
}
