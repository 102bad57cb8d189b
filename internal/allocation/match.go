package allocation

// bipartiteMatch assigns every left vertex a distinct right vertex.
// candidates[i] lists the right vertices acceptable to left vertex i, in
// order of preference. It returns, for each left vertex, the index of its
// right vertex, and false if no complete assignment exists.
//
// Augmenting paths (Kuhn's algorithm) make the result independent of the
// order labels are considered in: if any complete assignment exists, one is
// found.
func bipartiteMatch(candidates [][]int, nRight int) ([]int, bool) {
	owner := make([]int, nRight)
	for i := range owner {
		owner[i] = -1
	}

	for left := range candidates {
		visited := make([]bool, nRight)
		if !augment(left, candidates, owner, visited) {
			return nil, false
		}
	}

	assignment := make([]int, len(candidates))
	for right, left := range owner {
		if left >= 0 {
			assignment[left] = right
		}
	}
	return assignment, true
}

func augment(left int, candidates [][]int, owner []int, visited []bool) bool {
	for _, right := range candidates[left] {
		if visited[right] {
			continue
		}
		visited[right] = true
		if owner[right] < 0 || augment(owner[right], candidates, owner, visited) {
			owner[right] = left
			return true
		}
	}
	return false
}
