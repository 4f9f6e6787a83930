package reduction

import "slices"

const maxQuadDepth = 64

// quadTree summarises a 2-D embedding for the Barnes-Hut approximation of the
// repulsive forces. Leaves hold one point, or several coincident ones once the
// depth limit is reached.
type quadTree struct {
	centreX, centreY float64
	half             float64
	mass             float64
	comX, comY       float64
	points           []int
	children         []*quadTree
}

func newQuadTree(y []float64, n int) *quadTree {
	minX, maxX := y[0], y[0]
	minY, maxY := y[1], y[1]
	for i := 1; i < n; i++ {
		minX, maxX = min(minX, y[2*i]), max(maxX, y[2*i])
		minY, maxY = min(minY, y[2*i+1]), max(maxY, y[2*i+1])
	}
	half := max(maxX-minX, maxY-minY)/2 + 1e-9
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return buildQuadTree(y, idx, (minX+maxX)/2, (minY+maxY)/2, half, 0)
}

func buildQuadTree(y []float64, idx []int, centreX, centreY, half float64, depth int) *quadTree {
	node := &quadTree{centreX: centreX, centreY: centreY, half: half, mass: float64(len(idx))}
	for _, i := range idx {
		node.comX += y[2*i]
		node.comY += y[2*i+1]
	}
	node.comX /= node.mass
	node.comY /= node.mass

	if len(idx) == 1 || depth >= maxQuadDepth {
		node.points = idx
		return node
	}

	var quadrants [4][]int
	for _, i := range idx {
		q := 0
		if y[2*i] >= centreX {
			q |= 1
		}
		if y[2*i+1] >= centreY {
			q |= 2
		}
		quadrants[q] = append(quadrants[q], i)
	}
	h := half / 2
	for q, members := range quadrants {
		if len(members) == 0 {
			continue
		}
		offsetX, offsetY := -h, -h
		if q&1 != 0 {
			offsetX = h
		}
		if q&2 != 0 {
			offsetY = h
		}
		node.children = append(node.children, buildQuadTree(y, members, centreX+offsetX, centreY+offsetY, h, depth+1))
	}
	return node
}

// repulsion accumulates the unnormalised repulsive force on point i into force and
// returns the point's contribution to the normalisation term.
func (t *quadTree) repulsion(y []float64, i int, theta2 float64, force *[2]float64) float64 {
	dx := y[2*i] - t.comX
	dy := y[2*i+1] - t.comY
	d2 := dx*dx + dy*dy
	width := 2 * t.half

	if t.children == nil || (d2 > 0 && width*width < theta2*d2) {
		mass := t.mass
		if t.children == nil && slices.Contains(t.points, i) {
			mass--
		}
		if mass <= 0 {
			return 0
		}
		q := 1 / (1 + d2)
		mq := mass * q
		force[0] += mq * q * dx
		force[1] += mq * q * dy
		return mq
	}

	var sum float64
	for _, child := range t.children {
		sum += child.repulsion(y, i, theta2, force)
	}
	return sum
}
