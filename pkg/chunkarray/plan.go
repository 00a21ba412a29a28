package chunkarray

// ChunkBounds returns, per dimension, the inclusive range of chunk indices
// that overlap the slice.
func ChunkBounds(meta ArrayMeta, spec SliceSpec) (lo, hi []int) {
	lo = make([]int, len(spec))
	hi = make([]int, len(spec))
	for i, r := range spec {
		lo[i] = r.Start / meta.ChunkShape[i]
		hi[i] = (r.Stop - 1) / meta.ChunkShape[i]
	}
	return lo, hi
}

// PlanChunks lists the grid coordinates of every chunk overlapping the slice
// in lexicographic order, last dimension varying fastest. The slice must
// already be validated against meta.
func PlanChunks(meta ArrayMeta, spec SliceSpec) [][]int {
	lo, hi := ChunkBounds(meta, spec)
	total := 1
	for i := range lo {
		total *= hi[i] - lo[i] + 1
	}
	plan := make([][]int, 0, total)
	cur := append([]int(nil), lo...)
	for {
		plan = append(plan, append([]int(nil), cur...))
		d := len(cur) - 1
		for ; d >= 0; d-- {
			cur[d]++
			if cur[d] <= hi[d] {
				break
			}
			cur[d] = lo[d]
		}
		if d < 0 {
			return plan
		}
	}
}

// Assemble copies the part of chunk (decoded and truncated, located at grid
// coordinate coord) that overlaps spec into out, which has spec's shape.
// Distinct chunks write disjoint ranges of out, so Assemble may run
// concurrently for different chunks.
func Assemble(out *Grid, meta ArrayMeta, spec SliceSpec, coord []int, chunk *Grid) {
	rank := len(spec)
	dstLo := make([]int, rank)
	srcLo := make([]int, rank)
	extent := make([]int, rank)
	for d := 0; d < rank; d++ {
		origin := coord[d] * meta.ChunkShape[d]
		lo := max(spec[d].Start, origin)
		hi := min(spec[d].Stop, origin+chunk.Shape[d])
		if hi <= lo {
			return
		}
		dstLo[d] = lo - spec[d].Start
		srcLo[d] = lo - origin
		extent[d] = hi - lo
	}
	copyBlock(out, dstLo, chunk, srcLo, extent)
}
