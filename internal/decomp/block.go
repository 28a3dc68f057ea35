package decomp

// BlockMap returns the compmap of rank when the elements of gdims are split
// into n contiguous blocks. Offsets are 1-based; the leading ranks get the
// longer blocks when the split is uneven.
func BlockMap(gdims []int64, n, rank int) []int64 {
	if n <= 0 || rank < 0 || rank >= n {
		return nil
	}
	total := int64(1)
	for _, d := range gdims {
		total *= d
	}
	lo, hi := blockStart(rank, n, total), blockStart(rank+1, n, total)
	compmap := make([]int64, 0, hi-lo)
	for g := lo; g < hi; g++ {
		compmap = append(compmap, g+1)
	}
	return compmap
}
