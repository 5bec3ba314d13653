package compression

import "sort"

// Canonical prefix-code construction from symbol frequencies. Used by
// the XPRESS and LZX compressors for their per-block codes and by the
// LZMS decompressor, whose adaptive codes are rebuilt from running
// frequency counters.

// MakeCanonicalCode computes codeword lengths and canonical codewords
// for the given symbol frequencies. A frequency of 0 leaves the symbol
// without a codeword (length 0). Lengths never exceed maxCodewordLen.
//
// The code is canonical: same-length codewords are ordered like their
// symbols, and shorter codewords lexicographically precede longer ones.
// Ties between subtrees of equal weight are broken in favor of leaves,
// matching the construction the WIM formats expect.
func MakeCanonicalCode(freqs []uint32, lens []uint8, codewords []uint32, maxCodewordLen uint) {
	type item struct {
		weight uint64
		syms   []int
	}

	// Collect the used symbols, sorted by (frequency, symbol value) so
	// the two-queue algorithm can pull the lightest leaf in O(1).
	leafQ := make([]item, 0, len(freqs))
	usedSyms := make([]int, 0, len(freqs))
	for sym, f := range freqs {
		lens[sym] = 0
		codewords[sym] = 0
		if f != 0 {
			leafQ = append(leafQ, item{weight: uint64(f), syms: []int{sym}})
			usedSyms = append(usedSyms, sym)
		}
	}
	sort.Slice(leafQ, func(i, j int) bool {
		if leafQ[i].weight != leafQ[j].weight {
			return leafQ[i].weight < leafQ[j].weight
		}
		return leafQ[i].syms[0] < leafQ[j].syms[0]
	})

	switch len(leafQ) {
	case 0:
		return
	case 1:
		// A one-symbol code still needs one bit per symbol. A second,
		// unused symbol takes the other codeword so that the code is
		// complete, which is what MakeDecodeTable accepts.
		other := 0
		if usedSyms[0] == 0 {
			other = 1
		}
		lens[usedSyms[0]] = 1
		lens[other] = 1
		assignCanonicalCodewords(lens, codewords, maxCodewordLen)
		return
	}

	// Two-queue Huffman construction. Instead of an explicit tree, each
	// queue element carries the set of leaf symbols below it; merging
	// two elements deepens every symbol in both sets by one. Leaves win
	// ties so that the resulting depths match the reference
	// construction.
	nodeQ := make([]item, 0, len(leafQ))
	depths := make([]uint8, len(freqs))

	takeLightest := func() item {
		if len(leafQ) > 0 && (len(nodeQ) == 0 || leafQ[0].weight <= nodeQ[0].weight) {
			it := leafQ[0]
			leafQ = leafQ[1:]
			return it
		}
		it := nodeQ[0]
		nodeQ = nodeQ[1:]
		return it
	}

	for len(leafQ)+len(nodeQ) > 1 {
		a := takeLightest()
		b := takeLightest()
		for _, s := range a.syms {
			depths[s]++
		}
		for _, s := range b.syms {
			depths[s]++
		}
		nodeQ = append(nodeQ, item{
			weight: a.weight + b.weight,
			syms:   append(a.syms, b.syms...),
		})
	}

	for _, s := range usedSyms {
		lens[s] = depths[s]
	}

	limitCodewordLens(usedSyms, lens, maxCodewordLen)
	assignCanonicalCodewords(lens, codewords, maxCodewordLen)
}

// limitCodewordLens caps codeword lengths at maxLen while keeping the
// Kraft sum exactly 1. Overlong codewords are clamped, which
// over-subscribes the code; the surplus is repaid by lengthening the
// deepest codewords that still have room.
func limitCodewordLens(usedSyms []int, lens []uint8, maxLen uint) {
	overflow := false
	for _, s := range usedSyms {
		if uint(lens[s]) > maxLen {
			overflow = true
			break
		}
	}
	if !overflow {
		return
	}

	// Kraft sum scaled by 2^maxLen.
	var total uint64
	for _, s := range usedSyms {
		if uint(lens[s]) > maxLen {
			lens[s] = uint8(maxLen)
		}
		total += uint64(1) << (maxLen - uint(lens[s]))
	}

	// Repay the over-subscription: each time a codeword shorter than
	// maxLen is lengthened by one bit, half its codespace is freed.
	for total > uint64(1)<<maxLen {
		best := -1
		for _, s := range usedSyms {
			if uint(lens[s]) < maxLen && (best < 0 || lens[s] > lens[best]) {
				best = s
			}
		}
		total -= uint64(1) << (maxLen - uint(lens[best]) - 1)
		lens[best]++
	}

	// Clamping can also leave spare codespace; hand it back by
	// shortening the deepest codewords that fit.
	for total < uint64(1)<<maxLen {
		spare := uint64(1)<<maxLen - total
		best := -1
		for _, s := range usedSyms {
			if lens[s] > 1 && uint64(1)<<(maxLen-uint(lens[s])) <= spare {
				if best < 0 || lens[s] > lens[best] {
					best = s
				}
			}
		}
		if best < 0 {
			break
		}
		total += uint64(1) << (maxLen - uint(lens[best]))
		lens[best]--
	}
}

// assignCanonicalCodewords fills codewords from lengths, ordering
// symbols by (length, symbol value).
func assignCanonicalCodewords(lens []uint8, codewords []uint32, maxCodewordLen uint) {
	var lenCounts [17]uint32
	for _, l := range lens {
		lenCounts[l]++
	}

	var nextCode [18]uint32
	code := uint32(0)
	for l := uint(1); l <= maxCodewordLen; l++ {
		nextCode[l] = code
		code = (code + lenCounts[l]) << 1
	}

	for sym, l := range lens {
		if l == 0 {
			continue
		}
		codewords[sym] = nextCode[l]
		nextCode[l]++
	}
}
