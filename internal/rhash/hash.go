// Package rhash implements the engine's adaptive random-sample page hash
// and the hash-strength controller that tunes it (spec §4.1, §4.8).
//
// The hash treats a page as an array of 32-bit words and mixes a random
// subset of them ("strength" words) into a running accumulator. Strength
// can be increased or decreased between rounds without re-reading the page:
// DeltaHash extends or reverses the mixing chain word-by-word.
package rhash

import "math/rand"

// PageSize is the page size this engine hashes. PageWords must be a power
// of two dividing it (spec §9 "Platform assumption").
const PageSize = 4096

// PageWords is the number of 32-bit words in a page.
const PageWords = PageSize / 4

// StrengthMax is the largest sampling strength the hash ever runs at; above
// PageWords it loops back over the start of the permutation (spec §4.1).
const StrengthMax = PageWords + 10

// shiftl and shiftr are the mixing constants from the original sampling
// hash: 32/3 < shiftr < 32/2.
const shiftl = 8
const shiftr = 12

// seed is the accumulator's initial value.
const seed uint32 = 0xdeadbeef

// Words reinterprets a page-sized byte slice as 32-bit words for hashing.
// Panics if p is not exactly PageSize bytes; callers own page-size pages.
func Words(p []byte) []uint32 {
	if len(p) != PageSize {
		panic("rhash: page is not PageSize bytes")
	}
	out := make([]uint32, PageWords)
	for i := range out {
		off := i * 4
		out[i] = uint32(p[off]) | uint32(p[off+1])<<8 | uint32(p[off+2])<<16 | uint32(p[off+3])<<24
	}
	return out
}

// NewPermutation returns a fixed random permutation of [0, n) used to pick
// which words the hash samples. It is generated once per engine instance
// and shared by every page hashed at every strength.
func NewPermutation(seed int64, n int) []int {
	r := rand.New(rand.NewSource(seed))
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}

func hashFromTo(words []uint32, perm []int, h uint32, from, to int) uint32 {
	for index := from; index < to; index++ {
		pos := perm[index]
		h += words[pos]
		h += h << shiftl
		h ^= h >> shiftr
	}
	return h
}

// hashFromDownTo is the exact inverse of hashFromTo, walking the same
// indices in reverse and undoing each mixing step so a hash computed at a
// higher strength can be brought back down without re-reading the page.
func hashFromDownTo(words []uint32, perm []int, h uint32, from, to int) uint32 {
	for index := from - 1; index >= to; index-- {
		h ^= h >> shiftr
		h ^= h >> (shiftr * 2)
		h -= h << shiftl
		h += h << (shiftl * 2)
		pos := perm[index]
		h -= words[pos]
	}
	return h
}

// Hash computes the page's fingerprint at the given strength from scratch.
func Hash(words []uint32, perm []int, strength int) uint32 {
	h := seed
	loop := strength
	if loop > PageWords {
		loop = PageWords
	}
	h = hashFromTo(words, perm, h, 0, loop)
	if strength > PageWords {
		loop2 := strength - PageWords
		h = hashFromTo(words, perm, h, 0, loop2)
	}
	return h
}

// DeltaHash converts a hash computed at strength `from` into the value it
// would have had at strength `to`, without rereading the page. It must stay
// bit-exact with Hash (spec §8 invariant 4: delta_hash(from,to) applied to
// hash(page,from) equals hash(page,to)).
func DeltaHash(words []uint32, perm []int, from, to int, h uint32) uint32 {
	switch {
	case to > from:
		switch {
		case from >= PageWords:
			h = hashFromTo(words, perm, h, from-PageWords, to-PageWords)
		case to <= PageWords:
			h = hashFromTo(words, perm, h, from, to)
		default:
			h = hashFromTo(words, perm, h, from, PageWords)
			h = hashFromTo(words, perm, h, 0, to-PageWords)
		}
	case to < from:
		switch {
		case from <= PageWords:
			h = hashFromDownTo(words, perm, h, from, to)
		case to >= PageWords:
			h = hashFromDownTo(words, perm, h, from-PageWords, to-PageWords)
		default:
			h = hashFromDownTo(words, perm, h, from-PageWords, 0)
			h = hashFromDownTo(words, perm, h, PageWords, to)
		}
	}
	return h
}

// PageHashMax extends a hash computed at `strength` up to StrengthMax,
// reserving zero to mean "not yet computed" (spec §4.1 "Hash-max").
func PageHashMax(words []uint32, perm []int, strength int, h uint32) uint32 {
	hm := DeltaHash(words, perm, strength, StrengthMax, h)
	if hm == 0 {
		hm = 1
	}
	return hm
}
