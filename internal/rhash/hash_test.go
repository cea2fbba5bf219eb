package rhash

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randPage(t *testing.T, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	p := make([]byte, PageSize)
	r.Read(p)
	return p
}

func TestHashDeterministic(t *testing.T) {
	perm := NewPermutation(1, PageWords)
	words := Words(randPage(t, 42))

	h1 := Hash(words, perm, 16)
	h2 := Hash(words, perm, 16)
	require.Equal(t, h1, h2)
}

func TestDeltaHashMatchesDirectUp(t *testing.T) {
	perm := NewPermutation(2, PageWords)
	words := Words(randPage(t, 7))

	for _, pair := range [][2]int{{1, 16}, {4, 4 + StrengthMax - PageWords}, {4, PageWords + 5}} {
		from, to := pair[0], pair[1]
		hFrom := Hash(words, perm, from)
		got := DeltaHash(words, perm, from, to, hFrom)
		want := Hash(words, perm, to)
		require.Equalf(t, want, got, "delta_hash(%d -> %d)", from, to)
	}
}

func TestDeltaHashMatchesDirectDown(t *testing.T) {
	perm := NewPermutation(3, PageWords)
	words := Words(randPage(t, 99))

	for _, pair := range [][2]int{{16, 1}, {StrengthMax, 4}, {PageWords + 5, 4}} {
		from, to := pair[0], pair[1]
		hFrom := Hash(words, perm, from)
		got := DeltaHash(words, perm, from, to, hFrom)
		want := Hash(words, perm, to)
		require.Equalf(t, want, got, "delta_hash(%d -> %d)", from, to)
	}
}

func TestDeltaHashRoundTrip(t *testing.T) {
	perm := NewPermutation(4, PageWords)
	words := Words(randPage(t, 5))

	h := Hash(words, perm, 8)
	up := DeltaHash(words, perm, 8, 20, h)
	back := DeltaHash(words, perm, 20, 8, up)
	require.Equal(t, h, back)
}

func TestPageHashMaxNeverZero(t *testing.T) {
	perm := NewPermutation(5, PageWords)
	for i := 0; i < 64; i++ {
		words := Words(randPage(t, int64(i)))
		h := Hash(words, perm, 1)
		hm := PageHashMax(words, perm, 1, h)
		require.NotZero(t, hm)
	}
}

func TestControllerAdjustsStrengthOnHighCollisionRatio(t *testing.T) {
	c := NewController(4)
	c.MemcmpCost = 50

	// settle NEW -> STILL
	c.NotePageScanned()
	c.Adjust()
	require.Equal(t, StateStill, c.state)

	// simulate a round with heavy collisions (neg >> pos): should trend up.
	for i := 0; i < 3; i++ {
		c.NotePageScanned()
		c.CreditMemcmp()
		c.CreditMemcmp()
		before := c.Strength
		res := c.Adjust()
		if res.Changed {
			require.GreaterOrEqual(t, res.NewStrength, before)
		}
	}
}
