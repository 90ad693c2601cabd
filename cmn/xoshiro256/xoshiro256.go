// Package xoshiro256 implements a xoshiro256**-family mixing hash that
// maps one 64-bit seed to a well-distributed 64-bit value, without the
// cost of a full general-purpose hash over a byte slice.
package xoshiro256

func rotl(x uint64, k uint) uint64 { return (x << k) | (x >> (64 - k)) }

// Hash expands a single 64-bit seed into a four-word xoshiro256** state
// and advances that state through four rounds; the result is the
// scrambler output of the last round. The output is never fed back into
// the state. It is deterministic and has no relation to the RNG's stream
// properties across calls -- it is purely a fast avalanche mix.
func Hash(seed uint64) uint64 {
	s := [4]uint64{
		seed ^ 0x9e3779b97f4a7c15,
		seed*0xbf58476d1ce4e5b9 + 1,
		seed*0x94d049bb133111eb + 2,
		seed ^ 0xff51afd7ed558ccd,
	}
	var result uint64
	for i := 0; i < 4; i++ {
		result = rotl(s[1]*5, 7) * 9
		t := s[1] << 17
		s[2] ^= s[0]
		s[3] ^= s[1]
		s[1] ^= s[2]
		s[0] ^= s[3]
		s[2] ^= t
		s[3] = rotl(s[3], 45)
	}
	return result
}
