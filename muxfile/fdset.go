package muxfile

import "golang.org/x/sys/unix"

// FDSet wraps unix.FdSet with the FD_SET/FD_CLR/FD_ISSET bit-twiddling
// that golang.org/x/sys/unix does not itself expose (it only defines the
// struct so it can be passed to Select).
type FDSet struct {
	raw unix.FdSet
}

const fdBits = 64

// Set adds fd to the set.
func (s *FDSet) Set(fd int) {
	s.raw.Bits[fd/fdBits] |= 1 << (uint(fd) % fdBits)
}

// Clear removes fd from the set.
func (s *FDSet) Clear(fd int) {
	s.raw.Bits[fd/fdBits] &^= 1 << (uint(fd) % fdBits)
}

// IsSet reports whether fd is a member of the set.
func (s *FDSet) IsSet(fd int) bool {
	return s.raw.Bits[fd/fdBits]&(1<<(uint(fd)%fdBits)) != 0
}

// Zero clears every member of the set.
func (s *FDSet) Zero() {
	s.raw = unix.FdSet{}
}

// Raw returns the underlying unix.FdSet for passing to unix.Select.
func (s *FDSet) Raw() *unix.FdSet { return &s.raw }

// Max returns the highest fd number that is a member of the set, or -1
// if the set is empty. Used to size the nfds argument to unix.Select.
func (s *FDSet) Max() int {
	for word := len(s.raw.Bits) - 1; word >= 0; word-- {
		if s.raw.Bits[word] == 0 {
			continue
		}
		for bit := fdBits - 1; bit >= 0; bit-- {
			if s.raw.Bits[word]&(1<<uint(bit)) != 0 {
				return word*fdBits + bit
			}
		}
	}
	return -1
}
