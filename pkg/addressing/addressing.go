// Package addressing computes the interface addresses of a router chain.
//
// Every link in the chain is a /24 under 10.0.0.0/16:
//
//	h0 --- r1 --- r2 --- ... --- rN
//	       |      |              |
//	       h1     h2             hN
//
// The link between ri and r(i+1) is subnet 10.0.i.0/24. The right-hand end of
// a link takes host byte 1 (ri's right interface) and the left-hand end takes
// host byte 2 (r(i+1)'s left interface). Link 0 joins the origin host h0
// (10.0.0.1) to r1 (10.0.0.2). Router ri's downstream link is 10.0.(10i).0/24
// with the router at .1 and host hi at .10.
//
// These values are bit-exact with externally authored daemon configs and
// must not change.
package addressing

import (
	"errors"
	"fmt"
	"net/netip"
)

// PrefixLen is the prefix length of every chain subnet.
const PrefixLen = 24

// MaxRouters is the longest chain whose subnets stay distinct. Link subnet i
// ranges over 0..N-1 and downstream subnets over 10..10N, so N=11 would put
// link 10 on top of r1's downstream subnet.
const MaxRouters = 10

// Host bytes.
const (
	RightHostByte      = 1
	LeftHostByte       = 2
	DownstreamHostByte = 1
	AttachedHostByte   = 10
)

var (
	ErrOutOfRangeIndex     = errors.New("router index out of range")
	ErrInvalidTopologySize = errors.New("invalid topology size")
)

// Side selects one of a router's three interfaces.
type Side int

const (
	Left Side = iota
	Right
	Downstream
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	case Downstream:
		return "downstream"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// IndexError reports a router index outside [1, N].
type IndexError struct {
	Index int
	N     int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("router index %d out of range [1, %d]", e.Index, e.N)
}

func (e *IndexError) Unwrap() error {
	return ErrOutOfRangeIndex
}

// SizeError reports a chain length outside [1, MaxRouters].
type SizeError struct {
	N int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("topology size %d out of range [1, %d]", e.N, MaxRouters)
}

func (e *SizeError) Unwrap() error {
	return ErrInvalidTopologySize
}

// ValidateSize checks a chain length.
func ValidateSize(n int) error {
	if n < 1 || n > MaxRouters {
		return &SizeError{N: n}
	}
	return nil
}

func validateIndex(i, n int) error {
	if err := ValidateSize(n); err != nil {
		return err
	}
	if i < 1 || i > n {
		return &IndexError{Index: i, N: n}
	}
	return nil
}

// Subnet returns 10.0.<subnet>.0/24.
func Subnet(subnet int) netip.Prefix {
	return netip.PrefixFrom(addr(subnet, 0), PrefixLen)
}

// Interface returns the address of router i's interface on the given side in
// a chain of n routers.
func Interface(i, n int, side Side) (netip.Prefix, error) {
	if err := validateIndex(i, n); err != nil {
		return netip.Prefix{}, err
	}
	switch side {
	case Left:
		return prefix(i-1, LeftHostByte), nil
	case Right:
		return prefix(i, RightHostByte), nil
	case Downstream:
		return prefix(DownstreamSubnet(i), DownstreamHostByte), nil
	default:
		return netip.Prefix{}, fmt.Errorf("addressing: unknown side %d", int(side))
	}
}

// Host returns the address of host hi attached to router i.
func Host(i, n int) (netip.Prefix, error) {
	if err := validateIndex(i, n); err != nil {
		return netip.Prefix{}, err
	}
	return prefix(DownstreamSubnet(i), AttachedHostByte), nil
}

// HostGateway returns the default gateway of host hi (router i's downstream
// interface).
func HostGateway(i, n int) (netip.Addr, error) {
	p, err := Interface(i, n, Downstream)
	if err != nil {
		return netip.Addr{}, err
	}
	return p.Addr(), nil
}

// Origin returns the address of the origin host h0.
func Origin() netip.Prefix {
	return prefix(0, RightHostByte)
}

// OriginGateway returns the default gateway of h0 (r1's left interface).
func OriginGateway() netip.Addr {
	return addr(0, LeftHostByte)
}

// DownstreamSubnet returns the third octet of router i's downstream subnet.
func DownstreamSubnet(i int) int {
	return 10 * i
}

func prefix(subnet, hostByte int) netip.Prefix {
	return netip.PrefixFrom(addr(subnet, hostByte), PrefixLen)
}

func addr(subnet, hostByte int) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 0, byte(subnet), byte(hostByte)})
}
