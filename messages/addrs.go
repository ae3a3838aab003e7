package messages

import (
	"net/netip"
	"slices"
)

// Source lists are kept sorted and free of duplicates so the set
// operations below run as merges.

// Normalize returns a sorted copy of addrs without duplicates or invalid
// entries.
func Normalize(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.IsValid() {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, netip.Addr.Compare)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Union returns a+b. Both inputs must be normalized.
func Union(a, b []netip.Addr) []netip.Addr {
	var out []netip.Addr
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := a[i].Compare(b[j]); {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Intersect returns a*b. Both inputs must be normalized.
func Intersect(a, b []netip.Addr) []netip.Addr {
	var out []netip.Addr
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := a[i].Compare(b[j]); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// Difference returns a-b. Both inputs must be normalized.
func Difference(a, b []netip.Addr) []netip.Addr {
	var out []netip.Addr
	j := 0
	for _, x := range a {
		for j < len(b) && b[j].Less(x) {
			j++
		}
		if j < len(b) && b[j] == x {
			continue
		}
		out = append(out, x)
	}
	return out
}
