// Package policy selects FREE books for a growing shelf.
//
// Each shelf names its policy in the user.LFS.AllocationPolicy xattr. A
// policy only reads the store; the caller applies state changes after the
// full list is returned, so a failed allocation leaves nothing behind.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies an allocation policy.
type Name uint8

const (
	RandomBooks Name = iota
	LocalNode
	LocalEnc
	NonLocalEnc
	Nearest
	NearestRemote
	NearestEnc
	NearestRack
	LZAAscending
	LZADescending
	RequestIG

	numPolicies
)

// Default is the engine-wide default before anyone changes it.
const Default = RandomBooks

// Reserved xattr names owned by the policy layer.
const (
	XattrAllocationPolicy        = "user.LFS.AllocationPolicy"
	XattrAllocationPolicyDefault = "user.LFS.AllocationPolicyDefault"
	XattrAllocationPolicyList    = "user.LFS.AllocationPolicyList"
	XattrInterleaveRequest       = "user.LFS.InterleaveRequest"
	XattrInterleaveRequestPos    = "user.LFS.InterleaveRequestPos"
	XattrInterleave              = "user.LFS.Interleave"
)

var (
	// ErrUnknownPolicy is returned for names outside the policy table.
	ErrUnknownPolicy = errors.New("unknown allocation policy")

	// ErrNoInterleaveRequest means RequestIG was selected without a pattern.
	ErrNoInterleaveRequest = errors.New("RequestIG policy requires prior " + XattrInterleaveRequest)

	// ErrInsufficientBooks means an interleave group cannot supply its share.
	ErrInsufficientBooks = errors.New("not enough books in IG to satisfy request")
)

var names = [numPolicies]string{
	RandomBooks:   "RandomBooks",
	LocalNode:     "LocalNode",
	LocalEnc:      "LocalEnc",
	NonLocalEnc:   "NonLocal_Enc",
	Nearest:       "Nearest",
	NearestRemote: "NearestRemote",
	NearestEnc:    "NearestEnc",
	NearestRack:   "NearestRack",
	LZAAscending:  "LZAascending",
	LZADescending: "LZAdescending",
	RequestIG:     "RequestIG",
}

func (n Name) String() string {
	if n < numPolicies {
		return names[n]
	}
	return fmt.Sprintf("Policy(%d)", uint8(n))
}

// Valid reports whether n is in the policy table.
func (n Name) Valid() bool {
	return n < numPolicies
}

// ParseName maps a stored policy string to its Name.
func ParseName(s string) (Name, error) {
	for i, name := range names {
		if name == s {
			return Name(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// All returns every policy in listing order.
func All() []Name {
	out := make([]Name, numPolicies)
	for i := range out {
		out[i] = Name(i)
	}
	return out
}

// List is the value of the read-only AllocationPolicyList xattr.
func List() string {
	return strings.Join(names[:], ",")
}

// axes selects which distance classes a nearest-family policy draws from.
type axes struct {
	local, enclosure, rack bool
}

// nearestAxes returns the axes of a nearest-family policy; ok is false for
// the other policies.
func nearestAxes(n Name) (a axes, ok bool) {
	switch n {
	case Nearest:
		return axes{true, true, true}, true
	case NearestEnc, LocalEnc:
		return axes{true, true, false}, true
	case LocalNode:
		return axes{true, false, false}, true
	case NearestRemote:
		return axes{false, true, true}, true
	case NonLocalEnc:
		return axes{false, true, false}, true
	case NearestRack:
		return axes{false, false, true}, true
	default:
		return axes{}, false
	}
}
