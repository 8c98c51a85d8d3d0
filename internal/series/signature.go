package series

import "fmt"

// Signature captures the semantic inputs of a provider query: which metric,
// which filters, which cohort. Two textually different requests with the
// same Signature are the same question and share cache rows.
//
// Inputs are the stable parameters. Volatile holds parameters that vary
// between logically identical requests (sampling seeds, trailing-window
// lengths); whether they participate in the hash is a HashPolicy decision,
// never an ad-hoc one at a call site.
type Signature struct {
	Inputs   MapValue
	Volatile MapValue
}

// HashPolicy controls which signature parts feed the identity hash.
type HashPolicy struct {
	// IncludeVolatile folds the volatile parameters into the hash. Leave it
	// off when requests differing only in volatile noise should share cache
	// history.
	IncludeVolatile bool
}

// DefaultHashPolicy excludes volatile parameters.
var DefaultHashPolicy = HashPolicy{IncludeVolatile: false}

// Hash computes the signature's content-addressed identity under the given
// policy: SHA-256 over domain-separated canonical JSON, hex encoded.
// Same inputs, same policy, same hash, regardless of map ordering or
// Unicode representation.
func (s Signature) Hash(policy HashPolicy) (string, error) {
	inputs := s.Inputs
	if inputs == nil {
		inputs = MapValue{}
	}
	obj := MapValue{"inputs": inputs}
	if policy.IncludeVolatile {
		volatile := s.Volatile
		if volatile == nil {
			volatile = MapValue{}
		}
		obj["volatile"] = volatile
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("signature hash: %w", err)
	}
	return hashWithDomain(domainSignature, canonical), nil
}

// MustHash is like Hash but panics on error. Use only in tests or when the
// inputs are known to be hashable.
func (s Signature) MustHash(policy HashPolicy) string {
	hash, err := s.Hash(policy)
	if err != nil {
		panic(err)
	}
	return hash
}
