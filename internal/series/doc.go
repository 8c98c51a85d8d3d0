// Package series defines the identity and value model shared by every other
// package: subjects, signatures, slices, anchor days, and snapshot rows.
//
// It imports nothing from the rest of the module; all other internal packages
// import it. Two constraints matter everywhere:
//
//   - Signature inputs never contain floats. Identity hashes are computed over
//     RFC 8785 canonical JSON, and float formatting is not canonical across
//     writers. Measured statistics (numerator, denominator) are floats, but
//     they live on Snapshot rows, never inside a Signature.
//   - Slice identity is structural. A SliceKey is parsed once at the boundary
//     and carried as a value; volatile window arguments never enter it.
package series
