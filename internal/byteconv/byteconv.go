// Package byteconv centralises the unavoidable uses of the `unsafe` standard
// library package inside tiercache so the rest of the tree stays clean and
// auditable. Every helper documents its pre/post-conditions.
//
// ⚠️  These helpers deliberately break the Go memory-safety model for the
// sake of zero-allocation conversions between CID strings, mmap byte views,
// and Arrow/Parquet binary columns. Use ONLY inside this repository.
//
// © 2025 tiercache authors. MIT License.
package byteconv

import "unsafe"

// StringToBytes reinterprets a string's backing array as a []byte without
// copying. The slice MUST remain read-only: writing to it mutates immutable
// string storage and is undefined behaviour. Used to pass a CID's canonical
// string to APIs (Arrow/Parquet builders) that want []byte but copy
// immediately, so no long-lived alias of the unsafe view escapes this
// package's callers.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
