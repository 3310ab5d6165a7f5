// Package bitfield implements the atomic word-level primitives spec.md §4.1
// builds the rest of the allocator on: set/clear an aligned run of bits,
// test a run, find the first free aligned run, and a generic CAS-retry
// helper that generalizes the source's atom_update macro.
package bitfield

import (
	"math/bits"
	"sync/atomic"
)

// WordBits is the width of a single bitmap word (spec.md's WORD_ORDER=6).
const WordBits = 64

// Update atomically applies fn to cell: load, compute the next value, CAS.
// fn returns (next, true) to commit or (anything, false) to abort without
// writing. Update retries only on a lost CAS race (someone else's store
// since the load); it never spins on a logical "no" from fn.
//
// This is the generic "atomically apply a total function T -> Option<T> via
// load/CAS retry" helper spec.md's Design Notes ask for in place of the
// source's atom_update macro.
func Update[T any, C interface {
	Load() T
	CompareAndSwap(old, new T) bool
}](cell C, fn func(old T) (next T, ok bool)) (result T, applied bool) {
	for {
		old := cell.Load()
		next, ok := fn(old)
		if !ok {
			return old, false
		}
		if cell.CompareAndSwap(old, next) {
			return next, true
		}
	}
}

func runMask(offsetInWord, length int) uint64 {
	if length == WordBits {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(length)) - 1) << uint(offsetInWord)
}

// AllocRun finds the lowest-indexed aligned run of length zero bits across
// words (length must be a power of two, 1..64*len(words); alignment means
// the run's global bit offset is a multiple of length) and atomically marks
// it allocated. It returns the global bit offset and true on success, or
// false if no such run exists.
func AllocRun(words []atomic.Uint64, length int) (offset int, ok bool) {
	if length <= WordBits {
		return allocRunWithinWords(words, length)
	}
	return allocRunAcrossWords(words, length)
}

// allocRunWithinWords handles length <= 64: the run fits in a single word.
func allocRunWithinWords(words []atomic.Uint64, length int) (int, bool) {
	perWord := WordBits / length
	for wi := range words {
		for slot := 0; slot < perWord; slot++ {
			offInWord := slot * length
			mask := runMask(offInWord, length)

			_, applied := Update[uint64](&words[wi], func(old uint64) (uint64, bool) {
				if old&mask != 0 {
					return 0, false
				}
				return old | mask, true
			})
			if applied {
				return wi*WordBits + offInWord, true
			}
		}
	}
	return 0, false
}

// allocRunAcrossWords handles length > 64: the run spans length/64 whole,
// word-aligned words. Since no single CAS can span multiple words, it
// optimistically finds a window of words that all look free, then commits
// each word with its own CAS; if any word in the window was claimed by a
// concurrent allocation it rolls back the words it already set and tries
// the next window.
func allocRunAcrossWords(words []atomic.Uint64, length int) (int, bool) {
	wordsNeeded := length / WordBits

	for start := 0; start+wordsNeeded <= len(words); start += wordsNeeded {
		if !windowLooksFree(words[start : start+wordsNeeded]) {
			continue
		}

		claimed := 0
		for claimed < wordsNeeded {
			_, applied := Update[uint64](&words[start+claimed], func(old uint64) (uint64, bool) {
				if old != 0 {
					return 0, false
				}
				return ^uint64(0), true
			})
			if !applied {
				break
			}
			claimed++
		}

		if claimed == wordsNeeded {
			return start * WordBits, true
		}

		// Partial claim lost the race with a concurrent allocator; give
		// back what we took and try the next window.
		for i := 0; i < claimed; i++ {
			words[start+i].Store(0)
		}
	}
	return 0, false
}

func windowLooksFree(words []atomic.Uint64) bool {
	for i := range words {
		if words[i].Load() != 0 {
			return false
		}
	}
	return true
}

// FreeRun clears the length-bit run starting at offset (offset must be a
// multiple of length) and reports whether every bit in the run was
// previously set. A false return means the caller asked to free frames that
// were not fully allocated (a double-free or a mismatched order).
func FreeRun(words []atomic.Uint64, offset, length int) (wasFullySet bool) {
	if length <= WordBits {
		wi, offInWord := offset/WordBits, offset%WordBits
		mask := runMask(offInWord, length)
		return freeRunWord(&words[wi], mask)
	}

	wordsNeeded := length / WordBits
	allSet := true
	for i := 0; i < wordsNeeded; i++ {
		if !freeRunWord(&words[offset/WordBits+i], ^uint64(0)) {
			allSet = false
		}
	}
	return allSet
}

func freeRunWord(word *atomic.Uint64, mask uint64) (wasFullySet bool) {
	Update[uint64](word, func(old uint64) (uint64, bool) {
		wasFullySet = old&mask == mask
		return old &^ mask, true
	})
	return wasFullySet
}

// IsRunFree reports whether every bit in the length-bit run starting at
// offset is currently zero. The result is advisory under concurrency, as
// spec.md §6 documents for is_free.
func IsRunFree(words []atomic.Uint64, offset, length int) bool {
	if length <= WordBits {
		wi, offInWord := offset/WordBits, offset%WordBits
		mask := runMask(offInWord, length)
		return words[wi].Load()&mask == 0
	}

	wordsNeeded := length / WordBits
	base := offset / WordBits
	for i := 0; i < wordsNeeded; i++ {
		if words[base+i].Load() != 0 {
			return false
		}
	}
	return true
}

// SetBit marks a single bit allocated without going through AllocRun's
// counter bookkeeping; used at init to carve out trailing padding frames
// that were never part of any run a caller requested.
func SetBit(words []atomic.Uint64, offset int) {
	wi, bit := offset/WordBits, offset%WordBits
	mask := uint64(1) << uint(bit)
	Update[uint64](&words[wi], func(old uint64) (uint64, bool) {
		return old | mask, true
	})
}

// FillWords stores value into every word, used by init to set an entire
// child's bitmap to all-free (0) or all-allocated (^uint64(0)) in one pass.
func FillWords(words []atomic.Uint64, value uint64) {
	for i := range words {
		words[i].Store(value)
	}
}

// CountZeroBits returns the number of zero (free) bits across words.
func CountZeroBits(words []atomic.Uint64) int {
	total := 0
	for i := range words {
		total += bits.OnesCount64(^words[i].Load())
	}
	return total
}
