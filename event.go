// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package direvent watches directories for changes and runs external
// commands in response, translating kernel-level notifications (inotify on
// Linux, kqueue on the BSDs and macOS) into a small, portable event
// vocabulary.
package direvent

import (
	"strings"
)

// Op is the portable, generic event vocabulary exposed to handlers. It is
// deliberately small: everything a handler can match against is one of
// these five bits, regardless of which native backend produced it.
type Op uint32

const (
	Create Op = 1 << iota
	Write
	Attrib
	Delete
	// Change is never produced by a backend translation table; it is
	// synthesized by the dispatcher on CLOSE_WRITE (see runtime.go).
	Change
)

var genericNames = []struct {
	bit  Op
	name string
}{
	{Create, "create"},
	{Write, "write"},
	{Attrib, "attrib"},
	{Delete, "delete"},
	{Change, "change"},
}

// Has reports whether every bit in want is also set in o.
func (o Op) Has(want Op) bool { return o&want == want }

// Names returns the symbolic names of the set bits, space-joined, in table
// order. This is the format used for DIREVENT_GENEV_NAME (§4.7).
func (o Op) Names() string {
	var b strings.Builder
	for _, n := range genericNames {
		if o&n.bit != 0 {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(n.name)
		}
	}
	return b.String()
}

func (o Op) String() string {
	if s := o.Names(); s != "" {
		return s
	}
	return "none"
}

// EventMask is the pair (generic_mask, native_mask) from §3: a generic bit
// set together with the backend-native bits a caller additionally cares
// about. Set algebra on EventMask is commutative and associative, and the
// zero value is the null mask.
type EventMask struct {
	Generic Op
	Native  uint32
}

// Union implements the commutative, associative OR of two masks.
func (m EventMask) Union(other EventMask) EventMask {
	return EventMask{Generic: m.Generic | other.Generic, Native: m.Native | other.Native}
}

// IsNull reports whether the mask is the identity element of Union.
func (m EventMask) IsNull() bool { return m.Generic == 0 && m.Native == 0 }

// bitMap is one row of a translation table: a native bit and the generic
// bit it satisfies. generic_to_native and native_to_generic (§4.1) are both
// views onto the same slice of rows, walked forwards or in reverse.
type bitMap struct {
	native  uint32
	generic Op
}

// TranslationTable drives conversion between the generic and native event
// vocabularies for one backend. It is built once per backend (see
// backend_inotify.go / backend_kqueue.go) and is otherwise stateless.
type TranslationTable []bitMap

// GenericToNative enumerates, for each set generic bit, the native bits
// that satisfy it (expansion).
func (t TranslationTable) GenericToNative(g Op) uint32 {
	var n uint32
	for _, m := range t {
		if g&m.generic != 0 {
			n |= m.native
		}
	}
	return n
}

// NativeToGeneric walks the same table in reverse, ORing every generic bit
// whose native row matches (union).
func (t TranslationTable) NativeToGeneric(n uint32) Op {
	var g Op
	for _, m := range t {
		if n&m.native != 0 {
			g |= m.generic
		}
	}
	return g
}
