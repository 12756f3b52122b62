package envop

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// Code is an environment-program operation code.
type Code int

const (
	OpClear Code = iota
	OpKeep
	OpSet
	OpUnset
)

var setNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validSetName(name string) bool {
	return name == ":" || setNameRe.MatchString(name)
}

// Op is one operation in a Program.
type Op struct {
	Code     Code
	Name     string // Set: variable name. Unset: name or unset-glob pattern. Keep: name glob (unless HasValue).
	Value    string // Set: value expression. Unset/Keep with HasValue: exact value to match.
	HasValue bool   // Unset: restrict to matching value. Keep: exact name+value match instead of a glob.
	compiled glob.Glob
}

// Program is an ordered plan of {clear, keep, set, unset} operations
// (§4.2, §9 "Environment program ordering"). At most one clear may appear,
// and only at the head; a keep may not follow a set or unset. Keeps take
// effect only in the run directly after a leading clear.
type Program struct {
	ops []Op
}

func (p *Program) hasNonClearKeep() bool {
	for _, op := range p.ops {
		if op.Code != OpClear && op.Code != OpKeep {
			return true
		}
	}
	return false
}

// Clear appends a clear operation. It must be the very first operation in
// the program.
func (p *Program) Clear() error {
	if len(p.ops) != 0 {
		return fmt.Errorf("envop: clear must be the first operation")
	}
	p.ops = append(p.ops, Op{Code: OpClear})
	return nil
}

// Keep appends a retention rule matched by a name glob. It is rejected once
// a set or unset operation has been added; a keep in a program without a
// leading clear is accepted and has no effect when the program runs.
func (p *Program) Keep(nameGlob string) error {
	if p.hasNonClearKeep() {
		return fmt.Errorf("envop: keep must directly follow clear")
	}
	g, err := glob.Compile(nameGlob)
	if err != nil {
		return fmt.Errorf("envop: bad keep pattern %q: %w", nameGlob, err)
	}
	p.ops = append(p.ops, Op{Code: OpKeep, Name: nameGlob, compiled: g})
	return nil
}

// KeepValue appends a retention rule matched by an exact name+value pair.
func (p *Program) KeepValue(name, value string) error {
	if p.hasNonClearKeep() {
		return fmt.Errorf("envop: keep must directly follow clear")
	}
	p.ops = append(p.ops, Op{Code: OpKeep, Name: name, Value: value, HasValue: true})
	return nil
}

// Set appends a set operation. name must match [A-Za-z_][A-Za-z0-9_]* or be
// the literal ":" (§4.2 Validity).
func (p *Program) Set(name, value string) error {
	if !validSetName(name) {
		return fmt.Errorf("envop: invalid variable name %q", name)
	}
	p.ops = append(p.ops, Op{Code: OpSet, Name: name, Value: value})
	return nil
}

// Unset appends an unconditional-name unset operation.
func (p *Program) Unset(name string) error {
	p.ops = append(p.ops, Op{Code: OpUnset, Name: name})
	return nil
}

// UnsetValue appends an unset operation that only removes entries whose
// current value equals value.
func (p *Program) UnsetValue(name, value string) error {
	p.ops = append(p.ops, Op{Code: OpUnset, Name: name, Value: value, HasValue: true})
	return nil
}

// Len reports the number of operations, used by Equal.
func (p *Program) Len() int { return len(p.ops) }

// Equal implements envop_cmp(a, b) == 0: identical length, code sequence,
// and name/value pairs.
func (p *Program) Equal(other *Program) bool {
	if p == nil || other == nil {
		return p == other
	}
	if len(p.ops) != len(other.ops) {
		return false
	}
	for i, op := range p.ops {
		o := other.ops[i]
		if op.Code != o.Code || op.Name != o.Name || op.Value != o.Value || op.HasValue != o.HasValue {
			return false
		}
	}
	return true
}

// Execute applies the program to env in the linear order described in
// §4.2: a leading clear (with its keep run, if any) first, then each
// remaining set/unset operation in order.
func (p *Program) Execute(env *Environ) error {
	ops := p.ops
	if len(ops) > 0 && ops[0].Code == OpClear {
		i := 1
		var keeps []Op
		for i < len(ops) && ops[i].Code == OpKeep {
			keeps = append(keeps, ops[i])
			i++
		}
		if len(keeps) == 0 {
			env.Clear()
		} else {
			env.retain(keeps)
		}
		ops = ops[i:]
	}
	for _, op := range ops {
		switch op.Code {
		case OpSet:
			if err := env.Set(op.Name, op.Value); err != nil {
				return err
			}
		case OpUnset:
			if op.HasValue {
				v := op.Value
				env.Unset(op.Name, &v)
			} else {
				if err := env.UnsetGlob(op.Name); err != nil {
					return err
				}
			}
		case OpKeep:
			// Only meaningful directly after a leading clear; elsewhere a
			// no-op, matching §4.2 step 2.
		}
	}
	return nil
}
