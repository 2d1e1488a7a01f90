// Package policy is the client-side gate evaluated before paying. A Policy
// names the price, SLA, reputation and latency a client will accept; any
// failed clause rejects the payment before it is attempted.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Clause names reported by Violation.
const (
	ClauseMaxPrice      = "max_price"
	ClauseRequireSLA    = "require_sla"
	ClauseMinReputation = "min_reputation"
	ClauseSLAP95MaxMs   = "sla_p95_max_ms"
	ClauseRequirement   = "requirement"
)

// ErrInvalidPolicy is returned for policies that cannot be evaluated.
var ErrInvalidPolicy = errors.New("policy: invalid policy")

// Policy is a declarative payment gate. Zero or nil fields disable their
// clause: a policy without MaxPrice accepts any quoted price.
type Policy struct {
	MinReputation float64  `json:"minReputation" yaml:"min_reputation"`
	MaxPrice      *float64 `json:"maxPrice,omitempty" yaml:"max_price,omitempty"`
	RequireSLA    bool     `json:"requireSLA" yaml:"require_sla"`
	SLAP95MaxMs   *float64 `json:"slaP95MaxMs,omitempty" yaml:"sla_p95_max_ms,omitempty"`
}

// Validate checks ranges.
func (p Policy) Validate() error {
	switch {
	case math.IsNaN(p.MinReputation) || p.MinReputation < 0 || p.MinReputation > 1:
		return fmt.Errorf("%w: min_reputation must be within [0,1]", ErrInvalidPolicy)
	case p.MaxPrice != nil && (math.IsNaN(*p.MaxPrice) || *p.MaxPrice < 0):
		return fmt.Errorf("%w: max_price must not be negative", ErrInvalidPolicy)
	case p.SLAP95MaxMs != nil && (math.IsNaN(*p.SLAP95MaxMs) || *p.SLAP95MaxMs <= 0):
		return fmt.Errorf("%w: sla_p95_max_ms must be positive", ErrInvalidPolicy)
	}
	return nil
}

// Float returns a pointer to v, for the optional clauses.
func Float(v float64) *float64 {
	return &v
}

// maxPriceMinor converts MaxPrice to minor units, rounding to the nearest unit.
func (p Policy) maxPriceMinor() int64 {
	return int64(math.Round(*p.MaxPrice * 1e6))
}

// Parse decodes a YAML (or JSON) policy document. Unknown keys are errors.
func Parse(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Load reads and parses a policy file.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy: %w", err)
	}
	return Parse(data)
}

// Violation is a fail-closed rejection naming the clause that failed.
type Violation struct {
	Clause string `json:"clause"`
	Detail string `json:"detail"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation: %s: %s", v.Clause, v.Detail)
}

// AsViolation extracts a *Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	ok := errors.As(err, &v)
	return v, ok
}
