package model

import (
	"fmt"
	"regexp"
	"sync"
)

// MachineVersionsKey is the logical key of the version-rule document.
const MachineVersionsKey = "machineVersions"

// MachineVersionRule maps a host-name pattern to a version.
type MachineVersionRule struct {
	Machine string  `json:"Machine" yaml:"machine"`
	Version Version `json:"Version" yaml:"version"`

	once sync.Once
	re   *regexp.Regexp
	err  error
}

// NewRule returns a rule for the given pattern and version.
func NewRule(pattern string, v Version) *MachineVersionRule {
	return &MachineVersionRule{Machine: pattern, Version: v}
}

func (r *MachineVersionRule) compile() {
	r.once.Do(func() {
		r.re, r.err = regexp.Compile("(?i)" + r.Machine)
		if r.err != nil {
			r.err = fmt.Errorf("compile machine pattern %q: %w", r.Machine, r.err)
		}
	})
}

// Matches reports whether host matches the rule's pattern, ignoring case.
func (r *MachineVersionRule) Matches(host string) (bool, error) {
	r.compile()
	if r.err != nil {
		return false, r.err
	}
	return r.re.MatchString(host), nil
}

// RuleSet is an ordered sequence of machine version rules.
type RuleSet []*MachineVersionRule

// MachineVersions is the stored document holding a rule set.
type MachineVersions struct {
	Key   string  `json:"Key"`
	Value RuleSet `json:"Value"`
}

// Select picks the version for host. Rules are tested in order and every
// match overwrites the previous choice, so the last matching rule wins.
// With no match the fallback is returned.
func (rs RuleSet) Select(host string, fallback Version) (Version, error) {
	chosen := fallback
	for _, r := range rs {
		ok, err := r.Matches(host)
		if err != nil {
			return 0, err
		}
		if ok {
			chosen = r.Version
		}
	}
	return chosen, nil
}
