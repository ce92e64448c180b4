// Package policy decides which tools an agent turn may call. A global policy
// file sets a ceiling and a deny list; tasks and skills narrow it further.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable policy data.
type Policy struct {
	// AllowTools is the global ceiling. Empty means no ceiling.
	AllowTools []string `yaml:"allow_tools"`
	// DenyTools always applies, whatever a task or skill declares.
	DenyTools []string `yaml:"deny_tools"`
}

func Default() Policy {
	return Policy{}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowTool(tool string) bool {
	return Resolve(p).Allows(tool)
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for _, list := range [][]string{p.AllowTools, p.DenyTools} {
		for _, pattern := range list {
			if err := validatePattern(pattern); err != nil {
				return err
			}
		}
	}
	return nil
}

// validatePattern accepts "*", "name", and "prefix.*".
func validatePattern(pattern string) error {
	n := normalize(pattern)
	if n == "" {
		return fmt.Errorf("empty tool pattern")
	}
	if n == "*" {
		return nil
	}
	if i := strings.IndexByte(n, '*'); i >= 0 && !(i == len(n)-1 && strings.HasSuffix(n, ".*")) {
		return fmt.Errorf("invalid tool pattern %q: wildcard only allowed as a trailing .*", pattern)
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// matchTool reports whether tool matches pattern. "mail.*" matches
// "mail.read" and "mail.send" but not "mail" itself.
func matchTool(pattern, tool string) bool {
	pattern = normalize(pattern)
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(tool, prefix) && len(tool) > len(prefix)
	}
	return pattern == tool
}

func anyMatch(patterns []string, tool string) bool {
	for _, p := range patterns {
		if matchTool(p, tool) {
			return true
		}
	}
	return false
}

// Layer is one declared allow/deny pair. A nil Allow declares no
// restriction; a non-nil empty Allow permits nothing.
type Layer struct {
	Name  string
	Allow []string
	Deny  []string
}

// Scope is the effective tool scope of one run: the intersection of every
// declared allow list minus the union of every deny list.
type Scope struct {
	allows  [][]string
	denies  []string
	version string
}

// Resolve combines the global policy with task and skill layers.
func Resolve(p Policy, layers ...Layer) Scope {
	s := Scope{version: policyVersionFor(p)}
	if len(p.AllowTools) > 0 {
		s.allows = append(s.allows, p.AllowTools)
	}
	s.denies = append(s.denies, p.DenyTools...)
	for _, l := range layers {
		if l.Allow != nil {
			s.allows = append(s.allows, l.Allow)
		}
		s.denies = append(s.denies, l.Deny...)
	}
	return s
}

// Allows reports whether tool is callable in this scope.
func (s Scope) Allows(tool string) bool {
	tool = normalize(tool)
	if tool == "" {
		return false
	}
	if anyMatch(s.denies, tool) {
		return false
	}
	for _, allow := range s.allows {
		if !anyMatch(allow, tool) {
			return false
		}
	}
	return true
}

// Unrestricted reports whether no allow list applies.
func (s Scope) Unrestricted() bool {
	return len(s.allows) == 0
}

// Describe lists the allow layers and denies for logs and turn requests.
func (s Scope) Describe() (allow [][]string, deny []string) {
	allow = make([][]string, 0, len(s.allows))
	for _, a := range s.allows {
		allow = append(allow, slices.Clone(a))
	}
	return allow, slices.Clone(s.denies)
}

// PolicyVersion identifies the global policy the scope was built from.
func (s Scope) PolicyVersion() string {
	return s.version
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowTool(tool string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(tool)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Policy{
		AllowTools: slices.Clone(lp.data.AllowTools),
		DenyTools:  slices.Clone(lp.data.DenyTools),
	}
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowTools {
		_, _ = h.Write([]byte("allow=" + normalize(v) + "|"))
	}
	for _, v := range p.DenyTools {
		_, _ = h.Write([]byte("deny=" + normalize(v) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
