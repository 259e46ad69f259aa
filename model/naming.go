package model

import (
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-regress/types"
)

type discriminator func(t *Node) string

func underParents(levels int) discriminator {
	return func(t *Node) string {
		parts := strings.Split(t.RelPath, "/")
		parts = parts[:len(parts)-1]
		if len(parts) == 0 {
			return " under " + t.App.Name
		}
		if len(parts) > levels {
			parts = parts[len(parts)-levels:]
		}
		return " under " + strings.Join(parts, "/")
	}
}

func forApplication(t *Node) string {
	return " for " + t.App.FullName
}

func withVersion(t *Node) string {
	v := t.App.FullVersion()
	if v == "" {
		v = "<default>"
	}
	return " version " + v
}

// AssignUniqueNames gives every case a name that is unique across the run.
// Cases sharing a name are extended with the first discriminator that tells
// them apart: the parent path suffix, the application name, then the
// version. The result depends only on the cases, not on their order.
func (a *Arena) AssignUniqueNames(cases []*Node) error {
	groups := make(map[string][]*Node)
	for _, t := range cases {
		groups[t.Name] = append(groups[t.Name], t)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	slices.Sort(names)

	assigned := make(map[*Node]string, len(cases))
	for _, name := range names {
		group := groups[name]
		if len(group) == 1 {
			assigned[group[0]] = name
			continue
		}
		suffix, ok := chooseDiscriminator(group)
		if !ok {
			return types.NewConfigurationError(group[0].App.Description(),
				"cannot find a unique name for test %s: %d tests share every discriminator", name, len(group))
		}
		for _, t := range group {
			assigned[t] = name + suffix(t)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for t, unique := range assigned {
		if t.uniqueName != "" {
			delete(a.unique, t.uniqueName)
		}
		t.uniqueName = unique
		a.unique[unique] = t.ID
	}
	return nil
}

func chooseDiscriminator(group []*Node) (discriminator, bool) {
	depth := 0
	for _, t := range group {
		depth = max(depth, strings.Count(t.RelPath, "/"))
	}
	var candidates []discriminator
	for level := 1; level <= depth; level++ {
		candidates = append(candidates, underParents(level))
	}
	candidates = append(candidates, forApplication, withVersion)
	full := underParents(max(depth, 1))
	candidates = append(candidates, func(t *Node) string {
		return full(t) + forApplication(t) + withVersion(t)
	})

	for _, d := range candidates {
		if distinguishes(group, d) {
			return d, true
		}
	}
	return nil, false
}

func distinguishes(group []*Node, d discriminator) bool {
	seen := make(map[string]bool, len(group))
	for _, t := range group {
		label := d(t)
		if seen[label] {
			return false
		}
		seen[label] = true
	}
	return true
}
