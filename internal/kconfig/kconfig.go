// Package kconfig edits kernel .config files.
package kconfig

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Action is what a directive does to its key.
type Action string

const (
	Enable  Action = "enable"
	Module  Action = "module"
	Disable Action = "disable"
	Set     Action = "set"
)

// Directive is a single configuration instruction.
type Directive struct {
	Key    string `json:"key" yaml:"key"`
	Action Action `json:"action" yaml:"action"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// DirectiveSet is applied in order; a later directive overrides an earlier one on the same key.
type DirectiveSet []Directive

// Y enables key as built-in.
func Y(key string) Directive { return Directive{Key: Normalize(key), Action: Enable} }

// M enables key as a module.
func M(key string) Directive { return Directive{Key: Normalize(key), Action: Module} }

// N disables key.
func N(key string) Directive { return Directive{Key: Normalize(key), Action: Disable} }

// V sets key to value. Non-numeric values are written quoted.
func V(key, value string) Directive { return Directive{Key: Normalize(key), Action: Set, Value: value} }

// Normalize upper-cases key and ensures the CONFIG_ prefix.
func Normalize(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !strings.HasPrefix(key, "CONFIG_") {
		key = "CONFIG_" + key
	}
	return key
}

// Validate reports the first malformed directive.
func (s DirectiveSet) Validate() error {
	for i, d := range s {
		name := strings.TrimPrefix(Normalize(d.Key), "CONFIG_")
		if name == "" || strings.ContainsAny(name, " \t=#\"") {
			return fmt.Errorf("directive %d: invalid key %q", i, d.Key)
		}
		switch d.Action {
		case Enable, Module, Disable, Set:
		default:
			return fmt.Errorf("directive %d (%s): unknown action %q", i, d.Key, d.Action)
		}
	}
	return nil
}

// Effective collapses the set to the final directive per key, in first-seen key order.
func (s DirectiveSet) Effective() DirectiveSet {
	index := map[string]int{}
	out := DirectiveSet{}
	for _, d := range s {
		d.Key = Normalize(d.Key)
		if i, ok := index[d.Key]; ok {
			out[i] = d
			continue
		}
		index[d.Key] = len(out)
		out = append(out, d)
	}
	return out
}

// Line renders the .config line for d.
func (d Directive) Line() string {
	key := Normalize(d.Key)
	switch d.Action {
	case Enable:
		return key + "=y"
	case Module:
		return key + "=m"
	case Disable:
		return "# " + key + " is not set"
	default:
		return key + "=" + quote(d.Value)
	}
}

func quote(value string) string {
	if value == "" {
		return `""`
	}
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		return value
	}
	if value == "y" || value == "m" || value == "n" {
		return value
	}
	if _, err := strconv.ParseInt(value, 0, 64); err == nil {
		return value
	}
	return strconv.Quote(value)
}

// Apply returns config with set applied. Existing lines for a key are replaced in place, other
// keys are appended. Applying the same set twice yields the same bytes.
func Apply(config []byte, set DirectiveSet) []byte {
	lines := splitLines(config)
	occurrences := map[string][]int{}
	for i, line := range lines {
		if key, ok := lineKey(line); ok {
			occurrences[key] = append(occurrences[key], i)
		}
	}

	dropped := map[int]bool{}
	for _, d := range set.Effective() {
		rendered := d.Line()
		at, ok := occurrences[d.Key]
		if !ok {
			occurrences[d.Key] = []int{len(lines)}
			lines = append(lines, rendered)
			continue
		}
		lines[at[0]] = rendered
		// kconfig lets the last duplicate win, so later copies would undo the directive.
		for _, i := range at[1:] {
			dropped[i] = true
		}
	}

	var out bytes.Buffer
	for i, line := range lines {
		if dropped[i] {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// State is the value of a key in a config.
type State int

const (
	Absent State = iota
	Unset
	Present
)

// Lookup returns the raw value of key and whether it is set, explicitly unset, or absent.
func Lookup(config []byte, key string) (string, State) {
	key = Normalize(key)
	for _, line := range splitLines(config) {
		k, ok := lineKey(line)
		if !ok || k != key {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return "", Unset
		}
		_, value, _ := strings.Cut(line, "=")
		return value, Present
	}
	return "", Absent
}

// Parse reads the key lines of config as directives, in file order.
func Parse(config []byte) DirectiveSet {
	set := DirectiveSet{}
	for _, line := range splitLines(config) {
		key, ok := lineKey(line)
		if !ok {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			set = append(set, Directive{Key: key, Action: Disable})
			continue
		}
		_, value, _ := strings.Cut(line, "=")
		switch value = strings.TrimSpace(value); value {
		case "y":
			set = append(set, Directive{Key: key, Action: Enable})
		case "m":
			set = append(set, Directive{Key: key, Action: Module})
		default:
			set = append(set, Directive{Key: key, Action: Set, Value: value})
		}
	}
	return set
}

// SetLocalVersion sets CONFIG_LOCALVERSION to suffix and disables the automatic "+" suffix.
func SetLocalVersion(config []byte, suffix string) []byte {
	return Apply(config, DirectiveSet{
		V("LOCALVERSION", suffix),
		N("LOCALVERSION_AUTO"),
	})
}

func splitLines(config []byte) []string {
	text := strings.TrimRight(string(config), "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

// lineKey extracts CONFIG_X from "CONFIG_X=..." and "# CONFIG_X is not set".
func lineKey(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "# "); ok {
		if key, ok := strings.CutSuffix(rest, " is not set"); ok && strings.HasPrefix(key, "CONFIG_") {
			return key, true
		}
		return "", false
	}
	if key, _, ok := strings.Cut(line, "="); ok && strings.HasPrefix(key, "CONFIG_") {
		return key, true
	}
	return "", false
}
