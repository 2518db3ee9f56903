package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// Directives are the declarations a script makes about what it needs from
// the execution host. They are scanned from comment lines in the source:
//
//	# requires -util <Name>       utility module to load before the script
//	# requires -native <Name>     native helper module to register
//	# requires -become            the script must run elevated
//	# requires -version <M.m>     minimum engine version
//	# param <Name>                declared parameter name
//
// Only parameter names declared with "# param" are eligible targets for
// secure parameter binding.
type Directives struct {
	Params     []string
	Utils      []string
	Natives    []string
	Become     bool
	MinVersion string
}

// AcceptedParams returns the declared parameter names as a lookup set, or
// nil when the script declares none (in which case every name is accepted).
func (d Directives) AcceptedParams() map[string]bool {
	if len(d.Params) == 0 {
		return nil
	}
	set := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		set[p] = true
	}
	return set
}

var (
	reUtil    = regexp.MustCompile(`(?i)^#\s*requires\s+-util\s+([\w.\-]+)\s*$`)
	reNative  = regexp.MustCompile(`(?i)^#\s*requires\s+-native\s+([\w.\-]+)\s*$`)
	reBecome  = regexp.MustCompile(`(?i)^#\s*requires\s+-become\s*$`)
	reVersion = regexp.MustCompile(`(?i)^#\s*requires\s+-version\s+([0-9]+(?:\.[0-9]+)?)\s*$`)
	reParam   = regexp.MustCompile(`(?i)^#\s*param\s+([\w\-]+)\s*$`)
)

// Scan extracts directives from script source. Unrecognized comment lines
// are ignored; scanning never fails on content.
func Scan(source []byte) Directives {
	var d Directives
	for line := range strings.Lines(string(source)) {
		line = strings.TrimRight(line, "\r\n")

		if m := reUtil.FindStringSubmatch(line); m != nil {
			d.Utils = append(d.Utils, m[1])
			continue
		}
		if m := reNative.FindStringSubmatch(line); m != nil {
			d.Natives = append(d.Natives, m[1])
			continue
		}
		if m := reParam.FindStringSubmatch(line); m != nil {
			d.Params = append(d.Params, m[1])
			continue
		}
		if reBecome.MatchString(line) {
			d.Become = true
			continue
		}
		if m := reVersion.FindStringSubmatch(line); m != nil {
			if newer(m[1], d.MinVersion) {
				d.MinVersion = m[1]
			}
		}
	}
	return d
}

// ScanScript scans a named script in the manifest and resolves its utility
// module dependencies transitively. The returned directives carry the full
// closure of utils in load order (dependencies before dependents) with
// duplicates removed. Referencing a util that is not in the script map is an
// error: the controller was supposed to ship every dependency.
func (m *Manifest) ScanScript(name string) (Directives, error) {
	info, err := m.Script(name)
	if err != nil {
		return Directives{}, err
	}
	source, err := info.Source()
	if err != nil {
		return Directives{}, fmt.Errorf("script %q: %w", name, err)
	}

	d := Scan(source)

	seen := map[string]bool{name: true}
	var ordered []string
	var visit func(util string) error
	visit = func(util string) error {
		if seen[util] {
			return nil
		}
		seen[util] = true

		utilInfo, err := m.Script(util)
		if err != nil {
			return fmt.Errorf("script %q: %w", name, err)
		}
		utilSource, err := utilInfo.Source()
		if err != nil {
			return fmt.Errorf("util %q: %w", util, err)
		}

		sub := Scan(utilSource)
		for _, dep := range sub.Utils {
			if err := visit(dep); err != nil {
				return err
			}
		}
		d.Natives = append(d.Natives, sub.Natives...)
		if sub.Become {
			d.Become = true
		}
		if newer(sub.MinVersion, d.MinVersion) {
			d.MinVersion = sub.MinVersion
		}
		ordered = append(ordered, util)
		return nil
	}

	for _, util := range d.Utils {
		if err := visit(util); err != nil {
			return Directives{}, err
		}
	}
	d.Utils = ordered
	d.Natives = dedupe(d.Natives)
	return d, nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// NewerVersion reports whether version a is strictly newer than b. Callers
// use it to compare a script's minimum engine version against the running
// engine.
func NewerVersion(a, b string) bool {
	return newer(a, b)
}

// newer reports whether version a is strictly newer than b. Versions are
// "major" or "major.minor"; an empty string is older than everything.
func newer(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	amaj, amin := splitVersion(a)
	bmaj, bmin := splitVersion(b)
	if amaj != bmaj {
		return amaj > bmaj
	}
	return amin > bmin
}

func splitVersion(v string) (major, minor int) {
	parts := strings.SplitN(v, ".", 2)
	fmt.Sscanf(parts[0], "%d", &major)
	if len(parts) == 2 {
		fmt.Sscanf(parts[1], "%d", &minor)
	}
	return major, minor
}
