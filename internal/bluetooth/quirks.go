// Package bluetooth implements the classic-Bluetooth audio device
// model (components C8/C9/C10, spec.md §4.5-§4.8): profile/route
// enumeration, codec-switch orchestration, the quirks rule engine, and
// the realtime SCO voice I/O loop.
package bluetooth

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Feature bits the quirks engine can mask, spec.md §4.7.
type Feature uint32

const (
	FeatureMSBC Feature = 1 << iota
	FeatureHwVolume
	FeatureSBCXQ
	FeatureFastStream
	FeatureA2DPDuplex
)

var featureNames = map[string]Feature{
	"msbc":        FeatureMSBC,
	"hw-volume":   FeatureHwVolume,
	"sbc-xq":      FeatureSBCXQ,
	"faststream":  FeatureFastStream,
	"a2dp-duplex": FeatureA2DPDuplex,
}

// AllFeatures is the mask with every known feature bit set — the
// engine's starting point before any no-features rule clears bits
// (spec.md §4.7: "Final feature mask = ~0 & ~kernel_mask & ...").
const AllFeatures = Feature(^uint32(0))

// Rule is one entry in a quirks rule array (spec.md §4.7). Match is a
// flat property-name -> match-value map; a leading `~` on a value
// means the rest is an extended POSIX regex, otherwise it is a
// case-sensitive equality; a JSON null requires the property to be
// absent. NoFeatures lists feature names this rule masks out when it
// matches.
type Rule struct {
	Match       map[string]*string `json:"-"`
	NoFeatures  []string           `json:"no-features"`
	ForceMSBC   *bool              `json:"force_msbc,omitempty"`
	ForceHwVol  *bool              `json:"force_hw-volume,omitempty"`
	ForceSBCXQ  *bool              `json:"force_sbc-xq,omitempty"`
	ForceFast   *bool              `json:"force_faststream,omitempty"`
	ForceDuplex *bool              `json:"force_a2dp-duplex,omitempty"`
}

// UnmarshalJSON implements Rule's decode: any key other than
// "no-features" or a "force_*" setting is treated as a match
// predicate, since the rule object's match keys are not fixed ahead
// of time (sysname, release, vendor-id, ... per spec.md §4.7).
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Match = make(map[string]*string)
	for k, v := range raw {
		switch k {
		case "no-features":
			if err := json.Unmarshal(v, &r.NoFeatures); err != nil {
				return fmt.Errorf("bluetooth: quirks rule no-features: %w", err)
			}
		case "force_msbc":
			r.ForceMSBC = new(bool)
			json.Unmarshal(v, r.ForceMSBC)
		case "force_hw-volume":
			r.ForceHwVol = new(bool)
			json.Unmarshal(v, r.ForceHwVol)
		case "force_sbc-xq":
			r.ForceSBCXQ = new(bool)
			json.Unmarshal(v, r.ForceSBCXQ)
		case "force_faststream":
			r.ForceFast = new(bool)
			json.Unmarshal(v, r.ForceFast)
		case "force_a2dp-duplex":
			r.ForceDuplex = new(bool)
			json.Unmarshal(v, r.ForceDuplex)
		default:
			if string(v) == "null" {
				r.Match[k] = nil
				continue
			}
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("bluetooth: quirks rule match value for %q: %w", k, err)
			}
			r.Match[k] = &s
		}
	}
	return nil
}

// Matches reports whether every predicate in r.Match holds against
// props (spec.md §4.7: "The first fully-matching rule wins").
func (r *Rule) Matches(props map[string]string) bool {
	for key, want := range r.Match {
		got, present := props[key]
		if want == nil {
			if present {
				return false
			}
			continue
		}
		if !present {
			return false
		}
		if len(*want) > 0 && (*want)[0] == '~' {
			pattern := (*want)[1:]
			re, err := regexp.CompilePOSIX(pattern)
			if err != nil {
				return false
			}
			if !re.MatchString(got) {
				return false
			}
			continue
		}
		if got != *want {
			return false
		}
	}
	return true
}

// RuleSet holds the three rule arrays quirks.json-equivalent input
// provides (spec.md §4.7: kernel, adapter, device).
type RuleSet struct {
	Kernel  []Rule
	Adapter []Rule
	Device  []Rule
}

// ParseRuleSet decodes the three named JSON arrays from a single
// document shaped `{"kernel": [...], "adapter": [...], "device": [...]}`,
// the natural single-file encoding of spec.md §4.7's three rule
// tables (SPA_DATA_DIR's quirks file, per SPEC_FULL.md §1).
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var doc struct {
		Kernel  []Rule `json:"kernel"`
		Adapter []Rule `json:"adapter"`
		Device  []Rule `json:"device"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bluetooth: parse quirks ruleset: %w", err)
	}
	return &RuleSet{Kernel: doc.Kernel, Adapter: doc.Adapter, Device: doc.Device}, nil
}

// firstMatch returns the no-features mask of the first rule in rules
// that matches props, or 0 if none match.
func firstMatch(rules []Rule, props map[string]string) Feature {
	for i := range rules {
		if rules[i].Matches(props) {
			return maskOf(rules[i].NoFeatures)
		}
	}
	return 0
}

func maskOf(names []string) Feature {
	var mask Feature
	for _, n := range names {
		mask |= featureNames[n]
	}
	return mask
}

// Resolve computes the final feature mask for a device, given its
// kernel, adapter and device property dicts, applying kernel/adapter/
// device masks then explicit force_* overrides (spec.md §4.7).
func (rs *RuleSet) Resolve(kernelProps, adapterProps, deviceProps map[string]string) Feature {
	mask := AllFeatures
	mask &^= firstMatch(rs.Kernel, kernelProps)
	mask &^= firstMatch(rs.Adapter, adapterProps)
	mask &^= firstMatch(rs.Device, deviceProps)

	for _, r := range rs.allMatching(kernelProps, adapterProps, deviceProps) {
		mask = applyForce(mask, r)
	}
	return mask
}

// allMatching returns every rule (across all three arrays) that
// matches its corresponding property dict, in kernel/adapter/device
// order, so force_* overrides apply deterministically last-rule-wins
// within that order.
func (rs *RuleSet) allMatching(kernelProps, adapterProps, deviceProps map[string]string) []Rule {
	var out []Rule
	for i := range rs.Kernel {
		if rs.Kernel[i].Matches(kernelProps) {
			out = append(out, rs.Kernel[i])
		}
	}
	for i := range rs.Adapter {
		if rs.Adapter[i].Matches(adapterProps) {
			out = append(out, rs.Adapter[i])
		}
	}
	for i := range rs.Device {
		if rs.Device[i].Matches(deviceProps) {
			out = append(out, rs.Device[i])
		}
	}
	return out
}

func applyForce(mask Feature, r Rule) Feature {
	apply := func(m Feature, f Feature, v *bool) Feature {
		if v == nil {
			return m
		}
		if *v {
			return m | f
		}
		return m &^ f
	}
	mask = apply(mask, FeatureMSBC, r.ForceMSBC)
	mask = apply(mask, FeatureHwVolume, r.ForceHwVol)
	mask = apply(mask, FeatureSBCXQ, r.ForceSBCXQ)
	mask = apply(mask, FeatureFastStream, r.ForceFast)
	mask = apply(mask, FeatureA2DPDuplex, r.ForceDuplex)
	return mask
}

// Explain returns a human-readable trace of which rule (if any)
// matched each of the three property dicts and what the resulting
// mask is, the counterpart of quirks.c's --dump mode (SPEC_FULL.md §3).
// No command in this repository calls it.
func (rs *RuleSet) Explain(kernelProps, adapterProps, deviceProps map[string]string) string {
	explainOne := func(label string, rules []Rule, props map[string]string) string {
		for i := range rules {
			if rules[i].Matches(props) {
				return fmt.Sprintf("%s: rule %d matched, no-features=%v", label, i, rules[i].NoFeatures)
			}
		}
		return fmt.Sprintf("%s: no rule matched", label)
	}
	mask := rs.Resolve(kernelProps, adapterProps, deviceProps)
	return fmt.Sprintf("%s\n%s\n%s\nfinal mask: %#x",
		explainOne("kernel", rs.Kernel, kernelProps),
		explainOne("adapter", rs.Adapter, adapterProps),
		explainOne("device", rs.Device, deviceProps),
		uint32(mask))
}
