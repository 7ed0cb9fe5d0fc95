package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Mode identifies the workflow category that produced a simulation.
type Mode string

// Workflow categories. Each mode has its own settings shape.
const (
	// ModePrerun selects simulations from the fixed pre-computed menu.
	ModePrerun Mode = "prerun"
	// ModeCustom runs user-assembled interventions.
	ModeCustom Mode = "custom"
)

// Known reports whether the mode is one of the supported workflow categories.
func (m Mode) Known() bool {
	return m == ModePrerun || m == ModeCustom
}

// DateRange bounds a simulation window in calendar years, inclusive.
type DateRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// IsZero reports whether the range carries no bounds.
func (d DateRange) IsZero() bool {
	return d.Start == 0 && d.End == 0
}

// Settings is the structured configuration that deterministically produces a
// simulation. Implementations form a sealed union tagged by mode; equality and
// fingerprinting operate on the canonical normalized form.
type Settings interface {
	SettingsMode() Mode
	NormalizedLocation() string
	DateWindow() (DateRange, bool)

	canonical() map[string]any
	cloneSettings() Settings
}

// PrerunSettings selects one simulation from the pre-computed intervention menu.
type PrerunSettings struct {
	ModelVersion string `json:"model_version,omitempty"`
	Location     string `json:"location"`
	Aspect       string `json:"aspect,omitempty"`
	Population   string `json:"population,omitempty"`
	TimeFrame    string `json:"time_frame,omitempty"`
	Intensity    string `json:"intensity,omitempty"`
}

// SettingsMode tags the union member.
func (s PrerunSettings) SettingsMode() Mode { return ModePrerun }

// NormalizedLocation returns the canonical form of the location code.
func (s PrerunSettings) NormalizedLocation() string { return NormalizeLocation(s.Location) }

// DateWindow reports no explicit window; prerun menus fix their own horizon.
func (s PrerunSettings) DateWindow() (DateRange, bool) { return DateRange{}, false }

func (s PrerunSettings) canonical() map[string]any {
	m := map[string]any{
		"mode":     string(ModePrerun),
		"location": s.NormalizedLocation(),
	}
	putNonEmpty(m, "model_version", s.ModelVersion)
	putNonEmpty(m, "aspect", s.Aspect)
	putNonEmpty(m, "population", s.Population)
	putNonEmpty(m, "time_frame", s.TimeFrame)
	putNonEmpty(m, "intensity", s.Intensity)
	return m
}

func (s PrerunSettings) cloneSettings() Settings { return s }

// CustomSettings describes a user-assembled intervention run.
type CustomSettings struct {
	ModelVersion string     `json:"model_version,omitempty"`
	Location     string     `json:"location"`
	Dates        *DateRange `json:"dates,omitempty"`
	// Label is a free-text display name; it participates in full structural
	// comparison but not in the location+dates fallback.
	Label     string     `json:"label,omitempty"`
	Subgroups []Subgroup `json:"subgroups,omitempty"`
}

// Subgroup targets one slice of the modeled population with intervention components.
type Subgroup struct {
	Name       string                  `json:"name,omitempty"`
	Filters    map[string]string       `json:"filters,omitempty"`
	Components []InterventionComponent `json:"components,omitempty"`
}

// InterventionComponent is one lever applied to a subgroup over a span.
type InterventionComponent struct {
	Kind  string     `json:"kind"`
	Value float64    `json:"value,omitempty"`
	Span  *DateRange `json:"span,omitempty"`
}

// SettingsMode tags the union member.
func (s CustomSettings) SettingsMode() Mode { return ModeCustom }

// NormalizedLocation returns the canonical form of the location code.
func (s CustomSettings) NormalizedLocation() string { return NormalizeLocation(s.Location) }

// DateWindow returns the configured window when one is set.
func (s CustomSettings) DateWindow() (DateRange, bool) {
	if s.Dates == nil || s.Dates.IsZero() {
		return DateRange{}, false
	}
	return *s.Dates, true
}

func (s CustomSettings) canonical() map[string]any {
	m := map[string]any{
		"mode":     string(ModeCustom),
		"location": s.NormalizedLocation(),
	}
	putNonEmpty(m, "model_version", s.ModelVersion)
	putNonEmpty(m, "label", s.Label)
	if dates, ok := s.DateWindow(); ok {
		m["dates"] = map[string]any{"start": dates.Start, "end": dates.End}
	}
	if len(s.Subgroups) > 0 {
		groups := make([]any, 0, len(s.Subgroups))
		for _, g := range s.Subgroups {
			groups = append(groups, g.canonical())
		}
		m["subgroups"] = groups
	}
	return m
}

func (g Subgroup) canonical() map[string]any {
	m := map[string]any{}
	putNonEmpty(m, "name", g.Name)
	if len(g.Filters) > 0 {
		filters := make(map[string]any, len(g.Filters))
		for k, v := range g.Filters {
			filters[k] = v
		}
		m["filters"] = filters
	}
	if len(g.Components) > 0 {
		comps := make([]any, 0, len(g.Components))
		for _, c := range g.Components {
			cm := map[string]any{"kind": c.Kind}
			if c.Value != 0 {
				cm["value"] = c.Value
			}
			if c.Span != nil && !c.Span.IsZero() {
				cm["span"] = map[string]any{"start": c.Span.Start, "end": c.Span.End}
			}
			comps = append(comps, cm)
		}
		m["components"] = comps
	}
	return m
}

func (s CustomSettings) cloneSettings() Settings {
	out := s
	if s.Dates != nil {
		dates := *s.Dates
		out.Dates = &dates
	}
	if s.Subgroups != nil {
		out.Subgroups = make([]Subgroup, len(s.Subgroups))
		for i, g := range s.Subgroups {
			cloned := g
			if g.Filters != nil {
				cloned.Filters = make(map[string]string, len(g.Filters))
				for k, v := range g.Filters {
					cloned.Filters[k] = v
				}
			}
			if g.Components != nil {
				cloned.Components = make([]InterventionComponent, len(g.Components))
				for j, c := range g.Components {
					cc := c
					if c.Span != nil {
						span := *c.Span
						cc.Span = &span
					}
					cloned.Components[j] = cc
				}
			}
			out.Subgroups[i] = cloned
		}
	}
	return out
}

// CloneSettings returns an independent deep copy of the settings value.
func CloneSettings(s Settings) Settings {
	if !settingsDefined(s) {
		return nil
	}
	return s.cloneSettings()
}

// settingsDefined screens out nil interfaces and typed-nil pointers so the
// comparator entry points can honor their never-panic contract.
func settingsDefined(s Settings) bool {
	switch v := s.(type) {
	case nil:
		return false
	case *PrerunSettings:
		return v != nil
	case *CustomSettings:
		return v != nil
	default:
		return true
	}
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// NormalizeLocation canonicalizes a free-text location code: whitespace
// stripped, uppercased, the MSA. alias prefix folded to C., and bare CBSA
// digit codes prefixed with C. so that c.12580, C.12580, msa.12580 and 12580
// all compare equal.
func NormalizeLocation(location string) string {
	s := strings.ToUpper(strings.Join(strings.Fields(location), ""))
	if s == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(s, "MSA."); ok && rest != "" {
		s = "C." + rest
	}
	if allDigits(s) {
		s = "C." + s
	}
	return s
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// EqualSettings reports whether two settings values select the same
// simulation. The normalized canonical forms must be structurally identical,
// with one deliberate relaxation for the custom workflow: when the full
// comparison fails but both values share the same normalized location and the
// same date window, they are treated as equal so that incidental presentation
// fields do not force a duplicate run. The relaxation can match settings whose
// intervention components differ; callers accept that trade-off.
// Malformed input (nil, unknown mode, mismatched modes) compares unequal; the
// function never panics.
func EqualSettings(a, b Settings) bool {
	if !settingsDefined(a) || !settingsDefined(b) {
		return false
	}
	mode := a.SettingsMode()
	if !mode.Known() || mode != b.SettingsMode() {
		return false
	}
	ca, errA := canonicalJSON(a)
	cb, errB := canonicalJSON(b)
	if errA == nil && errB == nil && string(ca) == string(cb) {
		return true
	}
	if mode != ModeCustom {
		return false
	}
	location := a.NormalizedLocation()
	if location == "" || location != b.NormalizedLocation() {
		return false
	}
	datesA, okA := a.DateWindow()
	datesB, okB := b.DateWindow()
	if okA != okB {
		return false
	}
	return !okA || datesA == datesB
}

// Fingerprint returns a stable digest of the canonical normalized settings,
// prefixed with the mode. Equal settings (by full structural comparison) share
// a fingerprint; the custom-mode fallback relaxation does not. Returns "" for
// nil settings.
func Fingerprint(s Settings) string {
	if !settingsDefined(s) {
		return ""
	}
	data, err := canonicalJSON(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return string(s.SettingsMode()) + ":" + hex.EncodeToString(sum[:])
}

// CacheKey derives the external provider storage key for a settings value.
// Provider lookups go through this key, never through the comparator.
func CacheKey(s Settings) string {
	if !settingsDefined(s) {
		return ""
	}
	fp := Fingerprint(s)
	if fp == "" {
		return ""
	}
	digest := fp[strings.IndexByte(fp, ':')+1:]
	version := SettingsVersion(s)
	if version == "" {
		version = "unversioned"
	}
	return string(s.SettingsMode()) + "/" + version + "/" + digest[:16]
}

// SettingsVersion reports the model version the settings target, or "" when
// the concrete type carries none.
func SettingsVersion(s Settings) string {
	switch v := s.(type) {
	case PrerunSettings:
		return v.ModelVersion
	case *PrerunSettings:
		return v.ModelVersion
	case CustomSettings:
		return v.ModelVersion
	case *CustomSettings:
		return v.ModelVersion
	default:
		return ""
	}
}

func canonicalJSON(s Settings) ([]byte, error) {
	return json.Marshal(s.canonical())
}

// ValidateSettings checks a settings value at the service boundary. It
// returns a ValidationError carrying blocking violations when the value
// cannot identify a simulation.
func ValidateSettings(s Settings) error {
	var res Result
	block := func(msg string) {
		res.Violations = append(res.Violations, Violation{
			Rule:     "settings_boundary",
			Severity: SeverityBlock,
			Message:  msg,
			Entity:   EntityRecord,
		})
	}
	if !settingsDefined(s) {
		block("settings are required")
		return ValidationError{Result: res}
	}
	if !s.SettingsMode().Known() {
		block("unknown settings mode")
	}
	if s.NormalizedLocation() == "" {
		block("location is required")
	}
	if custom, ok := asCustom(s); ok {
		if dates, has := custom.DateWindow(); has && dates.Start > dates.End {
			block("dates start must not exceed end")
		}
		for _, g := range custom.Subgroups {
			for _, c := range g.Components {
				if strings.TrimSpace(c.Kind) == "" {
					block("intervention component kind is required")
				}
			}
		}
	}
	if len(res.Violations) > 0 {
		return ValidationError{Result: res}
	}
	return nil
}

func asCustom(s Settings) (CustomSettings, bool) {
	switch v := s.(type) {
	case CustomSettings:
		return v, true
	case *CustomSettings:
		if v == nil {
			return CustomSettings{}, false
		}
		return *v, true
	default:
		return CustomSettings{}, false
	}
}
