package metadata

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHAPRecords(t *testing.T) {
	m := ParseAnnouncement("_hap._tcp.local.", []string{
		"c#=2", "ff=0", "id=AA:BB:CC:DD:EE:FF", "md=Eve Energy", "pv=1.1", "s#=1", "sf=1", "ci=7", "sh=k8wX1w==",
	})

	assert.Equal(t, FamilyHAP, m.Family)
	assert.Equal(t, []string{"_hap._tcp"}, m.ServiceTypes)
	assert.True(t, m.HasStatusFlags)
	assert.True(t, m.NotPaired())
	assert.False(t, m.Paired())
	assert.Equal(t, 7, m.Category)
	assert.True(t, m.CategoryKnown())
	assert.True(t, m.SetupHashPresent)
	assert.Equal(t, "1.1", m.ProtocolVersion)
	assert.Equal(t, "Eve Energy", m.Extra["md"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", m.Extra["id"])
	assert.NotContains(t, m.Extra, "sf", "modelled fields are not duplicated into extra")
	assert.Empty(t, m.Invalid)
}

func TestParseMissingFieldsIsValid(t *testing.T) {
	m := Parse(nil)
	assert.True(t, m.IsZero())
	assert.False(t, m.Paired())
	assert.False(t, m.NotPaired())
	assert.False(t, m.CategoryKnown())

	m = Parse(map[string]string{"md": "Lamp"})
	assert.False(t, m.HasStatusFlags)
	assert.Empty(t, m.Invalid)
}

func TestParsePairedBit(t *testing.T) {
	m := Parse(map[string]string{"sf": "0"})
	assert.True(t, m.Paired())
	assert.False(t, m.NotPaired())

	m = Parse(map[string]string{"SF": "0x05"})
	assert.True(t, m.NotPaired(), "hex form and upper-case key are accepted")
	assert.Equal(t, uint8(5), m.StatusFlags)
}

func TestParseOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		invalid string
	}{
		{"category zero", map[string]string{"ci": "0"}, "ci"},
		{"category too high", map[string]string{"ci": "33"}, "ci"},
		{"category garbage", map[string]string{"ci": "lamp"}, "ci"},
		{"status overflow", map[string]string{"sf": "256"}, "sf"},
		{"status negative", map[string]string{"sf": "-1"}, "sf"},
		{"protocol zero", map[string]string{"pv": "0.9"}, "pv"},
		{"protocol huge", map[string]string{"pv": "100.0"}, "pv"},
		{"protocol garbage", map[string]string{"pv": "v1"}, "pv"},
		{"commissioning mode", map[string]string{"CM": "9"}, "cm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.fields)
			assert.Contains(t, m.Invalid, tt.invalid)
			assert.False(t, m.CategoryKnown())
			assert.False(t, m.HasStatusFlags)
			assert.Empty(t, m.ProtocolVersion)
		})
	}
}

func TestParseCategoryBounds(t *testing.T) {
	assert.Equal(t, 1, Parse(map[string]string{"ci": "1"}).Category)
	assert.Equal(t, 32, Parse(map[string]string{"ci": "32"}).Category)
}

func TestParseProtocolVersionNormalised(t *testing.T) {
	assert.Equal(t, "2.0", Parse(map[string]string{"pv": "2"}).ProtocolVersion)
	assert.Equal(t, "1.10", Parse(map[string]string{"pv": "1.10"}).ProtocolVersion)
}

func TestParseMatterCommissioningMode(t *testing.T) {
	m := ParseAnnouncement("_matterc._udp", []string{"D=3840", "CM=1", "DT=266", "VP=65521+32769"})
	assert.Equal(t, FamilyMatterCommissionable, m.Family)
	assert.True(t, m.NotPaired())
	assert.Equal(t, "266", m.Extra["dt"])

	m = ParseAnnouncement("_matterc._udp", []string{"CM=0"})
	assert.False(t, m.HasStatusFlags, "closed commissioning window says nothing about pairing")

	m = Parse(map[string]string{"cm": "1", "sf": "0"})
	assert.True(t, m.Paired(), "explicit status bitfield wins")
}

func TestParseBoundsUntrustedInput(t *testing.T) {
	fields := make(map[string]string)
	for i := 0; i < MaxExtraFields*2; i++ {
		fields["k"+strings.Repeat("x", i)] = strings.Repeat("v", 1000)
	}
	m := Parse(fields)
	assert.Len(t, m.Extra, MaxExtraFields)
	for _, v := range m.Extra {
		assert.LessOrEqual(t, len(v), MaxValueLength)
	}
}

func TestParseTruncatesOnRuneBoundary(t *testing.T) {
	m := Parse(map[string]string{"note": strings.Repeat("é", MaxValueLength)})
	v := m.Extra["note"]
	require.NotEmpty(t, v)
	assert.LessOrEqual(t, len(v), MaxValueLength)
	assert.True(t, utf8.ValidString(v))
}

func TestRecordsToMap(t *testing.T) {
	got := RecordsToMap([]string{"a=1", "A=2", "flag", "=orphan", "b=x=y"})
	assert.Equal(t, map[string]string{"a": "1", "flag": "", "b": "x=y"}, got)
}

func TestFamilyForService(t *testing.T) {
	assert.Equal(t, FamilyMatterCommissionable, FamilyForService("_L3840._sub._matterc._udp.local."))
	assert.Equal(t, FamilyMatter, FamilyForService("_matter._tcp"))
	assert.Equal(t, FamilyHAP, FamilyForService("_HAP._TCP"))
	assert.Equal(t, FamilyMASHCommissionable, FamilyForService("_mashc._udp"))
	assert.Equal(t, FamilyOther, FamilyForService("_googlecast._tcp"))
	assert.Equal(t, FamilyUnknown, FamilyForService(""))
}

func TestMergeUnionsAndNeverErases(t *testing.T) {
	base := ParseAnnouncement("_hap._tcp", []string{"sf=1", "ci=5", "sh=abc", "md=Bulb"})
	update := ParseAnnouncement("_googlecast._tcp", []string{"fn=Kitchen"})

	merged := Merge(base, update)
	require.True(t, merged.HasStatusFlags)
	assert.True(t, merged.NotPaired())
	assert.Equal(t, 5, merged.Category)
	assert.True(t, merged.SetupHashPresent)
	assert.Equal(t, FamilyHAP, merged.Family)
	assert.Equal(t, []string{"_googlecast._tcp", "_hap._tcp"}, merged.ServiceTypes)
	assert.Equal(t, "Bulb", merged.Extra["md"])
	assert.Equal(t, "Kitchen", merged.Extra["fn"])

	paired := Merge(merged, Parse(map[string]string{"sf": "0"}))
	assert.True(t, paired.Paired(), "a newer status bitfield replaces the old state")

	assert.Equal(t, "Bulb", base.Extra["md"], "inputs are not mutated")
	assert.Len(t, base.ServiceTypes, 1)
}

func TestHasServiceType(t *testing.T) {
	m := ParseAnnouncement("_hap._tcp", nil)
	assert.True(t, m.HasServiceType("_hap._tcp.local."))
	assert.False(t, m.HasServiceType("_matterc._udp"))
}
