package constraints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/metalpool/internal/errs"
	"evalgo.org/metalpool/models"
)

func TestParseEmptyAndUnknownKeys(t *testing.T) {
	set, err := Parse(map[string][]string{
		"op":         {"allocate"},
		"verbose":    {"true"},
		"agent_name": {"juju"},
		"colour":     {"blue"},
		"name":       {""},
	})
	require.NoError(t, err)
	assert.True(t, set.Empty())
	assert.Equal(t, "", set.String())
}

func TestParseTagNormalization(t *testing.T) {
	inputs := map[string][]string{
		"comma separated": {"fast, stable"},
		"space separated": {"fast stable"},
		"list":            {"fast", "stable"},
		"mixed":           {"fast, stable", "stable"},
		"extra commas":    {",fast,,stable,"},
	}

	for name, values := range inputs {
		t.Run(name, func(t *testing.T) {
			set, err := Parse(map[string][]string{"tags": values})
			require.NoError(t, err)
			assert.Equal(t, []string{"fast", "stable"}, set.Tags)
			assert.True(t, set.Has(KindTags))
		})
	}

	set, err := Parse(map[string][]string{"tags": {"fast, stable", "cute"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fast", "stable", "cute"}, set.Tags)
}

func TestParseNumbers(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string][]string
		cpu     float64
		mem     float64
		wantErr string
	}{
		{name: "integer cpu", params: map[string][]string{"cpu_count": {"2"}}, cpu: 2},
		{name: "float cpu", params: map[string][]string{"cpu_count": {"1.0"}}, cpu: 1},
		{name: "mem", params: map[string][]string{"mem": {"1024"}}, mem: 1024},
		{name: "invalid cpu", params: map[string][]string{"cpu_count": {"plenty"}}, wantErr: "cpu_count"},
		{name: "invalid mem", params: map[string][]string{"mem": {"bags"}}, wantErr: "mem"},
		{name: "negative cpu", params: map[string][]string{"cpu_count": {"-1"}}, wantErr: "cpu_count"},
		{name: "nan mem", params: map[string][]string{"mem": {"NaN"}}, wantErr: "mem"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Parse(tt.params)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
				var e *errs.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, tt.wantErr, e.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cpu, set.CPUCount)
			assert.Equal(t, tt.mem, set.Mem)
		})
	}
}

func TestParseStorage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []StorageConstraint
		wantErr bool
	}{
		{
			name: "label with tags",
			raw:  "needed:10(ssd)",
			want: []StorageConstraint{{Label: "needed", Alternatives: []StorageSpec{{MinSize: 10 * GB, Tags: []string{"ssd"}}}}},
		},
		{
			name: "several labels",
			raw:  "root:20,data:1.5(ssd,fast)",
			want: []StorageConstraint{
				{Label: "root", Alternatives: []StorageSpec{{MinSize: 20 * GB}}},
				{Label: "data", Alternatives: []StorageSpec{{MinSize: 1500000000, Tags: []string{"ssd", "fast"}}}},
			},
		},
		{
			name: "unlabelled entries get positions",
			raw:  "10,20(hdd)",
			want: []StorageConstraint{
				{Label: "0", Alternatives: []StorageSpec{{MinSize: 10 * GB}}},
				{Label: "1", Alternatives: []StorageSpec{{MinSize: 20 * GB, Tags: []string{"hdd"}}}},
			},
		},
		{
			name: "repeated label accumulates alternatives",
			raw:  "fast:10(ssd),fast:10(nvme)",
			want: []StorageConstraint{{Label: "fast", Alternatives: []StorageSpec{
				{MinSize: 10 * GB, Tags: []string{"ssd"}},
				{MinSize: 10 * GB, Tags: []string{"nvme"}},
			}}},
		},
		{
			name: "largest size that fits",
			raw:  "root:9e9",
			want: []StorageConstraint{{Label: "root", Alternatives: []StorageSpec{{MinSize: 9000000000000000000}}}},
		},
		{name: "size overflows", raw: "root:1e12", wantErr: true},
		{name: "size overflows with tags", raw: "root:1e300(ssd)", wantErr: true},
		{name: "missing size", raw: "needed:(ssd)", wantErr: true},
		{name: "unbalanced", raw: "needed:10(ssd", wantErr: true},
		{name: "not a number", raw: "needed:big", wantErr: true},
		{name: "empty entry", raw: "a:10,,b:5", wantErr: true},
		{name: "empty label", raw: ":10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStorage(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInterfaces(t *testing.T) {
	got, err := ParseInterfaces("needed:fabric=ubuntu,subnet=lan;eth1:vid=10,vid=20;needed:mac=52:54:00:AA:BB:CC")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "needed", got[0].Label)
	require.Len(t, got[0].Alternatives, 2)
	assert.Equal(t, []string{"ubuntu"}, got[0].Alternatives[0].Fabrics)
	assert.Equal(t, []string{"lan"}, got[0].Alternatives[0].Subnets)
	assert.Equal(t, []string{"52:54:00:AA:BB:CC"}, got[0].Alternatives[1].MACs)

	assert.Equal(t, "eth1", got[1].Label)
	assert.Equal(t, []int{10, 20}, got[1].Alternatives[0].VIDs)

	for _, raw := range []string{"needed:", "needed:colour=red", "needed:vid=ten", "needed:fabric", ";"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseInterfaces(raw)
			assert.Error(t, err)
		})
	}
}

func TestSpecMatching(t *testing.T) {
	ssd := &models.StorageDevice{Size: 11 * GB, Tags: []string{"ssd"}}
	hdd := &models.StorageDevice{Size: 500 * GB, Tags: []string{"hdd"}}

	c := StorageConstraint{Label: "needed", Alternatives: []StorageSpec{{MinSize: 10 * GB, Tags: []string{"ssd"}}}}
	assert.True(t, c.Matches(ssd))
	assert.False(t, c.Matches(hdd))
	assert.False(t, StorageSpec{MinSize: 12 * GB}.Matches(ssd))

	iface := &models.Interface{Name: "eth0", Fabric: "ubuntu", VLAN: 10, MACAddress: "52:54:00:aa:bb:cc", Subnets: []string{"lan"}}
	assert.True(t, InterfaceSpec{Fabrics: []string{"ubuntu"}}.Matches(iface))
	assert.True(t, InterfaceSpec{Subnets: []string{"wan", "lan"}, VIDs: []int{10}}.Matches(iface))
	assert.True(t, InterfaceSpec{MACs: []string{"52:54:00:AA:BB:CC"}}.Matches(iface))
	assert.False(t, InterfaceSpec{Fabrics: []string{"ubuntu"}, Names: []string{"eth1"}}.Matches(iface))
}

func TestSetString(t *testing.T) {
	set, err := Parse(map[string][]string{
		"tags":      {"fast stable"},
		"name":      {"node-01"},
		"cpu_count": {"2"},
		"storage":   {"root:10"},
	})
	require.NoError(t, err)
	assert.Equal(t, "name=node-01 cpu_count=2 tags=fast,stable storage=root:10", set.String())
	assert.Equal(t, []Kind{KindName, KindCPUCount, KindTags, KindStorage}, set.Kinds())

	kind, ok := KindForKey("not_in_zone")
	assert.True(t, ok)
	assert.Equal(t, KindNotInZone, kind)
	_, ok = KindForKey("op")
	assert.False(t, ok)
}
