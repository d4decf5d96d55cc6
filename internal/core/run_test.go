package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validDescriptor() RunDescriptor {
	return RunDescriptor{
		BaseName:  "/data/maps/downtown",
		RayCount:  DefaultRayCount,
		Increment: DefaultIncrement,
		Cores:     DefaultCores,
		RxGain:    DefaultRxGain,
		AreaCount: 3,
	}
}

func TestRunDescriptor_DerivedNames(t *testing.T) {
	chk := require.New(t)
	d := validDescriptor()

	chk.Equal("downtown", d.StreetName())
	chk.Equal("/data/maps", d.InputDir())
	chk.Equal("downtown.urae.k", d.MergedResultName())
	chk.Equal([]int{0, 1, 2}, d.AreaIndices())
}

func TestRunDescriptor_Validate(t *testing.T) {
	chk := require.New(t)
	chk.NoError(validDescriptor().Validate())

	cases := map[string]func(*RunDescriptor){
		"missing base":     func(d *RunDescriptor) { d.BaseName = "" },
		"relative base":    func(d *RunDescriptor) { d.BaseName = "maps/downtown" },
		"root base":        func(d *RunDescriptor) { d.BaseName = "/" },
		"zero rays":        func(d *RunDescriptor) { d.RayCount = 0 },
		"negative incr":    func(d *RunDescriptor) { d.Increment = -1 },
		"zero cores":       func(d *RunDescriptor) { d.Cores = 0 },
		"zero gain":        func(d *RunDescriptor) { d.RxGain = 0 },
		"zero areas":       func(d *RunDescriptor) { d.AreaCount = 0 },
		"relative rsu":     func(d *RunDescriptor) { d.RSUDefFile = "rsu.def" },
		"bad exclude node": func(d *RunDescriptor) { d.ExcludeNodes = []string{"node 1"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := validDescriptor()
			mutate(&d)
			require.Error(t, d.Validate())
		})
	}
}

func TestParseNodeList(t *testing.T) {
	chk := require.New(t)

	nodes, err := ParseNodeList(" euclid03, euclid07,,euclid03 ,euclid11 ")
	chk.NoError(err)
	chk.Equal([]string{"euclid03", "euclid07", "euclid11"}, nodes)

	nodes, err = ParseNodeList("   ")
	chk.NoError(err)
	chk.Nil(nodes)

	_, err = ParseNodeList("euclid03,euclid 07")
	chk.Error(err)
}
