package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ownet/event"
	"ownet/internal/mockserver"
)

func couplerTree() mockserver.Tree {
	return mockserver.Tree{
		"bus.0": mockserver.Tree{
			"10.345678.90": mockserver.Tree{
				"whatever":    "hello",
				"temperature": "12.5",
			},
			"1F.ABCDEF.F1": mockserver.Tree{
				"main": mockserver.Tree{
					"20.222222.22": mockserver.Tree{
						"some": "chip",
					},
				},
				"aux": mockserver.Tree{
					"28.282828.28": mockserver.Tree{
						"another": "chip",
					},
				},
			},
		},
	}
}

func Test_Coupler_Expansion(t *testing.T) {
	s := NewSuite(t, couplerTree(), mockserver.Options{})

	msgs := s.Close()

	assert.Equal(t, []string{
		"bus.0",
		"bus.0/1F.ABCDEF.F1/main",
		"bus.0/1F.ABCDEF.F1/aux",
	}, busPaths(msgs))
}

func Test_Coupler_DevicesLocated(t *testing.T) {
	s := NewSuite(t, couplerTree(), mockserver.Options{})

	main, err := s.Service.GetDevice("20.222222.22")
	require.NoError(t, err)
	require.NotNil(t, main.Bus())
	assert.Equal(t, "bus.0/1F.ABCDEF.F1/main", main.Bus().Path())

	aux, err := s.Service.GetDevice("28.282828.28")
	require.NoError(t, err)
	require.NotNil(t, aux.Bus())
	assert.Equal(t, "bus.0/1F.ABCDEF.F1/aux", aux.Bus().Path())

	coupler, err := s.Service.GetDevice("1F.ABCDEF.F1")
	require.NoError(t, err)
	require.NotNil(t, coupler.Bus())
	assert.Equal(t, "bus.0", coupler.Bus().Path())
}

func Test_Coupler_BusTree(t *testing.T) {
	s := NewSuite(t, couplerTree(), mockserver.Options{})

	all := s.Server.AllBuses()

	paths := make([]string, 0, len(all))
	for _, b := range all {
		paths = append(paths, b.Path())
	}

	assert.Equal(t, []string{
		"bus.0",
		"bus.0/1F.ABCDEF.F1/aux",
		"bus.0/1F.ABCDEF.F1/main",
	}, paths)
}

func Test_Coupler_GoneWithSubBuses(t *testing.T) {
	s := NewSuite(t, couplerTree(), mockserver.Options{})
	ctx := ctxWithTimeout(t, 20*time.Second)

	s.Mock.Mutate(func(tree mockserver.Tree) {
		delete(tree["bus.0"].(mockserver.Tree), "1F.ABCDEF.F1")
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Server.ScanNow(ctx, false))
	}

	main, err := s.Service.GetDevice("20.222222.22")
	require.NoError(t, err)
	assert.Nil(t, main.Bus(), "devices behind an evicted coupler are delocated")

	// main and aux evicted, bus.0 torn down at shutdown
	msgs := s.Close()
	assert.Equal(t, 3, countEvents(msgs, event.TypeBusDeleted))
}
