package libav

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/avdriver/types"
)

func TestDVBSubtitleOptionsDefaultComputeEDT(t *testing.T) {
	opts := dvbSubtitleOptions(types.DictionaryItems{
		{Key: "threads", Value: "1"},
	})
	v, ok := opts.Get("compute_edt")
	require.True(t, ok)
	require.Equal(t, "1", v)
	v, ok = opts.Get("threads")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestDVBSubtitleOptionsKeepCallerChoice(t *testing.T) {
	in := types.DictionaryItems{{Key: "compute_edt", Value: "0"}}
	opts := dvbSubtitleOptions(in)
	v, ok := opts.Get("compute_edt")
	require.True(t, ok)
	require.Equal(t, "0", v)
	require.Len(t, opts, 1)
}
