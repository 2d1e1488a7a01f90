package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog(CatalogDefaults{SLAMs: 2000, DisputeWindowS: 60, MirrorBaseURL: "https://mirror.example"})
	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "quotes-stream", list[0].ID)

	w, ok := c.Get("weather")
	require.True(t, ok)
	assert.Equal(t, int64(10_000), w.Price)
	assert.Equal(t, 1, w.TotalUnits())
	assert.Equal(t, []string{"https://mirror.example/v1/paid/weather"}, w.Mirrors)

	s, _ := c.Get("quotes-stream")
	assert.Equal(t, 3, s.TotalUnits())

	slow, _ := c.Get("slow-oracle")
	assert.Greater(t, slow.Delay.Milliseconds(), slow.SLAMs)
}

func TestNewCatalog_Rejects(t *testing.T) {
	respond := func(string) [][]byte { return [][]byte{[]byte("x")} }
	_, err := NewCatalog(&Offering{ID: "a", Price: 1, Respond: respond}, &Offering{ID: "a", Price: 1, Respond: respond})
	assert.Error(t, err)

	_, err = NewCatalog(&Offering{ID: "free", Respond: respond})
	assert.Error(t, err)

	_, err = NewCatalog(&Offering{ID: "empty", Price: 1, Stream: true, Respond: func(string) [][]byte { return nil }})
	assert.Error(t, err)
}
