package settlement

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/assured/internal/usdc"
)

// Offering is one paid service behind the gate.
type Offering struct {
	ID             string        `json:"serviceId"`
	Description    string        `json:"description"`
	Price          int64         `json:"price"` // minor units
	SLAMs          int64         `json:"slaMs"`
	DisputeWindowS int64         `json:"disputeWindowS"`
	AltService     string        `json:"altService,omitempty"`
	Mirrors        []string      `json:"mirrors,omitempty"`
	Stream         bool          `json:"stream"`
	Delay          time.Duration `json:"-"`
	ContentType    string        `json:"-"`

	// Respond produces the payload (non-stream) or the ordered chunks
	// (stream, one unit each) for callID.
	Respond func(callID string) [][]byte `json:"-"`
}

// TotalUnits is 1 for whole responses and the chunk count for streams.
func (o *Offering) TotalUnits() int {
	if !o.Stream {
		return 1
	}
	return len(o.Respond(""))
}

// Catalog is the immutable set of offerings.
type Catalog struct {
	byID map[string]*Offering
}

// NewCatalog indexes offerings by id. Duplicate ids are rejected.
func NewCatalog(offerings ...*Offering) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Offering, len(offerings))}
	for _, o := range offerings {
		if _, dup := c.byID[o.ID]; dup {
			return nil, fmt.Errorf("duplicate offering %q", o.ID)
		}
		if o.Price <= 0 || o.Respond == nil {
			return nil, fmt.Errorf("offering %q needs a positive price and a responder", o.ID)
		}
		if o.Stream && len(o.Respond("")) == 0 {
			return nil, fmt.Errorf("stream offering %q has no chunks", o.ID)
		}
		c.byID[o.ID] = o
	}
	return c, nil
}

// Get returns the offering for id.
func (c *Catalog) Get(id string) (*Offering, bool) {
	o, ok := c.byID[id]
	return o, ok
}

// List returns offerings sorted by id.
func (c *Catalog) List() []*Offering {
	out := make([]*Offering, 0, len(c.byID))
	for _, o := range c.byID {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CatalogDefaults are the knobs the built-in catalog takes from config.
type CatalogDefaults struct {
	SLAMs          int64
	DisputeWindowS int64
	MirrorBaseURL  string
}

func jsonBody(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func mustMinor(s string) int64 {
	v, err := usdc.ParseMinor(s)
	if err != nil {
		panic(err)
	}
	return v
}

// DefaultCatalog returns the demo offerings: a whole-response weather
// lookup, a three-chunk quote stream and an oracle slow enough to break its
// own SLA.
func DefaultCatalog(d CatalogDefaults) *Catalog {
	var mirrors []string
	if d.MirrorBaseURL != "" {
		mirrors = []string{d.MirrorBaseURL + "/v1/paid/weather"}
	}
	c, err := NewCatalog(
		&Offering{
			ID:             "weather",
			Description:    "Current conditions for a fixed station",
			Price:          mustMinor("0.01"),
			SLAMs:          d.SLAMs,
			DisputeWindowS: d.DisputeWindowS,
			AltService:     "slow-oracle",
			Mirrors:        mirrors,
			Respond: func(callID string) [][]byte {
				return [][]byte{jsonBody(map[string]any{
					"callId":    callID,
					"station":   "KSFO",
					"tempC":     17.5,
					"windKts":   12,
					"condition": "fog",
				})}
			},
		},
		&Offering{
			ID:             "quotes-stream",
			Description:    "Three sequential price quotes, settled per chunk",
			Price:          mustMinor("0.03"),
			SLAMs:          d.SLAMs,
			DisputeWindowS: d.DisputeWindowS,
			Stream:         true,
			Respond: func(callID string) [][]byte {
				return [][]byte{
					jsonBody(map[string]any{"seq": 1, "pair": "SOL/USDC", "bid": 142.11, "ask": 142.15}),
					jsonBody(map[string]any{"seq": 2, "pair": "SOL/USDC", "bid": 142.09, "ask": 142.14}),
					jsonBody(map[string]any{"seq": 3, "pair": "SOL/USDC", "bid": 142.20, "ask": 142.24}),
				}
			},
		},
		&Offering{
			ID:             "slow-oracle",
			Description:    "An oracle that answers after its advertised SLA",
			Price:          mustMinor("0.02"),
			SLAMs:          300,
			DisputeWindowS: d.DisputeWindowS,
			Delay:          350 * time.Millisecond,
			Respond: func(callID string) [][]byte {
				return [][]byte{jsonBody(map[string]any{"callId": callID, "answer": 42})}
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
