package trace

import (
	"errors"
	"math/rand"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// Message is one catalog entry the generator can emit.
type Message struct {
	ID   uint32 `yaml:"id"`
	Name string `yaml:"name"`
	Len  uint8  `yaml:"len"`
}

// DefaultCatalog lists powertrain messages whose ids form the logical
// patterns below.
var DefaultCatalog = []Message{
	{ID: 0x3B5, Name: "Tire_Pressure_Data_FD1", Len: 8},
	{ID: 0x20C, Name: "AWD_Torque_Data", Len: 8},
	{ID: 0x23A, Name: "Suspension_Data", Len: 8},
	{ID: 0x2E4, Name: "PHEV_Battery_Data1_FD1", Len: 8},
	{ID: 0x476, Name: "ConsTip_Data_FD1", Len: 8},
	{ID: 0x352, Name: "HEV_ChargeStat_FD1", Len: 8},
	{ID: 0x488, Name: "ECG_Data2_FD1", Len: 8},
	{ID: 0x45A, Name: "TrailerAid_Data_FD1", Len: 8},
	{ID: 0x45C, Name: "TrailerAid_Data3_FD1", Len: 8},
	{ID: 0x452, Name: "TrailerAid_Stat1_FD1", Len: 8},
}

// DefaultPatterns groups related ids that are emitted back to back.
var DefaultPatterns = [][]uint32{
	{0x3B5, 0x20C, 0x23A},        // tire pressure
	{0x2E4, 0x476, 0x352, 0x488}, // energy management and charging
	{0x45A, 0x45C, 0x452},        // trailer control
}

var ErrEmptyCatalog = errors.New("trace: empty catalog")

// Generator produces randomized frames from a catalog.
type Generator struct {
	Catalog            []Message
	Patterns           [][]uint32
	PatternProbability float64
	Rand               *rand.Rand
}

// NewGenerator uses the default catalog and patterns with a 10% pattern rate.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		Catalog:            DefaultCatalog,
		Patterns:           DefaultPatterns,
		PatternProbability: 0.1,
		Rand:               rand.New(rand.NewSource(seed)),
	}
}

// Generate returns count frames. With PatternProbability one logical pattern
// leads the log; the rest are drawn uniformly from the catalog. pattern is
// the index of the included pattern or -1.
func (g *Generator) Generate(count int) (frames []can.Frame, pattern int, err error) {
	if len(g.Catalog) == 0 {
		return nil, -1, ErrEmptyCatalog
	}
	byID := make(map[uint32]Message, len(g.Catalog))
	for _, m := range g.Catalog {
		byID[m.ID] = m
	}
	frames = make([]can.Frame, 0, count)
	pattern = -1
	if len(g.Patterns) > 0 && g.Rand.Float64() < g.PatternProbability {
		pattern = g.Rand.Intn(len(g.Patterns))
		for _, id := range g.Patterns[pattern] {
			if m, ok := byID[id]; ok && len(frames) < count {
				frames = append(frames, g.frame(m))
			}
		}
	}
	for len(frames) < count {
		frames = append(frames, g.frame(g.Catalog[g.Rand.Intn(len(g.Catalog))]))
	}
	return frames, pattern, nil
}

func (g *Generator) frame(m Message) can.Frame {
	payload := make([]byte, min(int(m.Len), can.MaxLen))
	g.Rand.Read(payload)
	return can.NewFrame(m.ID, payload)
}
