package sim

import (
	"math"
	"sort"
)

// Transmission is one TransmitAir event flattened for the medium model.
type Transmission struct {
	SourceRadio EntityID
	Frame       RadioFrame
	Params      RadioParams
	Start       SimTime
	End         SimTime
}

// Reception is the medium model's verdict for one receiver.
type Reception struct {
	TargetRadio EntityID
	SourceRadio EntityID
	Frame       RadioFrame
	// At is when the reception completes at the receiver.
	At        SimTime
	MeanSNRdB float64
	RSSIdBm   float64
	Collided  bool
}

// Medium resolves a batch of simultaneous transmissions into the receptions
// they cause. The coordinator hands the batch over already sorted by its
// deterministic key; implementations must be pure functions of the batch and
// static topology.
type Medium interface {
	Resolve(batch []Transmission) []Reception
}

// RadioSite is a radio's static placement for the line-of-sight medium.
type RadioSite struct {
	ID     EntityID
	X, Y   float64 // meters
	GainDB float64
}

// LineOfSightMediumConfig tunes the built-in propagation model.
type LineOfSightMediumConfig struct {
	// PropagationDelayMicros is added to each transmission's end time to
	// produce the reception time.
	PropagationDelayMicros uint64 `yaml:"propagation_delay_us"`
	// NoiseFloorDBm is the receiver noise floor.
	NoiseFloorDBm float64 `yaml:"noise_floor_dbm"`
	// SNRFloorDB is the minimum SNR at which a packet is still heard.
	SNRFloorDB float64 `yaml:"snr_floor_db"`
}

// DefaultLineOfSightMediumConfig mirrors a small outdoor deployment.
func DefaultLineOfSightMediumConfig() LineOfSightMediumConfig {
	return LineOfSightMediumConfig{
		PropagationDelayMicros: 3,
		NoiseFloorDBm:          -120,
		SNRFloorDB:             -20,
	}
}

// LineOfSightMedium is a deterministic log-distance propagation model with
// same-frequency collision marking. It stands in for a full physical-layer
// model; the coordinator only ever talks to the Medium interface.
type LineOfSightMedium struct {
	cfg   LineOfSightMediumConfig
	sites []RadioSite
}

// NewLineOfSightMedium creates an empty medium.
func NewLineOfSightMedium(cfg LineOfSightMediumConfig) *LineOfSightMedium {
	return &LineOfSightMedium{cfg: cfg}
}

// AddRadio registers a radio's placement. Sites are kept sorted by entity ID
// so receiver iteration order is independent of registration order.
func (m *LineOfSightMedium) AddRadio(site RadioSite) {
	m.sites = append(m.sites, site)
	sort.Slice(m.sites, func(i, j int) bool { return m.sites[i].ID < m.sites[j].ID })
}

// Resolve implements Medium.
func (m *LineOfSightMedium) Resolve(batch []Transmission) []Reception {
	receptions := make([]Reception, 0, len(batch))

	for i, tx := range batch {
		collided := m.overlapsSameFrequency(batch, i)
		src := m.site(tx.SourceRadio)
		if src == nil {
			continue
		}
		for _, rcv := range m.sites {
			if rcv.ID == tx.SourceRadio {
				continue
			}
			// Half-duplex: a radio transmitting over the same interval
			// cannot hear anyone.
			if m.transmitsDuring(batch, rcv.ID, tx.Start, tx.End) {
				continue
			}
			dist := math.Hypot(rcv.X-src.X, rcv.Y-src.Y)
			rssi := float64(tx.Params.TxPowerDBm) + src.GainDB + rcv.GainDB - pathLossDB(dist)
			snr := rssi - m.cfg.NoiseFloorDBm
			if snr < m.cfg.SNRFloorDB {
				continue
			}
			receptions = append(receptions, Reception{
				TargetRadio: rcv.ID,
				SourceRadio: tx.SourceRadio,
				Frame:       tx.Frame,
				At:          tx.End.AddMicros(m.cfg.PropagationDelayMicros),
				MeanSNRdB:   snr,
				RSSIdBm:     rssi,
				Collided:    collided,
			})
		}
	}
	return receptions
}

func (m *LineOfSightMedium) site(id EntityID) *RadioSite {
	for i := range m.sites {
		if m.sites[i].ID == id {
			return &m.sites[i]
		}
	}
	return nil
}

// overlapsSameFrequency reports whether batch[i] overlaps in time with any
// other transmission on the same frequency.
func (m *LineOfSightMedium) overlapsSameFrequency(batch []Transmission, i int) bool {
	tx := batch[i]
	for j, other := range batch {
		if j == i || other.Params.FrequencyHz != tx.Params.FrequencyHz {
			continue
		}
		if other.Start <= tx.End && tx.Start <= other.End {
			return true
		}
	}
	return false
}

// transmitsDuring reports whether radio id has a transmission in the batch
// overlapping [start, end].
func (m *LineOfSightMedium) transmitsDuring(batch []Transmission, id EntityID, start, end SimTime) bool {
	for _, tx := range batch {
		if tx.SourceRadio != id {
			continue
		}
		if tx.Start <= end && start <= tx.End {
			return true
		}
	}
	return false
}

// pathLossDB is a free-space-like log-distance loss with a 40 dB floor.
func pathLossDB(distanceM float64) float64 {
	if distanceM < 1 {
		distanceM = 1
	}
	return 40 + 20*math.Log10(distanceM)
}
