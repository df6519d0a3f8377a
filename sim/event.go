package sim

import "fmt"

// EventID is a run-unique event identifier. Each allocator (one per node,
// one for the coordinator) hands out monotonically increasing IDs from a
// disjoint range, so IDs stay unique across the run and ordering by ID
// within one producer's stream matches creation order.
type EventID uint64

// idSpaceShift partitions the EventID space per allocator.
const idSpaceShift = 40

// idAllocator produces EventIDs for one ID space.
type idAllocator struct {
	space uint64
	next  uint64
}

func newIDAllocator(space int) *idAllocator {
	return &idAllocator{space: uint64(space)}
}

func (a *idAllocator) nextID() EventID {
	a.next++
	return EventID(a.space<<idSpaceShift | a.next)
}

// PayloadKind discriminates event payload variants. The numeric order of the
// kinds is part of the cross-node event sort key and must stay stable.
type PayloadKind int

const (
	KindTimer PayloadKind = iota
	KindSerialRx
	KindSerialTx
	KindRadioTxRequest
	KindTransmitAir
	KindReceiveAir
	KindRadioRxPacket
	KindRadioStateChanged
	KindMessageSend
	KindMessageReceived
	KindMessageAcknowledged
	KindSimulationEnd
	KindUnknown
)

var payloadKindNames = map[PayloadKind]string{
	KindTimer:               "Timer",
	KindSerialRx:            "SerialRx",
	KindSerialTx:            "SerialTx",
	KindRadioTxRequest:      "RadioTxRequest",
	KindTransmitAir:         "TransmitAir",
	KindReceiveAir:          "ReceiveAir",
	KindRadioRxPacket:       "RadioRxPacket",
	KindRadioStateChanged:   "RadioStateChanged",
	KindMessageSend:         "MessageSend",
	KindMessageReceived:     "MessageReceived",
	KindMessageAcknowledged: "MessageAcknowledged",
	KindSimulationEnd:       "SimulationEnd",
	KindUnknown:             "Unknown",
}

func (k PayloadKind) String() string {
	if name, ok := payloadKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PayloadKind(%d)", int(k))
}

// Payload is the closed tagged union of event payloads. Payloads are
// immutable once attached to an Event.
type Payload interface {
	Kind() PayloadKind
	// Describe returns a short human-readable summary for diagnostics.
	Describe() string
}

// RadioFrame is an over-the-air packet payload.
type RadioFrame struct {
	Data []byte
}

// RadioParams are the physical-layer parameters of a transmission.
type RadioParams struct {
	FrequencyHz     uint32 `yaml:"frequency_hz"`
	BandwidthHz     uint32 `yaml:"bandwidth_hz"`
	SpreadingFactor uint8  `yaml:"spreading_factor"`
	CodingRate      uint8  `yaml:"coding_rate"`
	TxPowerDBm      int8   `yaml:"tx_power_dbm"`
}

// RadioState is the coarse state of a node's radio.
type RadioState int

const (
	RadioReceiving RadioState = iota
	RadioTransmitting
)

func (s RadioState) String() string {
	switch s {
	case RadioReceiving:
		return "Receiving"
	case RadioTransmitting:
		return "Transmitting"
	default:
		return fmt.Sprintf("RadioState(%d)", int(s))
	}
}

// TimerPayload fires a local timer.
type TimerPayload struct {
	TimerID uint64
}

func (p TimerPayload) Kind() PayloadKind { return KindTimer }
func (p TimerPayload) Describe() string  { return fmt.Sprintf("timer_id=%d", p.TimerID) }

// SerialRxPayload carries bytes from the external serial boundary to firmware.
type SerialRxPayload struct {
	Data []byte
}

func (p SerialRxPayload) Kind() PayloadKind { return KindSerialRx }
func (p SerialRxPayload) Describe() string  { return fmt.Sprintf("len=%d", len(p.Data)) }

// SerialTxPayload carries bytes from firmware to the external serial boundary.
type SerialTxPayload struct {
	Data []byte
}

func (p SerialTxPayload) Kind() PayloadKind { return KindSerialTx }
func (p SerialTxPayload) Describe() string  { return fmt.Sprintf("len=%d", len(p.Data)) }

// RadioTxRequestPayload routes a transmit request from firmware to the
// node's radio.
type RadioTxRequestPayload struct {
	Frame  RadioFrame
	Params RadioParams
}

func (p RadioTxRequestPayload) Kind() PayloadKind { return KindRadioTxRequest }
func (p RadioTxRequestPayload) Describe() string {
	return fmt.Sprintf("pkt_len=%d", len(p.Frame.Data))
}

// TransmitAirPayload is a transmission entering the shared medium. It is the
// only payload that escalates from a node to the coordinator.
type TransmitAirPayload struct {
	Frame   RadioFrame
	Params  RadioParams
	EndTime SimTime
}

func (p TransmitAirPayload) Kind() PayloadKind { return KindTransmitAir }
func (p TransmitAirPayload) Describe() string {
	return fmt.Sprintf("freq=%dHz, sf=%d, pkt_len=%d, end=%s",
		p.Params.FrequencyHz, p.Params.SpreadingFactor, len(p.Frame.Data), p.EndTime)
}

// ReceiveAirPayload is a reception resolved by the medium model for one
// receiver, delivered by the coordinator to the target node.
type ReceiveAirPayload struct {
	Frame       RadioFrame
	SourceRadio EntityID
	MeanSNRdB   float64
	RSSIdBm     float64
	Collided    bool
}

func (p ReceiveAirPayload) Kind() PayloadKind { return KindReceiveAir }
func (p ReceiveAirPayload) Describe() string {
	return fmt.Sprintf("src_radio=%d, mean_snr=%.1fdB, pkt_len=%d",
		uint64(p.SourceRadio), p.MeanSNRdB, len(p.Frame.Data))
}

// RadioRxPacketPayload hands a received packet from the radio to firmware.
type RadioRxPacketPayload struct {
	Frame       RadioFrame
	SourceRadio EntityID
	SNRdB       float64
	RSSIdBm     float64
	Collided    bool
}

func (p RadioRxPacketPayload) Kind() PayloadKind { return KindRadioRxPacket }
func (p RadioRxPacketPayload) Describe() string {
	return fmt.Sprintf("snr=%.1fdB, rssi=%.1fdBm, len=%d, collided=%t",
		p.SNRdB, p.RSSIdBm, len(p.Frame.Data), p.Collided)
}

// RadioStateChangedPayload notifies firmware of a radio state transition.
type RadioStateChangedPayload struct {
	State RadioState
}

func (p RadioStateChangedPayload) Kind() PayloadKind { return KindRadioStateChanged }
func (p RadioStateChangedPayload) Describe() string  { return p.State.String() }

// MessageSendPayload is an application-level send request.
type MessageSendPayload struct {
	Destination EntityID
	Content     []byte
}

func (p MessageSendPayload) Kind() PayloadKind { return KindMessageSend }
func (p MessageSendPayload) Describe() string {
	return fmt.Sprintf("to=%d, content_len=%d", uint64(p.Destination), len(p.Content))
}

// MessageReceivedPayload is an application-level message arrival.
type MessageReceivedPayload struct {
	From    EntityID
	Content []byte
}

func (p MessageReceivedPayload) Kind() PayloadKind { return KindMessageReceived }
func (p MessageReceivedPayload) Describe() string {
	return fmt.Sprintf("from=%d", uint64(p.From))
}

// MessageAcknowledgedPayload acknowledges an application-level message.
type MessageAcknowledgedPayload struct {
	MessageID uint32
}

func (p MessageAcknowledgedPayload) Kind() PayloadKind { return KindMessageAcknowledged }
func (p MessageAcknowledgedPayload) Describe() string {
	return fmt.Sprintf("message_id=%d", p.MessageID)
}

// SimulationEndPayload terminates the run when observed by any node.
type SimulationEndPayload struct{}

func (p SimulationEndPayload) Kind() PayloadKind { return KindSimulationEnd }
func (p SimulationEndPayload) Describe() string  { return "" }

// Event is an immutable simulation event. Ownership passes from the producer
// to a node's local queue or to the coordinator's router; it is consumed
// exactly once by each declared target.
type Event struct {
	ID      EventID
	Time    SimTime
	Source  EntityID
	Targets []EntityID
	Payload Payload
}

// firstTarget is the final local-queue tie-break key. Zero when the event
// has no targets.
func (e *Event) firstTarget() EntityID {
	if len(e.Targets) == 0 {
		return 0
	}
	return e.Targets[0]
}

func (e *Event) String() string {
	return fmt.Sprintf("#%d %s at %s: %s", uint64(e.ID), e.Payload.Kind(), e.Time, e.Payload.Describe())
}
