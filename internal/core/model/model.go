package model

import (
	"fmt"
	"net"
	"time"
)

// InterfaceKind labels a network interface by what it physically or
// logically is. Classification is by name pattern, so two hosts may
// disagree for exotic drivers; Unknown is a valid steady state.
type InterfaceKind int

const (
	KindUnknown InterfaceKind = iota
	KindEthernet
	KindWifi
	KindVpn
	KindLoopback
	KindVirtualBridge
	KindContainerVirtual
	KindSystemPrivate
)

func (k InterfaceKind) String() string {
	switch k {
	case KindEthernet:
		return "ethernet"
	case KindWifi:
		return "wifi"
	case KindVpn:
		return "vpn"
	case KindLoopback:
		return "loopback"
	case KindVirtualBridge:
		return "bridge"
	case KindContainerVirtual:
		return "virtual"
	case KindSystemPrivate:
		return "system"
	default:
		return "unknown"
	}
}

// InterfaceRecord is the classified identity of an interface for one
// polling cycle. Only the ID is stable across cycles.
type InterfaceRecord struct {
	ID        string
	Kind      InterfaceKind
	Relevance int // 0..100, higher is more interesting to a human
	Addresses []net.IP
	Up        bool
}

// CounterSample is one read of an interface's monotonic kernel counters.
// CapturedAt carries a monotonic clock reading; WallTime is the wall
// clock stripped of the monotonic part so the two can be compared for
// clock-jump detection.
type CounterSample struct {
	ID         string
	RxBytes    uint64
	TxBytes    uint64
	RxPackets  uint64
	TxPackets  uint64
	CapturedAt time.Time
	WallTime   time.Time
}

// Anomaly describes what, if anything, went wrong between two samples.
type Anomaly int

const (
	AnomalyNone Anomaly = iota
	AnomalyCounterReset
	AnomalyTimeJump
	AnomalyStale
)

func (a Anomaly) String() string {
	switch a {
	case AnomalyCounterReset:
		return "counter-reset"
	case AnomalyTimeJump:
		return "time-jump"
	case AnomalyStale:
		return "stale"
	default:
		return "none"
	}
}

// Confidence is a self-assessment of a throughput estimate. Ordered:
// None < Low < Medium < High.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "none"
	}
}

// SampleDelta is the validated difference between two counter samples
// of the same interface.
type SampleDelta struct {
	ID             string
	RxByteDelta    uint64
	TxByteDelta    uint64
	RxPacketDelta  uint64
	TxPacketDelta  uint64
	ElapsedSeconds float64
	Anomaly        Anomaly
}

// DownloadBps returns the receive rate in bytes per second.
func (d SampleDelta) DownloadBps() float64 {
	if d.ElapsedSeconds <= 0 {
		return 0
	}
	return float64(d.RxByteDelta) / d.ElapsedSeconds
}

// UploadBps returns the transmit rate in bytes per second.
func (d SampleDelta) UploadBps() float64 {
	if d.ElapsedSeconds <= 0 {
		return 0
	}
	return float64(d.TxByteDelta) / d.ElapsedSeconds
}

// ThroughputSnapshot is the per-interface record emitted each bandwidth
// cycle. Append-only once produced.
type ThroughputSnapshot struct {
	Timestamp        time.Time
	InterfaceID      string
	Kind             InterfaceKind
	DownloadBps      float64
	UploadBps        float64
	BytesRecvTotal   uint64
	BytesSentTotal   uint64
	PacketsRecvTotal uint64
	PacketsSentTotal uint64
	Confidence       Confidence
}

// NetworkFrame is a raw captured frame. Data is only valid until the
// next read on the producing handle unless the receiver copies it.
type NetworkFrame struct {
	Arrival     time.Time
	InterfaceID string
	Data        []byte
	Length      int
}

// Direction of a packet relative to the observed host.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIn
	DirectionOut
	DirectionLocal
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	case DirectionLocal:
		return "local"
	default:
		return "unknown"
	}
}

// LinkProto is the decoded link layer of a captured frame.
type LinkProto int

const (
	LinkEthernet LinkProto = iota
	LinkSLL
	LinkLoopback
	LinkOther
)

// NetProto is the decoded network layer.
type NetProto int

const (
	NetOther NetProto = iota
	NetIPv4
	NetIPv6
	NetARP
)

func (n NetProto) String() string {
	switch n {
	case NetIPv4:
		return "ipv4"
	case NetIPv6:
		return "ipv6"
	case NetARP:
		return "arp"
	default:
		return "other"
	}
}

// Transport is the decoded transport layer.
type Transport int

const (
	TransportOther Transport = iota
	TransportTCP
	TransportUDP
	TransportICMP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportICMP:
		return "icmp"
	default:
		return "other"
	}
}

// AppProtocol is the identified application protocol, empty when
// nothing matched.
type AppProtocol string

const (
	AppUnknown  AppProtocol = ""
	AppHTTP     AppProtocol = "http"
	AppHTTPS    AppProtocol = "https"
	AppTLS      AppProtocol = "tls"
	AppDNS      AppProtocol = "dns"
	AppSSH      AppProtocol = "ssh"
	AppSMTP     AppProtocol = "smtp"
	AppPOP3     AppProtocol = "pop3"
	AppIMAP     AppProtocol = "imap"
	AppFTP      AppProtocol = "ftp"
	AppTelnet   AppProtocol = "telnet"
	AppMySQL    AppProtocol = "mysql"
	AppPostgres AppProtocol = "postgres"
	AppRedis    AppProtocol = "redis"
	AppMongoDB  AppProtocol = "mongodb"
	AppDHCP     AppProtocol = "dhcp"
	AppNTP      AppProtocol = "ntp"
	AppSNMP     AppProtocol = "snmp"
	AppSyslog   AppProtocol = "syslog"
	AppICMP     AppProtocol = "icmp"
)

// PacketFlags carries advisory bits set by the parser.
type PacketFlags uint8

const (
	// FlagSignatureOnly means the application protocol was identified by
	// payload signature alone, with no agreeing port heuristic.
	FlagSignatureOnly PacketFlags = 1 << iota
	// FlagPlaintextSensitive marks plaintext traffic on a port that
	// normally carries credentials.
	FlagPlaintextSensitive
	// FlagBurstSuspect marks high-frequency large payloads to one peer
	// on an unidentified port.
	FlagBurstSuspect
)

// PacketRecord is the normalized result of decoding one frame.
// Immutable after creation.
type PacketRecord struct {
	Arrival     time.Time
	InterfaceID string
	Size        int
	Direction   Direction
	Link        LinkProto
	Net         NetProto
	Transport   Transport
	SrcIP       net.IP
	DstIP       net.IP
	SrcPort     uint16
	DstPort     uint16
	App         AppProtocol
	Flags       PacketFlags
}

// ProtoCount is a bytes/packets pair used in histograms.
type ProtoCount struct {
	Bytes   uint64
	Packets uint64
}

// TrafficSummary aggregates packet activity for one interface over a
// time range.
type TrafficSummary struct {
	InterfaceID     string
	Start           time.Time
	End             time.Time
	BytesIn         uint64
	BytesOut        uint64
	TotalBytes      uint64
	TotalPackets    uint64
	ByApp           map[AppProtocol]ProtoCount
	ByTransport     map[Transport]ProtoCount
	ConnectionCount int
	TopConnections  []ConnectionPattern
}

// SeriesPoint is one bucket of a throughput series.
type SeriesPoint struct {
	Bucket        time.Time
	AvgDownBps    float64
	AvgUpBps      float64
	MinConfidence Confidence
}

// ConnectionPattern describes one tracked connection over a query range.
type ConnectionPattern struct {
	Key          ConnectionKey
	FirstSeen    time.Time
	LastSeen     time.Time
	TotalBytes   uint64
	TotalPackets uint64
	App          AppProtocol
}

// ConnectionKey identifies a connection with direction folded: endpoint
// A is the lexicographically smaller of the two.
type ConnectionKey struct {
	AIP       string
	BIP       string
	APort     uint16
	BPort     uint16
	Transport Transport
}

// CanonicalKey folds src/dst into a direction-independent key.
func CanonicalKey(srcIP, dstIP net.IP, srcPort, dstPort uint16, tr Transport) ConnectionKey {
	a := endpoint{ip: srcIP.String(), port: srcPort}
	b := endpoint{ip: dstIP.String(), port: dstPort}
	if b.less(a) {
		a, b = b, a
	}
	return ConnectionKey{
		AIP:       a.ip,
		BIP:       b.ip,
		APort:     a.port,
		BPort:     b.port,
		Transport: tr,
	}
}

type endpoint struct {
	ip   string
	port uint16
}

func (e endpoint) less(o endpoint) bool {
	if e.ip != o.ip {
		return e.ip < o.ip
	}
	return e.port < o.port
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d/%s", k.AIP, k.APort, k.BIP, k.BPort, k.Transport)
}
