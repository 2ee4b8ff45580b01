package protocol

import (
	"bytes"

	core "netsight/internal/core/model"
)

// wellKnownPorts maps port numbers to the application protocol usually
// carried there. The destination port is consulted first, then the
// source, so a reply from :443 still classifies as HTTPS.
var wellKnownPorts = map[uint16]core.AppProtocol{
	20:    core.AppFTP,
	21:    core.AppFTP,
	22:    core.AppSSH,
	23:    core.AppTelnet,
	25:    core.AppSMTP,
	53:    core.AppDNS,
	67:    core.AppDHCP,
	68:    core.AppDHCP,
	80:    core.AppHTTP,
	110:   core.AppPOP3,
	123:   core.AppNTP,
	143:   core.AppIMAP,
	161:   core.AppSNMP,
	162:   core.AppSNMP,
	443:   core.AppHTTPS,
	465:   core.AppSMTP,
	514:   core.AppSyslog,
	587:   core.AppSMTP,
	993:   core.AppIMAP,
	995:   core.AppPOP3,
	3306:  core.AppMySQL,
	5432:  core.AppPostgres,
	6379:  core.AppRedis,
	8080:  core.AppHTTP,
	8443:  core.AppHTTPS,
	27017: core.AppMongoDB,
}

// sensitivePlaintextPorts normally carry credentials in the clear.
var sensitivePlaintextPorts = map[uint16]bool{
	21:  true,
	23:  true,
	25:  true,
	110: true,
	143: true,
}

var httpPrefixes = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("HEAD "),
	[]byte("DELETE "),
	[]byte("OPTIONS "),
	[]byte("HTTP/1."),
}

// identify runs the port heuristic and the payload-signature heuristic
// and reconciles them. When only the signature fires, FlagSignatureOnly
// is set so consumers know the port disagreed or was silent.
func identify(tr core.Transport, srcPort, dstPort uint16, payload []byte) (core.AppProtocol, core.PacketFlags) {
	byPort := portLookup(srcPort, dstPort)
	bySig := signatureLookup(tr, srcPort, dstPort, payload)

	var flags core.PacketFlags

	app := byPort
	switch {
	case byPort != core.AppUnknown && bySig != core.AppUnknown:
		// Both heuristics fired. Agreement confirms the port; a TLS
		// signature refines a port-only HTTPS guess and exposes TLS on
		// unexpected ports.
		if !agree(byPort, bySig) {
			app = bySig
			flags |= core.FlagSignatureOnly
		}
	case bySig != core.AppUnknown:
		app = bySig
		flags |= core.FlagSignatureOnly
	}

	if len(payload) > 0 && plaintextSensitive(byPort, bySig, srcPort, dstPort, payload) {
		flags |= core.FlagPlaintextSensitive
	}
	return app, flags
}

func portLookup(srcPort, dstPort uint16) core.AppProtocol {
	if app, ok := wellKnownPorts[dstPort]; ok {
		return app
	}
	if app, ok := wellKnownPorts[srcPort]; ok {
		return app
	}
	return core.AppUnknown
}

// signatureLookup inspects the unencrypted payload prefix.
func signatureLookup(tr core.Transport, srcPort, dstPort uint16, payload []byte) core.AppProtocol {
	if len(payload) == 0 {
		return core.AppUnknown
	}

	if tr == core.TransportTCP {
		for _, prefix := range httpPrefixes {
			if bytes.HasPrefix(payload, prefix) {
				return core.AppHTTP
			}
		}
		if isTLSRecord(payload) {
			return core.AppTLS
		}
		if bytes.HasPrefix(payload, []byte("SSH-")) {
			return core.AppSSH
		}
	}

	if tr == core.TransportUDP && (srcPort == 53 || dstPort == 53) && isDNSShape(payload) {
		return core.AppDNS
	}

	return core.AppUnknown
}

// isTLSRecord matches a TLS record header: content type handshake or
// application data, version 3.1 or 3.3.
func isTLSRecord(payload []byte) bool {
	if len(payload) < 3 {
		return false
	}
	if payload[0] != 0x16 && payload[0] != 0x17 {
		return false
	}
	return payload[1] == 0x03 && (payload[2] == 0x01 || payload[2] == 0x03)
}

// isDNSShape checks the fixed 12-byte DNS header for a plausible
// opcode and at least one question.
func isDNSShape(payload []byte) bool {
	if len(payload) < 12 {
		return false
	}
	opcode := (payload[2] >> 3) & 0x0f
	if opcode > 5 {
		return false
	}
	qdcount := uint16(payload[4])<<8 | uint16(payload[5])
	return qdcount >= 1 && qdcount < 64
}

// agree reports whether the two heuristics name the same protocol; a
// TLS signature agrees with any TLS-carrying port guess.
func agree(byPort, bySig core.AppProtocol) bool {
	if byPort == bySig {
		return true
	}
	if bySig == core.AppTLS {
		switch byPort {
		case core.AppHTTPS, core.AppIMAP, core.AppPOP3, core.AppSMTP:
			return true
		}
	}
	return false
}

// plaintextSensitive flags cleartext payloads on credential-carrying
// ports, and HTTP basic auth on traffic that the port map or the
// payload signature identifies as HTTP.
func plaintextSensitive(byPort, bySig core.AppProtocol, srcPort, dstPort uint16, payload []byte) bool {
	if bySig == core.AppTLS {
		return false
	}
	if sensitivePlaintextPorts[srcPort] || sensitivePlaintextPorts[dstPort] {
		return true
	}
	if byPort == core.AppHTTP || bySig == core.AppHTTP {
		return bytes.Contains(payload, []byte("Authorization: Basic "))
	}
	return false
}
