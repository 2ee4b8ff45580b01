package protocol

import (
	"testing"

	core "netsight/internal/core/model"
)

func TestPortLookupPrefersDestination(t *testing.T) {
	if got := portLookup(40000, 443); got != core.AppHTTPS {
		t.Errorf("expected https, got %q", got)
	}
	if got := portLookup(5432, 40000); got != core.AppPostgres {
		t.Errorf("source port fallback: expected postgres, got %q", got)
	}
	if got := portLookup(40000, 40001); got != core.AppUnknown {
		t.Errorf("expected unknown, got %q", got)
	}
}

func TestIdentifyAgreement(t *testing.T) {
	app, flags := identify(core.TransportTCP, 50000, 443, []byte{0x16, 0x03, 0x03, 0x00, 0x10})
	if app != core.AppHTTPS {
		t.Errorf("expected https, got %q", app)
	}
	if flags&core.FlagSignatureOnly != 0 {
		t.Errorf("agreement must not set signature-only")
	}
}

func TestIdentifySignatureOverridesPort(t *testing.T) {
	// HTTP verb on the MySQL port: the payload wins, flagged.
	app, flags := identify(core.TransportTCP, 50000, 3306, []byte("POST /api HTTP/1.1\r\n"))
	if app != core.AppHTTP {
		t.Errorf("expected http, got %q", app)
	}
	if flags&core.FlagSignatureOnly == 0 {
		t.Errorf("expected signature-only flag on disagreement")
	}
}

func TestIdentifyPortOnly(t *testing.T) {
	app, flags := identify(core.TransportTCP, 50000, 6379, nil)
	if app != core.AppRedis {
		t.Errorf("expected redis, got %q", app)
	}
	if flags != 0 {
		t.Errorf("expected no flags, got %v", flags)
	}
}

func TestIdentifyPlaintextSensitive(t *testing.T) {
	_, flags := identify(core.TransportTCP, 50000, 23, []byte("login: "))
	if flags&core.FlagPlaintextSensitive == 0 {
		t.Errorf("telnet payload must flag plaintext-sensitive")
	}

	_, flags = identify(core.TransportTCP, 50000, 80, []byte("GET / HTTP/1.1\r\nAuthorization: Basic dXNlcjpwYXNz\r\n"))
	if flags&core.FlagPlaintextSensitive == 0 {
		t.Errorf("basic auth over plain http must flag plaintext-sensitive")
	}

	_, flags = identify(core.TransportTCP, 50000, 443, []byte{0x16, 0x03, 0x01, 0x00, 0x05})
	if flags&core.FlagPlaintextSensitive != 0 {
		t.Errorf("tls traffic must not flag plaintext-sensitive")
	}
}

func TestDNSShape(t *testing.T) {
	if !isDNSShape(dnsQuery()) {
		t.Error("valid query header rejected")
	}
	if isDNSShape([]byte{1, 2, 3}) {
		t.Error("short payload accepted")
	}
	// qdcount zero: not a query shape.
	bad := dnsQuery()
	bad[4], bad[5] = 0, 0
	if isDNSShape(bad) {
		t.Error("zero-question payload accepted")
	}
}

func TestSSHSignature(t *testing.T) {
	app := signatureLookup(core.TransportTCP, 50000, 2222, []byte("SSH-2.0-OpenSSH_9.6\r\n"))
	if app != core.AppSSH {
		t.Errorf("expected ssh, got %q", app)
	}
}
