//go:build mdns

package peer

import (
	"testing"

	"github.com/grandcat/zeroconf"

	"agentbridge/internal/domain"
)

func TestEntryToRecord(t *testing.T) {
	entry := zeroconf.NewServiceEntry("weather-bot", mdnsServiceType, mdnsDomain)
	entry.Port = 6000
	entry.Text = []string{"id=weather_agent", "domain=meteorology", "capabilities=forecast,alerts"}
	entry.AddrIPv4 = append(entry.AddrIPv4, []byte{192, 168, 1, 20})

	rec := entryToRecord(entry)
	if rec.AgentID != "weather_agent" {
		t.Errorf("AgentID = %q, want weather_agent", rec.AgentID)
	}
	if rec.Address != "http://192.168.1.20:6000" {
		t.Errorf("Address = %q", rec.Address)
	}
	if rec.Domain != "meteorology" {
		t.Errorf("Domain = %q", rec.Domain)
	}
	if len(rec.Capabilities) != 2 || rec.Capabilities[1] != "alerts" {
		t.Errorf("Capabilities = %v", rec.Capabilities)
	}
	if rec.Status != domain.AgentStatusOnline {
		t.Errorf("Status = %q", rec.Status)
	}
}

func TestEntryToRecordFallsBackToInstance(t *testing.T) {
	entry := zeroconf.NewServiceEntry("bare", mdnsServiceType, mdnsDomain)
	entry.Port = 1
	rec := entryToRecord(entry)
	if rec.AgentID != "bare" {
		t.Errorf("AgentID = %q, want bare", rec.AgentID)
	}
	if rec.Address != "" {
		t.Errorf("Address = %q, want empty without addresses", rec.Address)
	}
}

func TestParseTXTRecords(t *testing.T) {
	m := parseTXTRecords([]string{"k1=v1", "k2=a=b", "junk"})
	if m["k1"] != "v1" || m["k2"] != "a=b" {
		t.Errorf("parsed = %v", m)
	}
	if _, ok := m["junk"]; ok {
		t.Error("entry without = must be skipped")
	}
}
