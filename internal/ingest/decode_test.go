// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package ingest

import (
	"bytes"
	"net"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tomtom215/marzguard/internal/models"
)

var handshake = append([]byte{19}, []byte("BitTorrent protocol")...)

func buildFrame(t *testing.T, src net.IP, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	tcp := &layers.TCP{SrcPort: 51413, DstPort: 6881, PSH: true, ACK: true, Window: 1024}

	var network gopacket.SerializableLayer
	if v4 := src.To4(); v4 != nil {
		network = &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: v4, DstIP: net.IPv4(192, 0, 2, 1)}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		network = &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP, SrcIP: src, DstIP: net.ParseIP("2001:db8::1")}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers() error = %v", err)
	}
	return buf.Bytes()
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		src     net.IP
		payload []byte
	}{
		{"ipv4 with payload", net.IPv4(203, 0, 113, 9), handshake},
		{"ipv6 with payload", net.ParseIP("2001:db8::9"), handshake},
		{"ipv4 empty payload", net.IPv4(203, 0, 113, 9), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, payload, err := DecodeFrame(buildFrame(t, tt.src, tt.payload))
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if src != tt.src.String() {
				t.Errorf("src = %s, want %s", src, tt.src)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload = %q, want %q", payload, tt.payload)
			}
		})
	}
}

func TestDecodeFrame_NotIP(t *testing.T) {
	arp := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	_ = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, arp)

	if _, _, err := DecodeFrame(buf.Bytes()); err == nil {
		t.Error("DecodeFrame(arp) succeeded")
	}
}

func TestDecode(t *testing.T) {
	t.Run("plain sample", func(t *testing.T) {
		msg := []byte(`{"username":"bob","remote_ip":"10.0.0.5","bytes_sent":10,"payload":"` +
			"E0JpdFRvcnJlbnQgcHJvdG9jb2w=" + `","timestamp":"2026-03-01T12:00:00Z"}`)
		s, err := Decode(msg)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if s.Username != "bob" || s.RemoteIP != "10.0.0.5" || s.BytesSent != 10 {
			t.Errorf("sample = %+v", s)
		}
		if !bytes.Equal(s.Payload, handshake) {
			t.Errorf("payload = %q", s.Payload)
		}
	})

	t.Run("frame fills missing fields", func(t *testing.T) {
		frame := buildFrame(t, net.IPv4(198, 51, 100, 7), handshake)
		msg, _ := json.Marshal(models.TrafficSample{Username: "bob", Frame: frame})

		s, err := Decode(msg)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if s.RemoteIP != "198.51.100.7" || !bytes.Equal(s.Payload, handshake) || s.Frame != nil {
			t.Errorf("sample = %+v", s)
		}
	})

	t.Run("explicit fields win", func(t *testing.T) {
		frame := buildFrame(t, net.IPv4(198, 51, 100, 7), handshake)
		msg, _ := json.Marshal(models.TrafficSample{Username: "bob", RemoteIP: "10.1.1.1", Payload: []byte("hi"), Frame: frame})

		s, err := Decode(msg)
		if err != nil {
			t.Fatal(err)
		}
		if s.RemoteIP != "10.1.1.1" || string(s.Payload) != "hi" {
			t.Errorf("sample = %+v", s)
		}
	})

	t.Run("end event", func(t *testing.T) {
		s, err := Decode([]byte(`{"username":"bob","remote_ip":"10.0.0.5","event":"end"}`))
		if err != nil || !s.IsEnd() {
			t.Errorf("Decode(end) = %+v, %v", s, err)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := Decode([]byte("{nope")); err == nil {
			t.Error("Decode(invalid) succeeded")
		}
	})

	t.Run("undecodable frame", func(t *testing.T) {
		msg, _ := json.Marshal(models.TrafficSample{Username: "bob", Frame: []byte{1, 2, 3}})
		if _, err := Decode(msg); err == nil {
			t.Error("Decode(short frame) succeeded")
		}
	})
}
