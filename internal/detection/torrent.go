// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package detection

import (
	"bytes"
	"context"
	"sort"

	"github.com/tomtom215/marzguard/internal/models"
)

// Signature names reported in TORRENT event details.
const (
	SignatureUDPTracker  = "udp_tracker"
	SignatureDHT         = "dht"
	SignatureHTTPTracker = "http_tracker"
	SignatureHandshake   = "bittorrent_handshake"
	SignatureBencode     = "bencode_announce"
	SignatureInfoHash    = "info_hash"
	SignatureAnnounce    = "announce"
	SignatureBitTorrent  = "bittorrent"
)

// signaturePriority orders signatures from most to least specific.
var signaturePriority = map[string]int{
	SignatureUDPTracker:  0,
	SignatureDHT:         1,
	SignatureHTTPTracker: 2,
	SignatureHandshake:   3,
	SignatureBencode:     4,
	SignatureInfoHash:    5,
	SignatureAnnounce:    6,
	SignatureBitTorrent:  7,
}

// torrentSignatures are plain substrings matched anywhere in the payload.
// "BitTorrent" is a prefix-free subset of the handshake string, so a
// handshake reports both names.
var torrentSignatures = []BytePattern{
	{Bytes: []byte("\x13BitTorrent protocol"), Name: SignatureHandshake},
	{Bytes: []byte("announce"), Name: SignatureAnnounce},
	{Bytes: []byte("info_hash"), Name: SignatureInfoHash},
	{Bytes: []byte("d8:announce"), Name: SignatureBencode},
	{Bytes: []byte("BitTorrent"), Name: SignatureBitTorrent},
}

var (
	dhtPrefix         = []byte("d1:")
	dhtQueries        = NewByteMatcher([]BytePattern{{Bytes: []byte("ping")}, {Bytes: []byte("find_node")}, {Bytes: []byte("get_peers")}, {Bytes: []byte("announce_peer")}})
	httpTrackerGet    = []byte("GET /")
	httpTrackerPath   = []byte("announce")
	udpTrackerMagic   = []byte{0x00, 0x00, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}
	udpTrackerMinSize = 16
)

// TorrentMatch is the result of scanning one payload.
type TorrentMatch struct {
	// Signature is the most specific signature found.
	Signature string `json:"signature"`

	// Signatures lists every distinct signature found, most specific first.
	Signatures []string `json:"signatures"`
}

// TorrentScanner looks for BitTorrent traffic in payloads.
//
// Detection Methods:
//   - Substring signatures via one Aho-Corasick pass (handshake, bencoded
//     announce, info_hash, the bare protocol name)
//   - DHT: a bencoded KRPC dictionary naming one of the four query types
//   - HTTP tracker: a GET request whose path mentions announce
//   - UDP tracker: the BEP 15 connect magic at offset 0
//
// A Scanner is immutable after construction and safe for concurrent use.
type TorrentScanner struct {
	matcher *ByteMatcher
}

// NewTorrentScanner builds the signature automaton.
func NewTorrentScanner() *TorrentScanner {
	return &TorrentScanner{matcher: NewByteMatcher(torrentSignatures)}
}

// Scan reports whether payload looks like BitTorrent traffic.
func (s *TorrentScanner) Scan(payload []byte) (TorrentMatch, bool) {
	if len(payload) == 0 {
		return TorrentMatch{}, false
	}

	// Collect distinct names; a payload can repeat a signature many times
	found := make(map[string]struct{})
	for _, m := range s.matcher.Search(payload) {
		found[m.Name] = struct{}{}
	}
	if isDHT(payload) {
		found[SignatureDHT] = struct{}{}
	}
	if isHTTPTracker(payload) {
		found[SignatureHTTPTracker] = struct{}{}
	}
	if isUDPTracker(payload) {
		found[SignatureUDPTracker] = struct{}{}
	}
	if len(found) == 0 {
		return TorrentMatch{}, false
	}

	// Most specific first, so Signature is stable across map iteration order
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return signaturePriority[names[i]] < signaturePriority[names[j]]
	})
	return TorrentMatch{Signature: names[0], Signatures: names}, true
}

// isDHT matches a bencoded KRPC query.
func isDHT(payload []byte) bool {
	return bytes.HasPrefix(payload, dhtPrefix) && dhtQueries.Contains(payload)
}

func isHTTPTracker(payload []byte) bool {
	return bytes.Contains(payload, httpTrackerGet) && bytes.Contains(payload, httpTrackerPath)
}

// isUDPTracker matches the BEP 15 connect request protocol id.
func isUDPTracker(payload []byte) bool {
	return len(payload) >= udpTrackerMinSize && bytes.Equal(payload[:len(udpTrackerMagic)], udpTrackerMagic)
}

// TorrentDetector emits TORRENT on a single strong signature match.
type TorrentDetector struct {
	enabled bool
	scanner *TorrentScanner
}

// NewTorrentDetector creates the detector.
func NewTorrentDetector(enabled bool) *TorrentDetector {
	return &TorrentDetector{enabled: enabled, scanner: NewTorrentScanner()}
}

// Type returns the violation type.
func (d *TorrentDetector) Type() models.ViolationType {
	return models.ViolationTorrent
}

// Enabled reports TORRENT_DETECTION_ENABLED.
func (d *TorrentDetector) Enabled() bool {
	return d.enabled
}

// Check evaluates the sample payload.
func (d *TorrentDetector) Check(_ context.Context, in *Input) (*models.ViolationEvent, error) {
	if !in.Settings.TorrentDetection {
		return nil, nil
	}
	match, ok := d.scanner.Scan(in.Sample.Payload)
	if !ok {
		return nil, nil
	}

	ev := models.NewViolationEvent(in.Sample.Timestamp, models.ViolationTorrent,
		in.Sample.Username, in.Sample.RemoteIP, models.ActionDetected,
		map[string]interface{}{
			"signature":  match.Signature,
			"signatures": match.Signatures,
		})
	return &ev, nil
}
