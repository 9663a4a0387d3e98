// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package ingest

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/tomtom215/marzguard/internal/models"
)

// ErrNoNetworkLayer is returned for a frame without an IPv4 or IPv6 header.
var ErrNoNetworkLayer = errors.New("frame has no ip layer")

// Decode parses one sample message. When the message carries a raw frame
// the frame fills RemoteIP and Payload if they are empty; explicit fields
// always win.
func Decode(data []byte) (models.TrafficSample, error) {
	var s models.TrafficSample
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode sample: %w", err)
	}
	if len(s.Frame) == 0 {
		return s, nil
	}

	src, payload, err := DecodeFrame(s.Frame)
	if err != nil {
		return s, err
	}
	if s.RemoteIP == "" {
		s.RemoteIP = src
	}
	if len(s.Payload) == 0 {
		s.Payload = payload
	}
	s.Frame = nil
	return s, nil
}

// DecodeFrame decodes an ethernet frame and returns the network-layer
// source address and the transport payload.
func DecodeFrame(frame []byte) (string, []byte, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var src string
	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		src = packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4).SrcIP.String()
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		src = packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6).SrcIP.String()
	default:
		if el := packet.ErrorLayer(); el != nil {
			return "", nil, fmt.Errorf("decode frame: %w", el.Error())
		}
		return "", nil, ErrNoNetworkLayer
	}

	var payload []byte
	if app := packet.ApplicationLayer(); app != nil {
		payload = append([]byte(nil), app.Payload()...)
	} else if tl := packet.TransportLayer(); tl != nil && len(tl.LayerPayload()) > 0 {
		payload = append([]byte(nil), tl.LayerPayload()...)
	}
	return src, payload, nil
}
