// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"time"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NFTBlocker mirrors blocks into nftables sets. IPv4 addresses go to Set
// and IPv6 addresses to Set+"6"; both sets must be declared with the
// timeout flag. Set elements carry the ban timeout so the kernel expires
// them on its own.
type NFTBlocker struct {
	family string
	table  string
	set    string
	run    CommandRunner
}

// NewNFTBlocker creates a blocker for the configured family, table and set.
func NewNFTBlocker(cfg config.BlocklistConfig, run CommandRunner) *NFTBlocker {
	if run == nil {
		run = execRunner
	}
	return &NFTBlocker{family: cfg.NFTFamily, table: cfg.NFTTable, set: cfg.NFTSet, run: run}
}

func (n *NFTBlocker) setFor(addr netip.Addr) string {
	if addr.Is4() {
		return n.set
	}
	return n.set + "6"
}

// Block adds the address with a timeout, or without one when until is nil.
func (n *NFTBlocker) Block(ctx context.Context, ip string, until *time.Time, _ string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("nft block %q: %w", ip, err)
	}
	addr = addr.Unmap()

	element := addr.String()
	if until != nil {
		secs := int64(time.Until(*until).Round(time.Second) / time.Second)
		if secs <= 0 {
			return nil
		}
		element = fmt.Sprintf("%s timeout %ds", element, secs)
	}

	// Adding an existing element keeps its old timeout.
	_ = n.remove(ctx, addr)
	out, err := n.run(ctx, "nft", "add", "element", n.family, n.table, n.setFor(addr), "{ "+element+" }")
	if err != nil {
		return fmt.Errorf("nft add element: %w: %s", err, strings.TrimSpace(string(out)))
	}
	logging.Debug().Str("ip", addr.String()).Str("set", n.setFor(addr)).Msg("nft element added")
	return nil
}

// Unblock removes the address. A missing element is not an error.
func (n *NFTBlocker) Unblock(ctx context.Context, ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("nft unblock %q: %w", ip, err)
	}
	return n.remove(ctx, addr.Unmap())
}

func (n *NFTBlocker) remove(ctx context.Context, addr netip.Addr) error {
	out, err := n.run(ctx, "nft", "delete", "element", n.family, n.table, n.setFor(addr), "{ "+addr.String()+" }")
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "No such file or directory") || strings.Contains(msg, "element does not exist") {
			return nil
		}
		return fmt.Errorf("nft delete element: %w: %s", err, strings.TrimSpace(msg))
	}
	return nil
}

// MultiBlocker applies every blocker in order and stops at the first error.
type MultiBlocker []IPBlocker

// Block implements IPBlocker.
func (m MultiBlocker) Block(ctx context.Context, ip string, until *time.Time, reason string) error {
	for _, b := range m {
		if err := b.Block(ctx, ip, until, reason); err != nil {
			return err
		}
	}
	return nil
}

// Unblock implements IPBlocker.
func (m MultiBlocker) Unblock(ctx context.Context, ip string) error {
	for _, b := range m {
		if err := b.Unblock(ctx, ip); err != nil {
			return err
		}
	}
	return nil
}
