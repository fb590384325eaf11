package geo

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/gaissmai/bart"
)

// anycastTable holds the known anycast prefixes in a routing table for
// longest-prefix containment checks.
type anycastTable struct {
	table *bart.Table[struct{}]
}

func loadAnycast(v4Path, v6Path string) (*anycastTable, error) {
	t := &anycastTable{table: &bart.Table[struct{}]{}}
	for _, path := range []string{v4Path, v6Path} {
		if path == "" {
			continue
		}
		if err := t.loadFile(path); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *anycastTable) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open anycast prefix file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pfx, err := netip.ParsePrefix(line)
		if err != nil {
			// prefix lists in the wild carry the odd bad line
			continue
		}
		t.table.Insert(pfx, struct{}{})
	}
	return sc.Err()
}

func (t *anycastTable) contains(ip string) bool {
	if t == nil || t.table == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	_, ok := t.table.Lookup(addr)
	return ok
}
