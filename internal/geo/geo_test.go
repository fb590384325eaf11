package geo

import (
	"os"
	"path/filepath"
	"testing"
)

func writePrefixFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write prefix file: %v", err)
	}
	return path
}

func TestAnycastV4(t *testing.T) {
	path := writePrefixFile(t, "v4.txt", "1.0.0.0/24\ninvalid\n1.3.0.0/16\n")
	tab, err := loadAnycast(path, "")
	if err != nil {
		t.Fatalf("loadAnycast: %v", err)
	}

	if !tab.contains("1.3.7.7") {
		t.Error("expected 1.3.7.7 to be anycast")
	}
	if tab.contains("1.7.0.0") {
		t.Error("expected 1.7.0.0 to not be anycast")
	}
	if tab.contains("blabla") {
		t.Error("junk input should not be anycast")
	}
}

func TestAnycastV6(t *testing.T) {
	path := writePrefixFile(t, "v6.txt", "2001:4998:170::/48\ninvalid\n2400:44a0:1::/48\n")
	tab, err := loadAnycast("", path)
	if err != nil {
		t.Fatalf("loadAnycast: %v", err)
	}

	if !tab.contains("2400:44a0:1::") {
		t.Error("expected 2400:44a0:1:: to be anycast")
	}
	if tab.contains("3001:4998::") {
		t.Error("expected 3001:4998:: to not be anycast")
	}
}

func TestAnycastMissingFile(t *testing.T) {
	if _, err := loadAnycast("/does/not/exist", ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// With no databases configured every lookup degrades to its unknown
// value instead of failing.
func TestResolverWithoutDatabases(t *testing.T) {
	m, err := Open(Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	if c := m.CountryForIP("94.198.159.14"); c != "" {
		t.Errorf("expected empty country, got %q", c)
	}
	lat, lon := m.CoordinatesForIP("94.198.159.14")
	if lat != FallbackLat || lon != FallbackLon {
		t.Errorf("expected fallback coordinates, got %v,%v", lat, lon)
	}
	if a := m.ASNForIP("94.198.159.14"); a != "" {
		t.Errorf("expected empty asn, got %q", a)
	}
	if m.IsAnycast("94.198.159.14") {
		t.Error("expected no anycast hit without a prefix file")
	}
}
