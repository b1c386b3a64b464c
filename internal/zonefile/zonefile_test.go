package zonefile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/store"
)

const testZone = `
example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600
example.com. 3600 IN NS ns1.example.com.
www.example.com. 3600 IN A 192.0.2.1
www.example.com. 3600 IN A 192.0.2.2
`

func TestLoadPlacesRRsByOwner(t *testing.T) {
	s := store.NewStore("example.com.")
	v := s.View(store.ViewInput)

	n, err := Load(strings.NewReader(testZone), "example.com.", v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 RRs parsed, got %d", n)
	}

	apex, ok := v.Take(store.IdxNameUpcoming, "example.com.")
	if !ok {
		t.Fatalf("expected an apex record")
	}
	if !apex.HasType(dns.TypeSOA) || !apex.HasType(dns.TypeNS) {
		t.Errorf("expected apex to carry SOA and NS, got types %v", apex.SortedTypes())
	}

	www, ok := v.Take(store.IdxNameUpcoming, "www.example.com.")
	if !ok {
		t.Fatalf("expected a www record")
	}
	if got := len(www.Types[dns.TypeA].RRs); got != 2 {
		t.Errorf("expected 2 A records at www, got %d", got)
	}
}

func makeReadyZone(t *testing.T) *store.View {
	t.Helper()
	s := store.NewStore("example.com.")
	v := s.View(store.ViewInput)

	from := uint32(1)
	expiry := uint32(1000000)
	apex := v.Place("example.com.")
	soaRR, _ := dns.NewRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 604800 3600")
	v.UpdateWith(&apex, func(nr *store.Record) {
		nr.Types[dns.TypeSOA] = &store.RRset{Type: dns.TypeSOA, RRs: []dns.RR{soaRR}}
		nr.ValidFrom = &from
		nr.Expiry = &expiry
	})

	www := v.Place("www.example.com.")
	aRR, _ := dns.NewRR("www.example.com. 3600 IN A 192.0.2.1")
	v.UpdateWith(&www, func(nr *store.Record) {
		nr.Types[dns.TypeA] = &store.RRset{Type: dns.TypeA, RRs: []dns.RR{aRR}}
		nr.ValidFrom = &from
		nr.Expiry = &expiry
	})

	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return v
}

func TestWriteEmitsSOAFirst(t *testing.T) {
	v := makeReadyZone(t)

	var buf bytes.Buffer
	if err := Write(&buf, "example.com.", v); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) == 0 || !strings.Contains(lines[0], "SOA") {
		t.Fatalf("expected the first line to be the SOA record, got %q", lines[0])
	}
	found := false
	for _, l := range lines[1:] {
		if strings.Contains(l, "192.0.2.1") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the www A record to appear after the SOA, got:\n%s", buf.String())
	}
}

func TestWriteFileAtomicRename(t *testing.T) {
	v := makeReadyZone(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.zone")

	if err := WriteFile(path, "example.com.", v); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected the .tmp sibling to be gone after a successful rename")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "SOA") {
		t.Errorf("expected the written zonefile to contain an SOA record, got:\n%s", data)
	}
}
