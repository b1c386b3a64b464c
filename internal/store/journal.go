package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/sigzone/sigzone/internal/sigerr"
)

// JournalMagic is the 8-byte header spec.md §6 fixes for the zone
// journal. The exact byte layout of record tuples beyond this framing
// (magic, then a length-prefixed stream terminated by a null record) is
// explicitly a non-goal; we pick a self-describing per-record text
// encoding (RR zone-presentation format per line) so the journal is
// trivially diffable and needs no bespoke RR wire codec alongside
// miekg/dns's own parser/printer.
var JournalMagic = [8]byte{0, 'O', 'D', 'S', '-', 'S', '1', '\n'}

// marshalRecord renders one Record as a self-contained text block: a
// header line of scalar fields, followed by one zone-presentation line
// per RR (RRset RRs, then its RRSIGs tagged with locator/flags, then the
// denial RR and its RRSIGs), blank-line terminated.
func marshalRecord(r *Record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s revision=%d", r.Name, r.Revision)
	if r.ValidFrom != nil {
		fmt.Fprintf(&b, " validfrom=%d", *r.ValidFrom)
	}
	if r.ValidUpto != nil {
		fmt.Fprintf(&b, " validupto=%d", *r.ValidUpto)
	}
	if r.Expiry != nil {
		fmt.Fprintf(&b, " expiry=%d", *r.Expiry)
	}
	if r.DenialName != "" {
		fmt.Fprintf(&b, " denialname=%s", r.DenialName)
	}
	b.WriteByte('\n')

	for _, t := range r.SortedTypes() {
		rrset := r.Types[t]
		for _, rr := range rrset.RRs {
			b.WriteString("RR ")
			b.WriteString(rr.String())
			b.WriteByte('\n')
		}
		for _, sig := range rrset.RRSIGs {
			fmt.Fprintf(&b, "SIG %s %d %s\n", sig.Locator, sig.Flags, sig.RR.String())
		}
	}
	if r.Denial != nil {
		if r.Denial.RR != nil {
			b.WriteString("DENIAL " + r.Denial.RR.String() + "\n")
		}
		for _, sig := range r.Denial.RRSIGs {
			fmt.Fprintf(&b, "DENIALSIG %s %d %s\n", sig.Locator, sig.Flags, sig.RR.String())
		}
	}
	return []byte(b.String())
}

func unmarshalRecord(block []byte) (*Record, error) {
	lines := strings.Split(string(block), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, sigerr.Corrupt("unmarshalRecord", fmt.Errorf("empty record block"))
	}
	r := &Record{Types: make(map[uint16]*RRset)}
	for _, field := range strings.Fields(lines[0]) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "name":
			r.Name = kv[1]
		case "revision":
			n, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			r.Revision = n
		case "validfrom":
			v, err := parseUint32(kv[1])
			if err != nil {
				return nil, err
			}
			r.ValidFrom = &v
		case "validupto":
			v, err := parseUint32(kv[1])
			if err != nil {
				return nil, err
			}
			r.ValidUpto = &v
		case "expiry":
			v, err := parseUint32(kv[1])
			if err != nil {
				return nil, err
			}
			r.Expiry = &v
		case "denialname":
			r.DenialName = kv[1]
		}
	}
	if r.Name == "" {
		return nil, sigerr.Corrupt("unmarshalRecord", fmt.Errorf("record missing name"))
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "RR "):
			rr, err := dns.NewRR(line[3:])
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			t := rr.Header().Rrtype
			rs, ok := r.Types[t]
			if !ok {
				rs = NewRRset(t)
				r.Types[t] = rs
			}
			rs.RRs = append(rs.RRs, rr)
		case strings.HasPrefix(line, "SIG "):
			rest := line[4:]
			parts := strings.SplitN(rest, " ", 3)
			if len(parts) != 3 {
				return nil, sigerr.Corrupt("unmarshalRecord", fmt.Errorf("malformed SIG line"))
			}
			flags, err := strconv.ParseUint(parts[1], 10, 16)
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			rr, err := dns.NewRR(parts[2])
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			rrsig, ok := rr.(*dns.RRSIG)
			if !ok {
				return nil, sigerr.Corrupt("unmarshalRecord", fmt.Errorf("SIG line did not parse as RRSIG"))
			}
			rs, ok := r.Types[rrsig.TypeCovered]
			if !ok {
				rs = NewRRset(rrsig.TypeCovered)
				r.Types[rrsig.TypeCovered] = rs
			}
			rs.RRSIGs = append(rs.RRSIGs, Signature{RR: rrsig, Locator: KeyLocator(parts[0]), Flags: KeyFlags(flags)})
		case strings.HasPrefix(line, "DENIALSIG "):
			rest := line[len("DENIALSIG "):]
			parts := strings.SplitN(rest, " ", 3)
			if len(parts) != 3 {
				return nil, sigerr.Corrupt("unmarshalRecord", fmt.Errorf("malformed DENIALSIG line"))
			}
			flags, err := strconv.ParseUint(parts[1], 10, 16)
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			rr, err := dns.NewRR(parts[2])
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			rrsig, ok := rr.(*dns.RRSIG)
			if !ok {
				return nil, sigerr.Corrupt("unmarshalRecord", fmt.Errorf("DENIALSIG line did not parse as RRSIG"))
			}
			if r.Denial == nil {
				r.Denial = &DenialRR{}
			}
			r.Denial.RRSIGs = append(r.Denial.RRSIGs, Signature{RR: rrsig, Locator: KeyLocator(parts[0]), Flags: KeyFlags(flags)})
		case strings.HasPrefix(line, "DENIAL "):
			rr, err := dns.NewRR(line[len("DENIAL "):])
			if err != nil {
				return nil, sigerr.Corrupt("unmarshalRecord", err)
			}
			if r.Denial == nil {
				r.Denial = &DenialRR{}
			}
			r.Denial.RR = rr
		}
	}
	return r, nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, sigerr.Corrupt("parseUint32", err)
	}
	return uint32(n), nil
}

// WriteJournal performs a full rewrite of path with every record
// currently in the base view's namerevision index, magic-prefixed and
// null-terminated. Callers are expected to write to a sibling temp file
// and rename atomically over the canonical path (spec.md §6); that
// dance is Zone-level orchestration, done by the caller of this
// function, not by WriteJournal itself.
func WriteJournal(w io.Writer, s *Store) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(JournalMagic[:]); err != nil {
		return sigerr.IOError("WriteJournal", err)
	}
	v := s.View(ViewBase)
	v.mu.Lock()
	records := append([]*Record(nil), v.index(IdxNameRevision).All()...)
	v.mu.Unlock()

	for _, r := range records {
		if err := writeTuple(bw, marshalRecord(r)); err != nil {
			return err
		}
	}
	if err := writeTuple(bw, nil); err != nil { // null record terminator
		return err
	}
	return bw.Flush()
}

func writeTuple(w io.Writer, body []byte) error {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(body)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return sigerr.IOError("writeTuple", err)
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	if err != nil {
		return sigerr.IOError("writeTuple", err)
	}
	return nil
}

// AppendJournal appends cs's New/Old records as further incremental
// tuples to an already-magic-prefixed, already-open journal file, per
// spec.md §6 ("incremental commits append further tuples").
func AppendJournal(w io.Writer, cs *ChangeSet) error {
	for _, c := range cs.Changes {
		if c.New != nil {
			if err := writeTuple(w, marshalRecord(c.New)); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadJournal reads a previously written journal and replays every
// tuple into a fresh Store's base view, committing once at the end so
// the other pipeline views can catch up from a single commit-log node.
func LoadJournal(r io.Reader, zoneName string) (*Store, error) {
	br := bufio.NewReader(r)
	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		if err == io.EOF {
			return NewStore(zoneName), nil
		}
		return nil, sigerr.IOError("LoadJournal", err)
	}
	if magic != JournalMagic {
		return nil, sigerr.Corrupt("LoadJournal", fmt.Errorf("bad journal magic"))
	}

	s := NewStore(zoneName)
	base := s.View(ViewBase)

	for {
		var lenbuf [4]byte
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, sigerr.Corrupt("LoadJournal", err)
		}
		n := binary.BigEndian.Uint32(lenbuf[:])
		if n == 0 {
			break // null record terminator
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, sigerr.Corrupt("LoadJournal", err)
		}
		rec, err := unmarshalRecord(body)
		if err != nil {
			return nil, err
		}
		base.mu.Lock()
		base.applyNew(rec)
		base.pending.add(Change{New: rec})
		base.mu.Unlock()
	}

	if err := base.Commit(); err != nil {
		return nil, sigerr.Corrupt("LoadJournal", fmt.Errorf("unexpected conflict replaying journal: %w", err))
	}
	return s, nil
}

// OpenOrCreate loads an existing journal file at path, or returns a
// fresh empty store if the file doesn't exist yet.
func OpenOrCreate(path, zoneName string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStore(zoneName), nil
		}
		return nil, sigerr.IOError("OpenOrCreate", err)
	}
	defer f.Close()
	return LoadJournal(f, zoneName)
}

// WriteJournalFile performs a full WriteJournal rewrite to a sibling
// ".tmp" file and renames it atomically over path, the same swap
// discipline zonefile.WriteFile uses. Callers that keep path open for
// AppendJournal must reopen after calling this, since the rename
// replaces the underlying inode.
func WriteJournalFile(path string, s *Store) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return sigerr.IOError("WriteJournalFile", err)
	}
	if err := WriteJournal(f, s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return sigerr.IOError("WriteJournalFile", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return sigerr.IOError("WriteJournalFile", err)
	}
	return nil
}
