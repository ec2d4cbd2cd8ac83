// Package manifest parses the input manifest: one named group of read files
// per line, with an optional per-group abundance override.
//
//	id : path[;path...] [! count]
//
// Parsing is fail-fast. Every referenced file must exist when Parse returns,
// and the position of each entry is its order in the file, so repeated parses
// of one manifest yield identical positions.
package manifest

import (
	"bufio"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"kmpipe/internal/fsutil"
)

const disallowed = "<>{},[]"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entry is one manifest line.
type Entry struct {
	// Position is the 0-based order of the entry among non-blank lines.
	Position int
	ID       string

	// Paths are the file paths as written in the manifest.
	Paths []string
	// Resolved are Paths with relative entries anchored at the manifest directory.
	Resolved []string

	// Count is the effective abundance threshold: the override when present,
	// the parse-time default otherwise.
	Count      int
	Overridden bool
}

// Source is a parsed manifest. It is immutable after Parse except for the
// cursor used by Next.
type Source struct {
	path    string
	entries []Entry
	byID    map[string]int
	cursor  int
}

// Parse reads and validates the manifest at path. defaultCount is used for
// entries without a "! count" suffix.
func Parse(path string, defaultCount int) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	src := &Source{path: path, byID: map[string]int{}}
	base := filepath.Dir(path)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, err := parseLine(line, defaultCount)
		if err != nil {
			return nil, &FormatError{Path: path, Line: lineno, Reason: err.Error()}
		}
		if prev, dup := src.byID[e.ID]; dup {
			return nil, &FormatError{
				Path:   path,
				Line:   lineno,
				Reason: fmt.Sprintf("duplicate id %q (first at entry %d)", e.ID, prev),
			}
		}
		e.Position = len(src.entries)
		e.Resolved = make([]string, len(e.Paths))
		for i, p := range e.Paths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			e.Resolved[i] = p
		}
		src.byID[e.ID] = e.Position
		src.entries = append(src.entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	for _, e := range src.entries {
		for i, p := range e.Resolved {
			if !fsutil.Exists(p) {
				return nil, &NotFoundError{ID: e.ID, Path: e.Paths[i]}
			}
		}
	}
	return src, nil
}

func parseLine(line string, defaultCount int) (Entry, error) {
	if i := strings.IndexAny(line, disallowed); i >= 0 {
		return Entry{}, fmt.Errorf("disallowed character %q", line[i])
	}

	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("expected exactly one ':' separating id and paths")
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return Entry{}, fmt.Errorf("missing id")
	}
	if !idPattern.MatchString(id) {
		return Entry{}, fmt.Errorf("invalid id %q", id)
	}

	rest := strings.Split(parts[1], "!")
	if len(rest) > 2 {
		return Entry{}, fmt.Errorf("more than one '!'")
	}

	e := Entry{ID: id, Count: defaultCount}
	if len(rest) == 2 {
		raw := strings.TrimSpace(rest[1])
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Entry{}, fmt.Errorf("invalid count %q", raw)
		}
		e.Count = n
		e.Overridden = true
	}

	list := strings.TrimSpace(rest[0])
	if list == "" {
		return Entry{}, fmt.Errorf("missing path list")
	}
	for _, p := range strings.Split(list, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			return Entry{}, fmt.Errorf("empty path in list")
		}
		e.Paths = append(e.Paths, p)
	}
	return e, nil
}

// Path is the manifest file the source was parsed from.
func (s *Source) Path() string { return s.path }

// Len is the number of entries.
func (s *Source) Len() int { return len(s.entries) }

// Position returns the position of id, or -1 when id is unknown.
func (s *Source) Position(id string) int {
	if p, ok := s.byID[id]; ok {
		return p
	}
	return -1
}

// Entry returns the entry at position i.
func (s *Source) Entry(i int) Entry { return s.entries[i] }

// Entries returns a copy of all entries in position order.
func (s *Source) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// HasOverrides reports whether any entry carries an explicit count.
func (s *Source) HasOverrides() bool {
	for _, e := range s.entries {
		if e.Overridden {
			return true
		}
	}
	return false
}

// Next yields entries in order. After the last entry it returns false once
// and rewinds, so the following call starts a new pass from the first entry.
func (s *Source) Next() (Entry, bool) {
	if s.cursor >= len(s.entries) {
		s.cursor = 0
		return Entry{}, false
	}
	e := s.entries[s.cursor]
	s.cursor++
	return e, true
}

// All is an independent pass over the entries that does not touch the Next
// cursor.
func (s *Source) All() iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		for i, e := range s.entries {
			if !yield(i, e) {
				return
			}
		}
	}
}

// Copy writes the manifest as parsed from disk to dst.
func (s *Source) Copy(dst string) error {
	if err := fsutil.CopyFileAtomic(s.path, dst, 0o644); err != nil {
		return fmt.Errorf("copy manifest to %s: %w", dst, err)
	}
	return nil
}
