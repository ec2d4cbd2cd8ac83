// Package stats accumulates the per-partition abundance histograms written by
// count workers into one histogram per sample.
package stats

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Record is one abundance histogram over the closed range [Lower, Upper].
//
// HistUnique[i] is the number of distinct k-mers seen Lower+i times and
// HistTotal[i] the number of occurrences they account for. Counts outside the
// range are only reflected in the OOB fields and in Unique/Total.
type Record struct {
	Lower, Upper int

	Unique uint64
	Total  uint64

	OOBLower uint64
	OOBUpper uint64

	HistUnique []uint64
	HistTotal  []uint64
}

// Width is the number of buckets.
func (r Record) Width() int { return r.Upper - r.Lower + 1 }

func (r Record) validate() error {
	if r.Lower < 0 || r.Upper < r.Lower {
		return fmt.Errorf("invalid bounds [%d, %d]", r.Lower, r.Upper)
	}
	if len(r.HistUnique) != r.Width() || len(r.HistTotal) != r.Width() {
		return fmt.Errorf("expected %d buckets, got %d unique and %d total",
			r.Width(), len(r.HistUnique), len(r.HistTotal))
	}
	return nil
}

func (r Record) clone() Record {
	r.HistUnique = append([]uint64(nil), r.HistUnique...)
	r.HistTotal = append([]uint64(nil), r.HistTotal...)
	return r
}

// ParseRecord reads the text form of a histogram:
//
//	@LOWER=1
//	@UPPER=3
//	@UNIQUE=10
//	@TOTAL=25
//	@OOB_L=0
//	@OOB_U=1
//	1 4 4
//	2 3 6
//	3 2 6
//
// The @OOB_* headers are optional. Each row is "abundance unique total" and
// rows must cover the range in ascending order.
func ParseRecord(raw []byte) (Record, error) {
	var (
		r                  Record
		haveLower, haveUpr bool
	)
	sc := bufio.NewScanner(bytes.NewReader(raw))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "@") {
			name, value, ok := strings.Cut(line[1:], "=")
			if !ok {
				return Record{}, fmt.Errorf("line %d: malformed header %q", lineno, line)
			}
			n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("line %d: header %s: %w", lineno, name, err)
			}
			switch name {
			case "LOWER":
				r.Lower, haveLower = int(n), true
			case "UPPER":
				r.Upper, haveUpr = int(n), true
			case "UNIQUE":
				r.Unique = n
			case "TOTAL":
				r.Total = n
			case "OOB_L":
				r.OOBLower = n
			case "OOB_U":
				r.OOBUpper = n
			default:
				return Record{}, fmt.Errorf("line %d: unknown header %q", lineno, name)
			}
			continue
		}

		if !haveLower || !haveUpr {
			return Record{}, fmt.Errorf("line %d: bucket row before @LOWER/@UPPER", lineno)
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return Record{}, fmt.Errorf("line %d: expected 3 columns, got %d", lineno, len(fields))
		}
		var vals [3]uint64
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("line %d: %w", lineno, err)
			}
			vals[i] = v
		}
		if want := r.Lower + len(r.HistUnique); int(vals[0]) != want {
			return Record{}, fmt.Errorf("line %d: expected abundance %d, got %d", lineno, want, vals[0])
		}
		r.HistUnique = append(r.HistUnique, vals[1])
		r.HistTotal = append(r.HistTotal, vals[2])
	}
	if err := sc.Err(); err != nil {
		return Record{}, err
	}
	if !haveLower || !haveUpr {
		return Record{}, fmt.Errorf("missing @LOWER or @UPPER header")
	}
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// WriteTo writes r in the format read by ParseRecord.
func (r Record) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "@LOWER=%d\n@UPPER=%d\n@UNIQUE=%d\n@TOTAL=%d\n@OOB_L=%d\n@OOB_U=%d\n",
		r.Lower, r.Upper, r.Unique, r.Total, r.OOBLower, r.OOBUpper)
	for i := range r.HistUnique {
		fmt.Fprintf(&b, "%d %d %d\n", r.Lower+i, r.HistUnique[i], r.HistTotal[i])
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
