package magmodel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var errNoCoefficients = errors.New("magmodel: coefficient file has no coefficients")

// Coefficient is one row of a COF file: Gauss coefficients of degree N and order M
// at the model epoch plus their secular variation per year (nT, nT/yr).
type Coefficient struct {
	N, M       int
	G, H       float64
	GDot, HDot float64
}

// ParseCOF reads the NOAA COF text layout:
//
//	    2015.0            WMM-2015        12/15/2014
//	  1  0  -29438.5       0.0       10.7        0.0
//	  ...
//	999999999999999999999999999999999999999999999999
//
// The header names the epoch and the model. Rows continue until a line of 9s or EOF.
func ParseCOF(r io.Reader) (epoch float64, name string, coeffs []Coefficient, err error) {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	headerSeen := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "9999") {
			break
		}
		fields := strings.Fields(line)
		if !headerSeen {
			if len(fields) < 2 {
				return 0, "", nil, fmt.Errorf("magmodel: line %d: malformed header %q", lineNo, line)
			}
			epoch, err = strconv.ParseFloat(fields[0], 64)
			if err != nil {
				return 0, "", nil, fmt.Errorf("magmodel: line %d: epoch: %w", lineNo, err)
			}
			name = fields[1]
			headerSeen = true
			continue
		}
		if len(fields) < 6 {
			return 0, "", nil, fmt.Errorf("magmodel: line %d: expected 6 fields, got %d", lineNo, len(fields))
		}
		c, perr := parseCoefficient(fields)
		if perr != nil {
			return 0, "", nil, fmt.Errorf("magmodel: line %d: %w", lineNo, perr)
		}
		if c.N < 1 || c.M < 0 || c.M > c.N {
			return 0, "", nil, fmt.Errorf("magmodel: line %d: invalid degree/order n=%d m=%d", lineNo, c.N, c.M)
		}
		coeffs = append(coeffs, c)
	}
	if err := scanner.Err(); err != nil {
		return 0, "", nil, fmt.Errorf("magmodel: read: %w", err)
	}
	if len(coeffs) == 0 {
		return 0, "", nil, errNoCoefficients
	}
	return epoch, name, coeffs, nil
}

func parseCoefficient(fields []string) (Coefficient, error) {
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return Coefficient{}, fmt.Errorf("degree: %w", err)
	}
	m, err := strconv.Atoi(fields[1])
	if err != nil {
		return Coefficient{}, fmt.Errorf("order: %w", err)
	}
	var vals [4]float64
	for i := range vals {
		vals[i], err = strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return Coefficient{}, fmt.Errorf("column %d: %w", 3+i, err)
		}
	}
	return Coefficient{N: n, M: m, G: vals[0], H: vals[1], GDot: vals[2], HDot: vals[3]}, nil
}

// WriteCOF writes coefficients in the layout ParseCOF accepts.
func WriteCOF(w io.Writer, epoch float64, name string, coeffs []Coefficient) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "    %.1f            %s\n", epoch, name)
	for _, c := range coeffs {
		fmt.Fprintf(bw, "%3d %3d %11.1f %11.1f %10.1f %10.1f\n", c.N, c.M, c.G, c.H, c.GDot, c.HDot)
	}
	bw.WriteString(strings.Repeat("9", 48) + "\n")
	return bw.Flush()
}

func loadCOF(path string) (float64, string, []Coefficient, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", nil, fmt.Errorf("magmodel: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseCOF(f)
}
