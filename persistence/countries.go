package persistence

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/activecm/flowsentry/util"
	"github.com/spf13/afero"
)

// SaveCountries atomically writes the VoIP countries file (spec §6:
// commented header, `ALLOWED_COUNTRIES=AA:BB:` global allow-list line,
// then per-IP `-<ip>`/`=CC:DD:` blocks), grounded on
// original_source/voip_fraud_detection/country.c's
// countries_save_all_to_file. Atomic via write-to-temp-then-rename.
func SaveCountries(fs afero.Fs, path string, allowed []string, bySource map[util.FixedString][]string) error {
	tmp := path + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# VOIP_FRAUD_DETECTION - COUNTRIES FILE")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# After every country must be placed delimiter \":\"!")
	fmt.Fprint(w, "ALLOWED_COUNTRIES=")
	for _, c := range allowed {
		fmt.Fprintf(w, "%s:", twoByteCode(c))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "#")

	for src, codes := range bySource {
		fmt.Fprintf(w, "-%s\n", src.IP().String())
		fmt.Fprint(w, "=")
		for _, c := range codes {
			fmt.Fprintf(w, "%s:", twoByteCode(c))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "# END OF FILE - VOIP_FRAUD_DETECTION - COUNTRIES (%d)\n", len(bySource))

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

func twoByteCode(c string) string {
	if len(c) < 2 {
		return c
	}
	return c[:2]
}

// LoadCountries parses a countries file written by SaveCountries.
// Unknown lines terminate parsing with an error (spec §6).
func LoadCountries(fs afero.Fs, path string) (allowed []string, bySource map[util.FixedString][]string, err error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	bySource = make(map[util.FixedString][]string)
	var currentSrc util.FixedString
	haveSrc := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "ALLOWED_COUNTRIES="):
			allowed = splitCodes(strings.TrimPrefix(line, "ALLOWED_COUNTRIES="))
		case strings.HasPrefix(line, "-"):
			ip := net.ParseIP(strings.TrimPrefix(line, "-"))
			if ip == nil {
				return nil, nil, fmt.Errorf("countries file: invalid ip on line %q", line)
			}
			currentSrc = util.NewFixedStringFromIP(ip)
			haveSrc = true
		case strings.HasPrefix(line, "="):
			if !haveSrc {
				return nil, nil, fmt.Errorf("countries file: country list with no preceding ip: %q", line)
			}
			bySource[currentSrc] = splitCodes(strings.TrimPrefix(line, "="))
			haveSrc = false
		default:
			return nil, nil, fmt.Errorf("countries file: unrecognized line: %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return allowed, bySource, nil
}

func splitCodes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ":") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
