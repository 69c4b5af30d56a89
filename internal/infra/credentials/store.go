// Package credentials loads the token:secret pairs a run is allowed to use.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"fusiongen/internal/domain"
)

// ErrNoCredentials is returned when a keys file holds no usable line.
var ErrNoCredentials = errors.New("credentials: no usable token:secret lines")

// Parse reads one token:secret pair per line. Blank lines, lines starting with
// '#' and lines without ':' are skipped. Only the first ':' separates the two
// halves, so secrets may contain colons.
func Parse(r io.Reader) ([]domain.Credential, error) {
	var creds []domain.Credential
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, secret, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		token, secret = strings.TrimSpace(token), strings.TrimSpace(secret)
		if token == "" || secret == "" {
			continue
		}
		creds = append(creds, domain.Credential{Token: token, Secret: secret})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("credentials: scan: %w", err)
	}
	return creds, nil
}

// LoadFile parses the keys file at path and fails when it holds no credentials.
func LoadFile(path string) ([]domain.Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("credentials: open %s: %w", path, err)
	}
	defer f.Close()

	creds, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoCredentials, path)
	}
	return creds, nil
}
