package api

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode"
)

const (
	minNumberDigits = 6
	maxNumberDigits = 15
)

var (
	// ErrInvalidNumber is returned for input that is not a phone number.
	ErrInvalidNumber = errors.New("invalid phone number")

	// ErrUnsupportedListType is returned for uploads that are neither plain
	// text nor CSV.
	ErrUnsupportedListType = errors.New("unsupported number list type")
)

// NormalizeNumber strips formatting from a phone number and returns its
// digits. A leading "+" and the separators " -().\t" are accepted.
func NormalizeNumber(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '\t':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}

	digits := b.String()
	if len(digits) < minNumberDigits || len(digits) > maxNumberDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return digits, nil
}

// normalizeNumbers normalizes every entry of a list. Entries that are not
// phone numbers are left out of valid and flagged by index in invalid.
func normalizeNumbers(raw []string) (valid []string, invalid []bool) {
	valid = make([]string, 0, len(raw))
	invalid = make([]bool, len(raw))
	for i, n := range raw {
		digits, err := NormalizeNumber(n)
		if err != nil {
			invalid[i] = true
			continue
		}
		valid = append(valid, digits)
	}
	return valid, invalid
}

// parseNumberList reads raw numbers from an uploaded list. Plain text holds
// one number per line; CSV uses the first column of each row, skipping a
// header row without digits.
func parseNumberList(r io.Reader, contentType string) ([]string, error) {
	mediaType := "text/plain"
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedListType, contentType)
		}
		mediaType = mt
	}

	switch mediaType {
	case "text/plain", "application/octet-stream":
		return parsePlainList(r)
	case "text/csv", "application/csv", "application/vnd.ms-excel":
		return parseCSVList(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedListType, mediaType)
	}
}

func parsePlainList(r io.Reader) ([]string, error) {
	var numbers []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		numbers = append(numbers, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read number list: %w", err)
	}
	return numbers, nil
}

func parseCSVList(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var numbers []string
	for row := 0; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		cell := strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		if cell == "" {
			continue
		}
		if row == 0 && !strings.ContainsFunc(cell, unicode.IsDigit) {
			continue
		}
		numbers = append(numbers, cell)
	}
	return numbers, nil
}
