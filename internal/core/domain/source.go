package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidSourceURL = errors.New("invalid YouTube URL")
	ErrInvalidSection   = errors.New("invalid section")
)

var (
	videoIDInURL = regexp.MustCompile(`(?:v=|/v/|/video/|youtu\.be/|/embed/|/shorts/)([a-zA-Z0-9_-]{11})`)
	bareVideoID  = regexp.MustCompile(`^([a-zA-Z0-9_-]{11})$`)

	slugStrip    = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	slugCollapse = regexp.MustCompile(`[-\s]+`)
)

const maxSlugLen = 50

// ExtractVideoID resolves the 11 character video id from a watch, short,
// embed or youtu.be URL, or from a bare id.
func ExtractVideoID(url string) (string, error) {
	if m := videoIDInURL.FindStringSubmatch(url); m != nil {
		return m[1], nil
	}
	if m := bareVideoID.FindStringSubmatch(url); m != nil {
		return m[1], nil
	}
	return "", ErrInvalidSourceURL
}

// Slugify turns a title into a filename fragment.
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = slugStrip.ReplaceAllString(s, "")
	s = slugCollapse.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if r := []rune(s); len(r) > maxSlugLen {
		s = string(r[:maxSlugLen])
	}
	return s
}

// ParseSectionTime parses "MM:SS" or "H:MM:SS" into seconds.
func ParseSectionTime(v string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time %q must be MM:SS or H:MM:SS", ErrInvalidSection, v)
	}
	var total float64
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: time %q must be MM:SS or H:MM:SS", ErrInvalidSection, v)
		}
		total = total*60 + float64(n)
	}
	return total, nil
}

// ParseSection parses a "start-end" range into seconds.
func ParseSection(section string) (start, end float64, err error) {
	a, b, ok := strings.Cut(section, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q must be start-end", ErrInvalidSection, section)
	}
	if start, err = ParseSectionTime(a); err != nil {
		return 0, 0, err
	}
	if end, err = ParseSectionTime(b); err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("%w: %q ends before it starts", ErrInvalidSection, section)
	}
	return start, end, nil
}

// ParseTimestamp converts a transcript timestamp ("MM:SS.mmm" or
// "HH:MM:SS.mmm") into seconds. Unparseable input yields 0.
func ParseTimestamp(ts string) float64 {
	parts := strings.Split(ts, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var total float64
	for i, p := range parts {
		var (
			n   float64
			err error
		)
		if i == len(parts)-1 {
			n, err = strconv.ParseFloat(p, 64)
		} else {
			var whole int
			whole, err = strconv.Atoi(p)
			n = float64(whole)
		}
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}
