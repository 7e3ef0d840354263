package news

import "fmt"

const (
	maxYearSeq = 99_999_999
	yearShift  = 100_000_000
)

// FormatNewsID builds the 12-digit global id: the 4-digit year followed by the
// sequence left-padded to 8 digits. 2021/7 becomes 202100000007.
func FormatNewsID(year int, seq int64) (int64, error) {
	if year < 1000 || year > 9999 {
		return 0, fmt.Errorf("year %d is not 4 digits", year)
	}
	if seq < 1 {
		return 0, fmt.Errorf("sequence %d must be positive", seq)
	}
	if seq > maxYearSeq {
		return 0, fmt.Errorf("year %d sequence %d: %w", year, seq, ErrSequenceOverflow)
	}
	return int64(year)*yearShift + seq, nil
}

// SplitNewsID returns the year and per-year sequence encoded in a global id.
func SplitNewsID(newsID int64) (int, int64) {
	return int(newsID / yearShift), newsID % yearShift
}
