package conversation

// DefaultPageSize is the number of messages per history page.
const DefaultPageSize = 20

// Cursor tracks backward pagination over a history whose length was frozen
// at the first fetch. Later pages are sliced against Baseline, so messages
// persisted after the first fetch do not shift them.
type Cursor struct {
	// Page is the last page loaded, 0 before the first fetch.
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
	Baseline   int `json:"baseline"`
}

// NewCursor returns the cursor after page 1 of a history of length n.
func NewCursor(n, size int) Cursor {
	return Cursor{Page: 1, TotalPages: TotalPages(n, size), Baseline: n}
}

// HasMore reports whether older pages remain.
func (c Cursor) HasMore() bool {
	return c.Page < c.TotalPages
}

// Next returns the number and index range of the next older page.
func (c Cursor) Next(size int) (page, start, end int) {
	page = c.Page + 1
	start, end = PageBounds(c.Baseline, page, size)
	return page, start, end
}

// TotalPages returns ceil(n/size).
func TotalPages(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// PageBounds returns the [start, end) range of page within a chronological
// history of length baseline. Page 1 is the most recent size messages.
func PageBounds(baseline, page, size int) (start, end int) {
	if page < 1 || size <= 0 {
		return 0, 0
	}
	end = baseline - (page-1)*size
	if end < 0 {
		end = 0
	}
	start = end - size
	if start < 0 {
		start = 0
	}
	return start, end
}
