package listing

// Collector accumulates listings across scroll rounds, keeping the first copy
// seen for each URL and preserving first-seen order.
type Collector struct {
	seen map[string]struct{}
	rows []Listing
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{seen: make(map[string]struct{})}
}

// Add merges batch into the collection and returns how many listings were new.
func (c *Collector) Add(batch []Listing) int {
	added := 0
	for _, row := range batch {
		if _, dup := c.seen[row.URL]; dup {
			continue
		}
		c.seen[row.URL] = struct{}{}
		c.rows = append(c.rows, row)
		added++
	}
	return added
}

// Len is the number of distinct listings collected so far.
func (c *Collector) Len() int {
	return len(c.rows)
}

// Listings returns a copy of the collected listings in first-seen order.
func (c *Collector) Listings() []Listing {
	out := make([]Listing, len(c.rows))
	copy(out, c.rows)
	return out
}
