package protocol

// Clocks maps an author's base64 public key to the last accepted update
// clock for the active snapshot.
type Clocks map[string]int

// Current returns the last accepted clock for pubKey or -1.
func (c Clocks) Current(pubKey string) int {
	if v, ok := c[pubKey]; ok {
		return v
	}
	return -1
}

// Next returns the clock the next update by pubKey must carry.
func (c Clocks) Next(pubKey string) int {
	return c.Current(pubKey) + 1
}

// Advance records clock for pubKey if it is greater than the current one.
func (c Clocks) Advance(pubKey string, clock int) {
	if clock > c.Current(pubKey) {
		c[pubKey] = clock
	}
}

// UpdateCount returns the number of updates the clocks account for.
func (c Clocks) UpdateCount() int {
	n := 0
	for _, v := range c {
		n += v + 1
	}
	return n
}

func (c Clocks) Clone() Clocks {
	out := make(Clocks, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// CompareClocks reports whether server and client hold the same entries.
// missing lists the server entries the client lacks or has behind.
func CompareClocks(server, client Clocks) (equal bool, missing Clocks) {
	missing = Clocks{}
	for k, v := range server {
		if cv, ok := client[k]; !ok || cv != v {
			missing[k] = v
		}
	}
	if len(missing) > 0 || len(server) != len(client) {
		return false, missing
	}
	return true, missing
}
