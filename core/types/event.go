package types

// Event is the wire form of a ledger notification. Sequence is assigned by
// the node's recorder in emission order and doubles as the resume cursor for
// streaming consumers; Timestamp is the node's unix time at emission.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
