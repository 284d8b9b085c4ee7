package subscription

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EventKind is the first eth_subscribe parameter
type EventKind string

const (
	EventLogs                   EventKind = "logs"
	EventNewHeads               EventKind = "newHeads"
	EventNewPendingTransactions EventKind = "newPendingTransactions"
)

// MaxTopicPositions is the number of indexed topic slots of an EVM log
const MaxTopicPositions = 4

// ErrInvalidFilters is wrapped by every filter validation failure
var ErrInvalidFilters = errors.New("invalid subscription filters")

// FilterError reports which filter parameter failed validation
type FilterError struct {
	Param  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidFilters, e.Param, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidFilters
func (e *FilterError) Unwrap() error {
	return ErrInvalidFilters
}

func filterError(param, format string, args ...interface{}) error {
	return &FilterError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// Filters is the normalized second eth_subscribe parameter.
// An empty topic position is a wildcard.
type Filters struct {
	Address             []common.Address
	Topics              [][]common.Hash
	IncludeTransactions bool
}

// IsEmpty reports whether the filters constrain nothing
func (f Filters) IsEmpty() bool {
	return len(f.Address) == 0 && len(f.Topics) == 0 && !f.IncludeTransactions
}

// InterestKey identifies one upstream poll: an event kind plus its filters
type InterestKey struct {
	Event   EventKind
	Filters Filters
}

// Tag is the canonical serialization of an InterestKey, used for map lookups
// and logging.
type Tag string

// NewInterestKey builds a key with normalized filters. Two keys built from
// semantically equal filters produce the same Tag.
func NewInterestKey(event EventKind, filters Filters) InterestKey {
	return InterestKey{Event: event, Filters: normalizeFilters(filters)}
}

type canonicalTag struct {
	Event   EventKind         `json:"event"`
	Filters *canonicalFilters `json:"filters,omitempty"`
}

type canonicalFilters struct {
	Address             interface{}   `json:"address,omitempty"`
	Topics              []interface{} `json:"topics,omitempty"`
	IncludeTransactions bool          `json:"includeTransactions,omitempty"`
}

// Tag returns the canonical serialization of k, e.g. {"event":"logs"} or
// {"event":"logs","filters":{"topics":["0x..."]}}.
func (k InterestKey) Tag() Tag {
	f := normalizeFilters(k.Filters)
	tag := canonicalTag{Event: k.Event}

	if !f.IsEmpty() {
		cf := &canonicalFilters{IncludeTransactions: f.IncludeTransactions}

		switch len(f.Address) {
		case 0:
		case 1:
			cf.Address = strings.ToLower(f.Address[0].Hex())
		default:
			addrs := make([]string, len(f.Address))
			for i, addr := range f.Address {
				addrs[i] = strings.ToLower(addr.Hex())
			}
			cf.Address = addrs
		}

		for _, position := range f.Topics {
			switch len(position) {
			case 0:
				cf.Topics = append(cf.Topics, nil)
			case 1:
				cf.Topics = append(cf.Topics, position[0].Hex())
			default:
				alts := make([]string, len(position))
				for i, topic := range position {
					alts[i] = topic.Hex()
				}
				cf.Topics = append(cf.Topics, alts)
			}
		}
		tag.Filters = cf
	}

	data, err := json.Marshal(tag)
	if err != nil {
		// only strings, bools and nils are marshaled
		panic(fmt.Sprintf("subscription: marshal tag: %v", err))
	}
	return Tag(data)
}

func (k InterestKey) String() string {
	return string(k.Tag())
}

func normalizeFilters(f Filters) Filters {
	out := Filters{IncludeTransactions: f.IncludeTransactions}

	if len(f.Address) > 0 {
		out.Address = dedupeAddresses(f.Address)
	}

	topics := make([][]common.Hash, len(f.Topics))
	for i, position := range f.Topics {
		if len(position) > 0 {
			topics[i] = dedupeHashes(position)
		}
	}
	// trailing wildcards match anything and do not change the filter
	for len(topics) > 0 && len(topics[len(topics)-1]) == 0 {
		topics = topics[:len(topics)-1]
	}
	if len(topics) > 0 {
		out.Topics = topics
	}

	return out
}

func dedupeAddresses(in []common.Address) []common.Address {
	out := make([]common.Address, 0, len(in))
	seen := make(map[common.Address]struct{}, len(in))
	for _, addr := range in {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func dedupeHashes(in []common.Hash) []common.Hash {
	out := make([]common.Hash, 0, len(in))
	seen := make(map[common.Hash]struct{}, len(in))
	for _, h := range in {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// logFilterParams is the wire form of the logs filter object
type logFilterParams struct {
	Address json.RawMessage   `json:"address"`
	Topics  []json.RawMessage `json:"topics"`
}

// ParseLogFilters decodes and validates the filter object of a logs
// subscription. Address may be a string or an array; each topic position
// may be null, a string or an array of alternatives. More than one address
// is rejected unless allowMultipleAddresses is set.
func ParseLogFilters(raw json.RawMessage, allowMultipleAddresses bool) (Filters, error) {
	var filters Filters
	if isNull(raw) {
		return filters, nil
	}

	var params logFilterParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return filters, filterError("filters", "%v", err)
	}

	addresses, err := parseAddresses(params.Address)
	if err != nil {
		return filters, err
	}
	if len(addresses) > 1 && !allowMultipleAddresses {
		return filters, filterError("filters.address", "Only one contract address is allowed")
	}
	filters.Address = addresses

	if len(params.Topics) > MaxTopicPositions {
		return filters, filterError("filters.topics", "at most %d topic positions allowed, got %d",
			MaxTopicPositions, len(params.Topics))
	}
	for i, position := range params.Topics {
		alternatives, err := parseTopicPosition(position)
		if err != nil {
			return filters, filterError(fmt.Sprintf("filters.topics[%d]", i), "%v", err)
		}
		filters.Topics = append(filters.Topics, alternatives)
	}

	return filters, nil
}

// ParseNewHeadsFilters decodes the optional {"includeTransactions": bool} object
func ParseNewHeadsFilters(raw json.RawMessage) (Filters, error) {
	var filters Filters
	if isNull(raw) {
		return filters, nil
	}

	var params struct {
		IncludeTransactions bool `json:"includeTransactions"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return filters, filterError("filters", "%v", err)
	}
	filters.IncludeTransactions = params.IncludeTransactions
	return filters, nil
}

func parseAddresses(raw json.RawMessage) ([]common.Address, error) {
	if isNull(raw) {
		return nil, nil
	}

	raw = bytes.TrimSpace(raw)
	var values []string
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, filterError("filters.address", "%v", err)
		}
	} else {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, filterError("filters.address", "%v", err)
		}
		values = []string{single}
	}

	addresses := make([]common.Address, 0, len(values))
	for _, value := range values {
		if !strings.HasPrefix(value, "0x") || !common.IsHexAddress(value) {
			return nil, filterError("filters.address", "invalid address %q", value)
		}
		addresses = append(addresses, common.HexToAddress(value))
	}
	return addresses, nil
}

func parseTopicPosition(raw json.RawMessage) ([]common.Hash, error) {
	if isNull(raw) {
		return nil, nil
	}

	raw = bytes.TrimSpace(raw)
	var values []string
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, err
		}
	} else {
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		values = []string{single}
	}

	hashes := make([]common.Hash, 0, len(values))
	for _, value := range values {
		decoded, err := hexutil.Decode(value)
		if err != nil || len(decoded) != common.HashLength {
			return nil, fmt.Errorf("invalid topic %q, expected 32 byte hex string", value)
		}
		hashes = append(hashes, common.BytesToHash(decoded))
	}
	return hashes, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
