package core

import (
	"regexp"

	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/store"
)

var (
	tickerPattern  = regexp.MustCompile(`\$[A-Z]{2,10}`)
	evmAddrPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)
	// base58 alphabet: no 0, O, I or l.
	base58AddrPattern = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{32,44}`)
)

// ContainsTokenReference reports whether text mentions a cashtag ticker, an
// EVM address or a base58 token address.
func ContainsTokenReference(text string) bool {
	if text == "" {
		return false
	}
	return tickerPattern.MatchString(text) ||
		evmAddrPattern.MatchString(text) ||
		base58AddrPattern.MatchString(text)
}

// relayFilter is the immutable filter state captured when a loop starts.
type relayFilter struct {
	mode    store.FilterMode
	allowed map[int64]struct{}
}

func newRelayFilter(mode store.FilterMode, allowList []store.FilteredUser) relayFilter {
	f := relayFilter{mode: mode}
	if len(allowList) > 0 {
		f.allowed = make(map[int64]struct{}, len(allowList))
		for _, fu := range allowList {
			f.allowed[fu.UserID] = struct{}{}
		}
	}
	return f
}

// Allow applies the sender allow-list, then the content filter.
func (f relayFilter) Allow(msg *platform.Message) (bool, string) {
	if len(f.allowed) > 0 {
		if msg.SenderID == nil {
			return false, "sender unknown"
		}
		if _, ok := f.allowed[*msg.SenderID]; !ok {
			return false, "sender not allow-listed"
		}
	}
	if f.mode == store.FilterModeToken && !ContainsTokenReference(msg.Text) {
		return false, "no token reference"
	}
	return true, ""
}
