package core

import (
	"strings"
	"testing"

	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/store"
)

func TestContainsTokenReference(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"ticker", "buy $ABC now", true},
		{"ticker max length", "$ABCDEFGHIJ", true},
		{"evm address", "send to 0xABCDEF0123456789ABCDEF0123456789ABCDEF01", true},
		{"evm address lowercase", "0xabcdef0123456789abcdef0123456789abcdef01", true},
		{"base58 address", "mint So11111111111111111111111111111111111111112 live", true},
		{"plain text", "no token here", false},
		{"empty", "", false},
		{"lowercase ticker", "buy $abc", false},
		{"single letter ticker", "$A", false},
		{"short evm address", "0xABCDEF0123456789ABCDEF0123456789ABCDEF0", false},
		{"base58 too short", strings.Repeat("a", 31), false},
		{"base58 excluded chars", strings.Repeat("0OIl", 10), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsTokenReference(tt.text); got != tt.want {
				t.Fatalf("ContainsTokenReference(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestRelayFilterAllow(t *testing.T) {
	allow111 := []store.FilteredUser{{UserID: 111, DisplayName: "alice"}}

	tests := []struct {
		name      string
		mode      store.FilterMode
		allowList []store.FilteredUser
		sender    *int64
		text      string
		want      bool
	}{
		{"all mode passes anything", store.FilterModeAll, nil, nil, "hello", true},
		{"all mode passes empty text", store.FilterModeAll, nil, int64Ptr(5), "", true},
		{"token mode drops plain text", store.FilterModeToken, nil, int64Ptr(5), "hello", false},
		{"token mode keeps ticker", store.FilterModeToken, nil, int64Ptr(5), "$PEPE", true},
		{"allow-listed sender passes", store.FilterModeAll, allow111, int64Ptr(111), "hello", true},
		{"other sender dropped", store.FilterModeAll, allow111, int64Ptr(222), "buy $ABC", false},
		{"missing sender dropped", store.FilterModeAll, allow111, nil, "buy $ABC", false},
		{"allow-listed sender still content filtered", store.FilterModeToken, allow111, int64Ptr(111), "hello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFilter(tt.mode, tt.allowList)
			got, reason := f.Allow(&platform.Message{SenderID: tt.sender, Text: tt.text})
			if got != tt.want {
				t.Fatalf("Allow = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}
}
