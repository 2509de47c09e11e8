package auth

import "strings"

// AllowList is a fixed set of admin wallets, compared case-insensitively.
type AllowList struct {
	wallets map[string]struct{}
}

// NewAllowList builds an allow-list from wallet addresses.
func NewAllowList(wallets []string) *AllowList {
	l := &AllowList{wallets: make(map[string]struct{}, len(wallets))}
	for _, w := range wallets {
		if w = normalize(w); w != "" {
			l.wallets[w] = struct{}{}
		}
	}
	return l
}

// Contains reports whether wallet is on the list.
func (l *AllowList) Contains(wallet string) bool {
	if l == nil {
		return false
	}
	_, ok := l.wallets[normalize(wallet)]
	return ok
}

// Len returns the number of wallets on the list.
func (l *AllowList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.wallets)
}

func normalize(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
