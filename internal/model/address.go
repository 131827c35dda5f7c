package model

import "strings"

// SplitAddress splits addr at its last "@". The domain is empty when addr
// contains no "@".
func SplitAddress(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// InDomain reports whether addr belongs to domain, ignoring case.
func InDomain(addr, domain string) bool {
	_, d := SplitAddress(strings.TrimSpace(addr))
	return d != "" && strings.EqualFold(d, domain)
}
