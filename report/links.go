package report

import (
	"net/url"
	"strings"
)

const (
	licensesPath     = "/reporting/licenses"
	transactionsPath = "/reporting/transactions"
	vendorPrefix     = "/manage/vendors/"
	marketplaceHost  = "marketplace.atlassian.com"
)

// TransactionsURL turns an entitlement's license report link into the
// matching transactions report link. Links without a license path are
// returned unchanged.
func TransactionsURL(licenseURL string) string {
	return strings.Replace(licenseURL, licensesPath, transactionsPath, 1)
}

// IsTransactionsPage reports whether raw is a vendor transactions report
// on the marketplace, the only page the audit activates on.
func IsTransactionsPage(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Hostname(), marketplaceHost) {
		return false
	}
	return strings.HasPrefix(u.Path, vendorPrefix) && strings.Contains(u.Path, transactionsPath)
}
