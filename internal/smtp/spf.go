package smtp

import (
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/zaccone/spf"

	"github.com/tutorbook/mail-relay/internal/model"
)

// SPFChecker evaluates the SPF policy of domain for a client ip.
type SPFChecker func(ip net.IP, domain, sender string) (spf.Result, error)

// CheckSPF looks the policy up in DNS.
func CheckSPF(ip net.IP, domain, sender string) (spf.Result, error) {
	result, _, err := spf.CheckHost(ip, domain, sender)
	return result, err
}

var errSPFFail = &smtp.SMTPError{
	Code:         550,
	EnhancedCode: smtp.EnhancedCode{5, 7, 23},
	Message:      "SPF validation failed",
}

// checkSPF returns the verdict for the envelope sender, or an SMTP error if
// the sender's domain forbids this client. Senders without a domain and
// clients without an IP are not checked.
func checkSPF(check SPFChecker, remote, from string) (string, error) {
	_, domain := model.SplitAddress(from)
	if domain == "" {
		return "", nil
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", nil
	}

	result, err := check(ip, domain, from)
	if err != nil {
		slog.Info("could not check spf", "domain", domain, "error", err)
	}
	if result == spf.Fail {
		slog.Warn("rejected sender failing spf", "domain", domain, "remote", remote)
		return result.String(), errSPFFail
	}
	return result.String(), nil
}
