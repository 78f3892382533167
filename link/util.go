package link

import (
	"net"
	"net/url"
	"strings"

	"github.com/juju/errors"
)

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// tcp://host:port -> tcp, host:port
// unix:///run/x.sock -> unix, /run/x.sock
// host:port without scheme is tcp
func parseURI(s string) (network, address string, err error) {
	if !strings.Contains(s, "://") {
		return "tcp", s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", errors.Annotatef(err, "parse url=%s", s)
	}
	switch u.Scheme {
	case "unix":
		return u.Scheme, u.Host + u.Path, nil
	default:
		return u.Scheme, u.Host, nil
	}
}
