package gossip

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"icn-core/runtimeerr"
)

// ResolveDNSSeed queries the DNS seed domain for SRV records naming
// overlay bootstrap addresses, used to populate an initial peer set
// without a hardcoded seed list.
func ResolveDNSSeed(ctx context.Context, seedDomain, resolver string) ([]string, error) {
	if resolver == "" {
		resolver = "1.1.1.1:53"
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(seedDomain), dns.TypeSRV)

	client := new(dns.Client)
	client.Timeout = 5 * time.Second
	in, _, err := client.ExchangeContext(ctx, msg, resolver)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.NetworkError, "gossip: dns seed query", err)
	}
	var addrs []string
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(srv.Target, ".")
		addrs = append(addrs, host+":"+strconv.Itoa(int(srv.Port)))
	}
	return addrs, nil
}
