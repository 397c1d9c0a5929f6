package apps

import (
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

const ethTypeARP = 0x0806

// whitelist passes ARP, and IP traffic whose source and destination are
// both covered by the comma separated prefixes or addresses in list.
func whitelist(list string) (policy.Pred, error) {
	var b netipx.IPSetBuilder
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("%w: allow=%q: %v", ErrBadArgument, s, err)
			}
			b.Add(addr)
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%w: allow=%q: %v", ErrBadArgument, s, err)
		}
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("%w: allow: %v", ErrBadArgument, err)
	}

	var src, dst []policy.Pred
	for _, p := range set.Prefixes() {
		pat, err := field.PrefixOf(p)
		if err != nil {
			return nil, fmt.Errorf("%w: allow=%s: %v", ErrBadArgument, p, err)
		}
		src = append(src, policy.Match(map[string]field.Pattern{field.SrcIP: pat}))
		dst = append(dst, policy.Match(map[string]field.Pattern{field.DstIP: pat}))
	}
	arp := policy.MatchValue(field.EthType, field.Num(ethTypeARP))
	return policy.Or(arp, policy.And(policy.Or(src...), policy.Or(dst...))), nil
}

func buildFirewall(env Env, args map[string]string) (policy.Policy, error) {
	allowed, err := whitelist(args["allow"])
	if err != nil {
		return nil, err
	}
	return policy.Seq(allowed, newLearner(env.Logger()).policy()), nil
}
