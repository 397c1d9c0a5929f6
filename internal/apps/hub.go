package apps

import "netpolicy/pkg/policy"

func buildHub(Env, map[string]string) (policy.Policy, error) {
	return policy.Flood(), nil
}
