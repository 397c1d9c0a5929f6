package apps

import (
	"netpolicy/pkg/policy"
	"netpolicy/pkg/virt"
)

// defaultVSwitch is the dpid of the virtual switch.
const defaultVSwitch = 1000

func buildBigSwitch(env Env, args map[string]string) (policy.Policy, error) {
	vswitch, err := uintArg(args, "vswitch", defaultVSwitch)
	if err != nil {
		return nil, err
	}
	v := env.Virtualizer()
	if v == nil {
		return nil, ErrNoVirtualizer
	}
	n := virt.NewNetwork("bigswitch", v, virt.BigSwitch(vswitch), policy.Flood(), env.Logger())
	return n.Policy(), nil
}
