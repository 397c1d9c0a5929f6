package apps

import (
	"netpolicy/pkg/kinetic"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

func bySrcIP(flow map[string]field.Value) (policy.Pred, bool) {
	ip, ok := flow[field.SrcIP]
	if !ok {
		return nil, false
	}
	return policy.MatchValue(field.SrcIP, ip), true
}

// authDef passes the traffic of a source once an "authenticated" event
// set to true arrives for it.
func authDef() kinetic.Def {
	auth := kinetic.NewTransition("authenticated")
	auth.Case(kinetic.Occurred(auth.Event()), auth.Event())
	return kinetic.Def{
		"authenticated": {Type: kinetic.Bool, Init: false, Trans: auth},
		kinetic.PolicyVar: {
			Type: kinetic.PolicyType,
			Init: policy.Drop,
			Trans: kinetic.NewTransition(kinetic.PolicyVar).
				Case(kinetic.IsTrue(kinetic.V("authenticated")), kinetic.C(policy.Identity)).
				Default(kinetic.C(policy.Drop)),
		},
	}
}

func buildAuth(env Env, _ map[string]string) (policy.Policy, error) {
	fsm, err := kinetic.NewFSMPolicy(bySrcIP, authDef(), env.Fields(), env.Logger())
	if err != nil {
		return nil, err
	}
	env.Events().Subscribe(fsm.HandleEvent)
	return policy.Seq(fsm.Policy(), policy.Flood()), nil
}
