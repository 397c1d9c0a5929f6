package apps

import (
	"time"

	"go.uber.org/zap"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/query"
)

func buildMonitor(env Env, args map[string]string) (policy.Policy, error) {
	interval, err := durationArg(args, "interval", 10*time.Second)
	if err != nil {
		return nil, err
	}
	logger := env.Logger().Named("monitor")

	total := query.NewCountBucket(env.Logger())
	total.Register(func(c query.Counts) {
		logger.Info("traffic", zap.Uint64("packets", c.Packets), zap.Uint64("bytes", c.Bytes))
	})
	perSwitch := query.CountPackets(interval, []string{field.Switch}, env.Logger())
	perSwitch.Register(func(totals map[string]uint64) {
		logger.Info("packets per switch", zap.Any("totals", totals))
	})
	return policy.Par(policy.Flood(), total.Policy(), perSwitch.Policy()), nil
}
