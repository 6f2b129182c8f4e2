package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	killedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "risk",
		Name:      "killed",
		Help:      "1 once the kill switch has tripped",
	})

	equityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "risk",
		Name:      "equity_krw",
		Help:      "Initial capital plus realized PnL",
	})

	dailyPnLGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "risk",
		Name:      "daily_pnl_krw",
		Help:      "Realized PnL since the last daily reset",
	})

	unrealizedLossGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "risk",
		Name:      "unrealized_loss_krw",
		Help:      "Estimated adverse mark-to-market move on open positions",
	})

	connectivityGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arb",
		Subsystem: "risk",
		Name:      "exchange_connected",
		Help:      "Exchange connectivity flag",
	}, []string{"venue"})
)
