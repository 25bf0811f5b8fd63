// Package transport observes the RPC collaborator and turns its behavior into
// a network condition signal.
//
// NetworkMonitor aggregates request sizes, latencies and errors into
// exponential moving averages and reports the network as slow when
// throughput drops below, or latency rises above, configured thresholds.
// It implements interfaces.NetworkOracle, so transfer operations subscribe
// to it and shrink their chunk sizes and in-flight budgets when it flips.
//
// InstrumentedRPC wraps any interfaces.RPC and feeds the monitor:
//
//	monitor := transport.NewNetworkMonitor(transport.DefaultThresholds())
//	rpc := transport.NewInstrumentedRPC(remote, monitor)
//	unsubscribe := monitor.Subscribe(func(slow bool) {
//	    manager.OnNetworkChanged(slow)
//	})
//	defer unsubscribe()
//
// The slow flag can also be forced, for example from a user preference:
//
//	monitor.SetForcedSlow(true)
package transport
