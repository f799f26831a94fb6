// Package scanning implements the portsweep TCP connect scanner.
//
// # Overview
//
// A scan probes one target across a set of ports. Each port gets exactly one
// connection attempt, bounded by a per-probe timeout, and is classified as
// open, closed or filtered. Open ports may carry a short banner read after
// sending a fixed greeting.
//
// # Main Components
//
//   - Prober / TCPProber: one bounded connect per call, never returns an error
//   - Engine: runs min(concurrency, ports) workers over a shared queue and
//     folds outcomes into a ScanResult under a single lock
//   - ScanResult: timing, counts, and the open ports sorted by number
//   - TargetResolver: system resolver or a specific DNS server via miekg/dns
//
// # Failure Semantics
//
// Network failures never leave the prober. Cancelling the context passed to
// Engine.Run stops workers from taking new ports; in-flight probes complete
// and the partial result comes back with Cancelled set and an error carrying
// errors.CodeCanceled. An engine fault (a prober panic, a pool that cannot
// start) returns no result and an error carrying errors.CodeScanFailed.
//
// # Usage
//
//	ports, err := ports.ResolvePorts("22,80,8000-8100")
//	if err != nil {
//		return err
//	}
//
//	engine := scanning.NewEngine(
//		scanning.WithProgress(func(done, total int) { bar.Set(done) }),
//	)
//	result, err := engine.Run(ctx, scanning.ScanConfig{
//		Target:      "192.168.1.10",
//		Ports:       ports,
//		Timeout:     500 * time.Millisecond,
//		Concurrency: 200,
//	})
package scanning
