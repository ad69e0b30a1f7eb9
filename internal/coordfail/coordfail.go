// Package coordfail implements the coordinator-side failure detector
// pipeline: proxy discovery, health probing with
// retry, and failure reporting to the meta-broker, composed into a
// sequential detector that processes addresses in retrieval order with no
// parallelism, bounding meta-broker load.
package coordfail

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/protocol"
)

// ErrMetaData wraps a meta-broker error surfaced by the retriever or the
// reporter (the Go rendering of CoordinateError::MetaData).
var ErrMetaData = errors.New("coordfail: meta-data error")

// HostAddressLister is the narrow slice of MetaDataBroker the proxy
// retriever needs.
type HostAddressLister interface {
	GetHostAddresses(ctx context.Context) ([]string, error)
}

// ProxyRetriever produces a lazy sequence of proxy addresses from the
// meta-broker. It is restartable only by constructing a
// new ProxyRetriever.
type ProxyRetriever struct {
	lister HostAddressLister
}

// NewProxyRetriever wraps lister into a ProxyRetriever.
func NewProxyRetriever(lister HostAddressLister) *ProxyRetriever {
	return &ProxyRetriever{lister: lister}
}

// Next fetches the current address list from the broker. A broker error is
// lifted to ErrMetaData and returned as a sequence-level error; it does not
// itself mean the sequence has ended — callers decide whether to retry
// Next on a later iteration.
func (p *ProxyRetriever) Next(ctx context.Context) ([]string, error) {
	addrs, err := p.lister.GetHostAddresses(ctx)
	if err != nil {
		return nil, errors.Join(ErrMetaData, err)
	}
	return addrs, nil
}

// Retries is the fixed probe budget for the ping failure checker.
const Retries = 3

// PingChecker probes an address for liveness:
// `Check(address)` returns ("", false) when healthy (no failed address),
// and (address, true) when confirmed failed after Retries unanimous
// failures. Connect and send failures are votes, not errors; only the
// checker's own programming errors would surface otherwise, which this
// design has none of.
type PingChecker struct {
	factory protocol.ClientFactory
	logger  *zap.Logger
}

// NewPingChecker builds a checker that dials fresh clients via factory for
// every probe, so a stale pooled connection can never cause a false
// positive.
func NewPingChecker(factory protocol.ClientFactory, logger *zap.Logger) *PingChecker {
	return &PingChecker{factory: factory, logger: logger}
}

// Check runs up to Retries probes against address. A single successful
// probe is sufficient to declare health; failures are sticky only when
// unanimous across all Retries attempts.
func (c *PingChecker) Check(ctx context.Context, address string) (failed string, isFailed bool) {
	for attempt := 0; attempt < Retries; attempt++ {
		if c.probe(ctx, address) {
			return "", false
		}
	}
	return address, true
}

// probe opens exactly one fresh client and sends one PING.
func (c *PingChecker) probe(ctx context.Context, address string) bool {
	client, err := c.factory.CreateClient(ctx, address)
	if err != nil {
		c.logger.Debug("coordfail: probe connect failed", zap.String("address", address), zap.Error(err))
		return false
	}
	defer client.Close()

	resp, err := client.Execute(ctx, []string{"PING"})
	if err != nil {
		c.logger.Debug("coordfail: probe send failed", zap.String("address", address), zap.Error(err))
		return false
	}
	// Any successfully received RESP value counts as a healthy probe, even
	// a nil array.
	_ = resp
	return true
}

// FailureVoter is the narrow slice of MetaDataBroker the reporter needs.
type FailureVoter interface {
	AddFailure(ctx context.Context, addr, reporterID string) error
}

// Reporter posts failure votes to the meta-broker.
// ReporterID is immutable for the component's lifetime.
type Reporter struct {
	voter      FailureVoter
	ReporterID string
}

// NewReporter builds a Reporter with a fixed reporter identity.
func NewReporter(voter FailureVoter, reporterID string) *Reporter {
	return &Reporter{voter: voter, ReporterID: reporterID}
}

// Report posts (addr, ReporterID) to the broker. A broker error is lifted
// to ErrMetaData.
func (r *Reporter) Report(ctx context.Context, addr string) error {
	if err := r.voter.AddFailure(ctx, addr, r.ReporterID); err != nil {
		return errors.Join(ErrMetaData, err)
	}
	metrics.RecordFailureReport(addr)
	return nil
}

// Detector composes the retriever, checker, and reporter into the
// sequential failure detector.
type Detector struct {
	retriever *ProxyRetriever
	checker   *PingChecker
	reporter  *Reporter
	logger    *zap.Logger
}

// NewDetector builds a sequential failure detector from its three stages.
func NewDetector(retriever *ProxyRetriever, checker *PingChecker, reporter *Reporter, logger *zap.Logger) *Detector {
	return &Detector{retriever: retriever, checker: checker, reporter: reporter, logger: logger}
}

// RunOnce fetches the current address list and, for each address in
// retrieval order (no parallelism, bounding meta-broker load), checks it
// and reports it if it is confirmed failed. Errors from any stage are
// logged and do not stop the pass over the remaining addresses; RunOnce
// itself only returns an error if the retriever's fetch itself failed.
func (d *Detector) RunOnce(ctx context.Context) error {
	addrs, err := d.retriever.Next(ctx)
	if err != nil {
		return err
	}

	for _, addr := range addrs {
		failed, isFailed := d.checker.Check(ctx, addr)
		if !isFailed {
			continue
		}
		if err := d.reporter.Report(ctx, failed); err != nil {
			d.logger.Warn("coordfail: failed to report failure", zap.String("address", failed), zap.Error(err))
		}
	}
	return nil
}
