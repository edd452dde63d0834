package service

import (
	"context"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

// deregisterTimeout bounds the final deregister publish.
const deregisterTimeout = 5 * time.Second

// onConnectivity reacts to detector transitions. On Down the agent stops
// claiming work and, when it owns a redialer, tries to recover; an exhausted
// redial budget (or a host that cannot redial) is heartbeated as
// persistent_down until the detector sees the network come back.
func (a *Agent) onConnectivity(ctx context.Context, tr connectivity.Transition) {
	switch tr.To {
	case connectivity.StateUp:
		a.setReport(connectivity.ReportUp)
		a.setStateFrom(AgentDisconnected, AgentRunning)
	case connectivity.StateDown:
		a.setState(AgentDisconnected)
		if a.redial == nil {
			a.setReport(connectivity.ReportPersistentDown)
			a.log.WarnContext(ctx, "network down and host cannot redial")
			return
		}
		a.setReport(connectivity.ReportRecovering)
		res := a.redial.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if res.To == connectivity.StateUp {
			a.setReport(connectivity.ReportUp)
			a.setStateFrom(AgentDisconnected, AgentRunning)
			return
		}
		a.setReport(connectivity.ReportPersistentDown)
	}
}

// drain stops accepting work, waits for in-flight assignments up to
// drain_timeout, then deregisters from the center.
func (a *Agent) drain(ctx context.Context) {
	a.setState(AgentDraining)
	a.log.Info("draining", "in_flight", a.InFlight(), "timeout", a.cfg.DrainTimeout)

	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()

	t := time.NewTimer(a.cfg.DrainTimeout)
	select {
	case <-done:
	case <-t.C:
		a.log.Warn("drain timeout, cancelling in-flight downloads", "in_flight", a.InFlight())
		a.cancelWork()
		<-done
	}
	t.Stop()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
	defer cancel()
	p := messagequeue.DeregisterPayload{AgentID: a.id.ID, Timestamp: a.now()}
	if err := a.publishJSON(pctx, messagequeue.SubjectDeregister, p); err != nil {
		a.log.Warn("deregister publish failed", "error", err)
	}
	a.setState(AgentStopped)
}
