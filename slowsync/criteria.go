// This package decides whether slow sync may run. The decision is a live resolution derived from the
// registered client and the most recent logout.
package slowsync

import (
	"context"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"go.uber.org/zap"
)

const causeClientNotRegistered = "Client is not registered"

type Resolution struct {
	ready bool
	cause string
}

var Ready = Resolution{ready: true}

func MissingRequirement(cause string) Resolution {
	return Resolution{cause: cause}
}

func (r Resolution) IsReady() bool { return r.ready }

// Empty when ready.
func (r Resolution) Cause() string { return r.cause }

func (r Resolution) String() string {
	if r.ready {
		return "Ready"
	}
	return "MissingRequirement(" + r.cause + ")"
}

// A logout takes priority over a missing client.
func Resolve(logout *LogoutReason, client *ids.ClientID) Resolution {
	if logout != nil {
		return MissingRequirement("Logout: " + logout.String())
	}
	if client == nil {
		return MissingRequirement(causeClientNotRegistered)
	}
	return Ready
}

type LogoutObserver interface {
	ObserveLogoutReason(ctx context.Context) <-chan *LogoutReason
}

type ClientObserver interface {
	ObserveCurrentClientID(ctx context.Context) <-chan *ids.ClientID
}

type CriteriaProvider struct {
	log     *zap.SugaredLogger
	logouts LogoutObserver
	clients ClientObserver
}

func NewCriteriaProvider(c *config.Config, logouts LogoutObserver, clients ClientObserver) *CriteriaProvider {
	return &CriteriaProvider{log: c.Logger("slowsync"), logouts: logouts, clients: clients}
}

// Emits the first resolution once the client has been observed, then every change. The logout input
// counts as absent until the observer reports one. Closed when ctx is done or an input closes.
func (p *CriteriaProvider) Resolutions(ctx context.Context) <-chan Resolution {
	out := make(chan Resolution)
	logouts := p.logouts.ObserveLogoutReason(ctx)
	clients := p.clients.ObserveCurrentClientID(ctx)
	go func() {
		defer close(out)
		var (
			logout     *LogoutReason
			client     *ids.ClientID
			clientSeen bool
			last       Resolution
			emitted    bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logouts:
				if !ok {
					return
				}
				logout = l
			case c, ok := <-clients:
				if !ok {
					return
				}
				client, clientSeen = c, true
			}
			if !clientSeen {
				continue
			}
			r := Resolve(logout, client)
			if emitted && r == last {
				continue
			}
			p.log.Debugf("sync criteria now %s", r)
			select {
			case out <- r:
				last, emitted = r, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
