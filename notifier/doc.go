// Package notifier sends notifications through pluggable transports.
//
// RoundRobinTransport and FailoverTransport combine several transports: a transport
// failing with a TransportError is considered dead for a retry period and skipped,
// and ErrAllTransportsFailed is returned once no transport is left to try.
//
//	rr, err := notifier.NewRoundRobinTransport([]notifier.Transport{slack, teams}, time.Minute)
//	if err != nil {
//	    return err
//	}
//	sent, err := rr.Send(ctx, notifier.NewChatMessage("deploy finished"))
package notifier
