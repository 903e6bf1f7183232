/*
Package horde orchestrates the slaves of one node.

A slave is either a child process the horde spawns and supervises, or a
running peer it attaches to. Either way the horde holds one bus connection
per slave and routes the events each slave emits:

	control topics      dropped
	already broadcast   dropped
	reply, forwarded    forward-cast to the next hop on the route
	reply, local        unicast to the client that issued the command
	forwarded to an app forward-cast to that app
	anything else       broadcast to the local channel and every other slave

A failed strategy falls through to the next one, down to broadcast.

Attached slaves are watched by a HealthMonitor. A link that lags for more
than a second is reported on every tick; after ten seconds the report asks
for the overlay, and after twenty the outbound channel is torn down so the
connection reconnects.

A Horde is an ifrit.Runner:

	h := horde.New(logger, cfg, collaborators)
	process := ifrit.Invoke(sigmon.New(h))

Run loads the configured hordes, becomes ready, and stops every slave when
signaled. os.Kill stops them forcibly.
*/
package horde
