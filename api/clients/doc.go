/*
Package clients provides client libraries for the provisioning server.

ProvisioningClient queries the HTTP API (catalog, devices, job history).
SessionClient speaks the real-time protocol over a WebSocket connection:
it submits devices, retries failed jobs and receives acks and progress
events in order.

	session, err := clients.DialSession(ctx, "ws://localhost:8080/ws")
	if err != nil {
		return err
	}
	defer session.Close()

	requestID, err := session.SubmitDevice(interfaces.ProvisionRequest{
		Name:        "Greenhouse",
		Location:    "Roof",
		Peripherals: []string{"dht_sensor", "relay"},
	})
	...
	result, err := session.Follow(ctx, requestID, func(ev interfaces.ProgressEvent) {
		fmt.Println(ev.Step, ev.Status, ev.Message)
	})
*/
package clients
