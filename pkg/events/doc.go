/*
Package events provides a per-asset pub/sub topic over an asset's
publishing lifecycle, so a caller can wait on one asset's events without
polling AssetStore. Within kapp the only publisher is Service.Register,
which emits EventAssetQueued; Worker and HealthMonitor publish nothing,
so a published or failed event reaches a topic only if a caller
publishes it.

# Topics

Each assetID gets its own topic, created lazily on first Subscribe and
torn down automatically once a terminal event (published or failed) is
published to it. There is no cluster-wide broadcast: subscribing to one
asset never sees another asset's events.

# Usage

	broker := events.NewBroker()

	sub := broker.Subscribe(assetID)
	defer broker.Unsubscribe(assetID, sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		AssetID: assetID,
		Type:    events.EventAssetPublished,
		Message: "published to DKG",
	})

Publish never blocks: a subscriber with a full buffer simply misses that
event, the same trade-off the teacher's broadcast broker makes. Terminal
events close every subscriber channel for that topic, so a range loop
over sub always ends rather than blocking forever.
*/
package events
