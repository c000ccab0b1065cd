// Package subscription provides the data model and storage interface for WebSub
// subscriptions.
//
// This package defines the core abstractions shared by the hub components:
//   - Subscription: the durable record of one subscriber's interest in one topic
//   - Key: the (topic, callback) tuple that identifies a subscription
//   - Store: persistence of subscriptions with lease-based expiry
//
// A subscription is keyed by its canonical topic and callback URLs (no query
// string). The query parameters of both URLs are kept on the record and must be
// re-attached to every outbound request made on behalf of the subscription.
//
// Leases: every subscription carries LeaseEndAt. A second subscribe request for
// the same Key is a renewal that moves LeaseEndAt forward from the time of the
// renewal. Stores must remove expired records on their own (see Store.DeleteExpired
// and the store package's Sweeper) and must never return expired records from
// Exists, ListActive or ListAll.
//
// Example usage:
//
//	sub := subscription.New(topic, callback, subscription.DefaultLeaseSeconds)
//	if err := store.Create(ctx, sub); errors.Is(err, subscription.ErrConflict) {
//		err = store.Renew(ctx, sub.Key(), subscription.RenewOptions{LeaseSeconds: 3600})
//	}
//
//	active, err := store.ListActive(ctx, topic)
//	if err != nil {
//		return err
//	}
package subscription
