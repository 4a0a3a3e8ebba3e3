// Package messaging implements the producer confirm engine and the consumer
// acknowledgment engine.
//
// A Producer publishes over a confirm-mode channel. Every accepted Send
// registers an outstanding record keyed by the channel's publish sequence
// number; broker confirms (single or multiple) resolve records and their
// callbacks run on a per-producer serial dispatcher, in broker order. The
// number of outstanding records is bounded: Send returns Blocked when the
// window is full. When the channel is lost every outstanding record is
// resolved with a synthetic NACK and a new channel is opened in the
// background.
//
// A Consumer receives deliveries over a manual-ack channel. Each delivery is
// wrapped in a MessageGuard which accepts exactly one of Ack, Nack or
// Reject. Closing a consumer with unresolved guards reports an
// *UnacknowledgedError.
//
// Example usage:
//
//	producer, err := messaging.NewProducer(ctx, transport, "orders", 10)
//	if err != nil {
//		return err
//	}
//	status := producer.Send(contracts.NewTextMessage("hi"), "k",
//		func(msg contracts.Message, key string, resp contracts.ConfirmResponse) {
//			log.Printf("%s: %s", msg.GUID(), resp.Status)
//		})
//	if status == messaging.Blocked {
//		_ = producer.WaitForConfirms(ctx)
//	}
package messaging
